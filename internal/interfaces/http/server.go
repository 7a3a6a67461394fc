package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/warpgate/warpgate/internal/interfaces/http/handlers"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
	name   string
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// NewCompatServer 创建 OpenAI 兼容层服务器
func NewCompatServer(cfg Config, openaiHandler *handlers.OpenAIHandler, logger *zap.Logger) *Server {
	router := newRouter(cfg, logger)

	router.GET("/", openaiHandler.Healthz)
	router.GET("/healthz", openaiHandler.Healthz)

	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions", openaiHandler.ChatCompletions)
		v1.GET("/models", openaiHandler.ListModels)
	}

	return newServer(cfg, router, "compat", logger)
}

// NewBridgeServer 创建协议桥接服务器
func NewBridgeServer(cfg Config, bridgeHandler *handlers.BridgeHandler, logger *zap.Logger) *Server {
	router := newRouter(cfg, logger)

	router.GET("/healthz", bridgeHandler.Healthz)

	api := router.Group("/api")
	{
		api.POST("/warp/send_stream", bridgeHandler.SendStream)
		api.POST("/warp/send_stream_sse", bridgeHandler.SendStreamSSE)
		api.POST("/auth/refresh", bridgeHandler.AuthRefresh)
	}

	return newServer(cfg, router, "bridge", logger)
}

func newRouter(cfg Config, logger *zap.Logger) *gin.Engine {
	if cfg.Mode == "production" || cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))
	return router
}

func newServer(cfg Config, router *gin.Engine, name string, logger *zap.Logger) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		logger: logger,
		name:   name,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("name", s.name),
		zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error",
				zap.String("name", s.name),
				zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server", zap.String("name", s.name))
	return s.server.Shutdown(ctx)
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
