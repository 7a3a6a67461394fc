package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warpgate/warpgate/internal/domain/warp"
	"github.com/warpgate/warpgate/internal/infrastructure/auth"
	"github.com/warpgate/warpgate/internal/infrastructure/config"
	"github.com/warpgate/warpgate/internal/infrastructure/proto"
	"github.com/warpgate/warpgate/internal/infrastructure/upstream"
	httpServer "github.com/warpgate/warpgate/internal/interfaces/http"
	"github.com/warpgate/warpgate/internal/interfaces/http/handlers"
	"github.com/warpgate/warpgate/pkg/safego"
)

// App 应用程序（依赖注入容器）
type App struct {
	config *config.Config
	logger *zap.Logger

	// 基础设施
	env      *auth.EnvFile
	authMgr  *auth.Manager
	runtime  *proto.Runtime
	upstream *upstream.Client

	// 会话基线
	state *warp.State

	// 接口层
	bridgeHandler *handlers.BridgeHandler
	openaiHandler *handlers.OpenAIHandler
	warmup        *handlers.Warmup
	bridgeServer  *httpServer.Server
	compatServer  *httpServer.Server
}

// NewApp 创建应用程序
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config: cfg,
		logger: logger,
		state:  warp.NewState(),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	return app, nil
}

// initInfrastructure 初始化基础设施: 凭证、protobuf 运行时、上游连接
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	app.env = auth.NewEnvFile(app.config.Auth.EnvFile)
	app.env.Reload()
	app.authMgr = auth.NewManager(app.logger, app.env)

	runtime, err := proto.NewRuntime(app.config.Warp.ProtoDir, app.logger)
	if err != nil {
		return fmt.Errorf("failed to load protobuf schemas: %w", err)
	}
	app.runtime = runtime

	client, err := upstream.NewClient(app.config.Warp.URL, app.config.Warp.InsecureTLS, app.authMgr, app.logger)
	if err != nil {
		return fmt.Errorf("failed to build upstream client: %w", err)
	}
	app.upstream = client

	return nil
}

// initInterfaces 初始化两个 HTTP 服务: 协议桥接层与 OpenAI 兼容层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	app.bridgeHandler = handlers.NewBridgeHandler(app.runtime, app.upstream, app.authMgr, app.logger)
	app.bridgeServer = httpServer.NewBridgeServer(httpServer.Config{
		Host: app.config.Bridge.Host,
		Port: app.config.Bridge.Port,
		Mode: app.config.Compat.Mode,
	}, app.bridgeHandler, app.logger)

	bridgeClient := handlers.NewBridgeClient(app.config.Bridge.BaseURL, app.logger)
	app.warmup = handlers.NewWarmup(app.state, bridgeClient, handlers.WarmupConfig{
		InitRetries:   app.config.Compat.InitRetries,
		InitDelay:     app.config.Compat.InitDelay,
		WarmupRetries: app.config.Compat.WarmupRetries,
		WarmupDelay:   app.config.Compat.WarmupDelay,
	}, app.logger)
	app.openaiHandler = handlers.NewOpenAIHandler(app.state, bridgeClient, app.warmup, app.logger)
	app.compatServer = httpServer.NewCompatServer(httpServer.Config{
		Host: app.config.Compat.Host,
		Port: app.config.Compat.Port,
		Mode: app.config.Compat.Mode,
	}, app.openaiHandler, app.logger)

	return nil
}

// Start 启动应用: 先桥接层, 后兼容层, 再后台预热
func (app *App) Start(ctx context.Context) error {
	if err := app.bridgeServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge server: %w", err)
	}
	if err := app.compatServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start compat server: %w", err)
	}

	// 启动时尽早刷新凭证并建立会话基线; 失败不阻止启动, 首个请求会重试
	safego.Go(app.logger, "startup-warmup", func() {
		if _, err := app.authMgr.CheckAndRefreshToken(ctx); err != nil {
			app.logger.Warn("Startup token refresh failed", zap.Error(err))
		}
		if err := app.warmup.EnsureInitialized(ctx); err != nil {
			app.logger.Warn("Startup warmup failed", zap.Error(err))
		}
	})

	return nil
}

// Stop 停止应用
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if err := app.compatServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop compat server", zap.Error(err))
	}
	if err := app.bridgeServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop bridge server", zap.Error(err))
	}

	return nil
}

// Logger 返回日志实例
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AuthManager 返回凭证管理器
func (app *App) AuthManager() *auth.Manager {
	return app.authMgr
}
