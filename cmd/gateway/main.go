package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warpgate/warpgate/internal/application"
	"github.com/warpgate/warpgate/internal/infrastructure/config"
	"github.com/warpgate/warpgate/internal/infrastructure/logger"
)

const (
	appName    = "warpgate"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("%s v%s\n", appName, appVersion)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Warpgate",
		zap.String("name", appName),
		zap.String("version", appVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
}

// printUsage displays usage information
func printUsage() {
	fmt.Printf(`%s v%s

Usage:
  gateway           Start both servers (bridge :8000, compat :8010)
  gateway version   Show version
  gateway help      Show this help

Environment:
  WARP_JWT            Upstream access token (refreshed automatically)
  WARP_REFRESH_TOKEN  Refresh token override
  WARP_URL            Upstream endpoint
  WARP_PROTO_DIR      Protobuf schema directory
  HOST / PORT         Compat server bind address
`, appName, appVersion)
}
