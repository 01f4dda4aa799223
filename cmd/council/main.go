package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tradecouncil/tradecouncil/internal/application"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/config"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/logger"
	httpserver "github.com/tradecouncil/tradecouncil/internal/interfaces/http"
	"go.uber.org/zap"
)

const (
	appName    = "tradecouncil"
	appVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:   appName,
		Short: "Multi-agent deliberation engine for due diligence and trading decisions",
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/WebSocket server and background schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "config file path (default: ./config/config.yaml)")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	}

	root.AddCommand(serve, version)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	// .env 先于配置加载，扁平环境变量约定靠它注入
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting tradecouncil",
		zap.String("version", appVersion),
		zap.String("symbol", cfg.Trading.Symbol),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
	)

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg.Trading, log)
		if err != nil {
			log.Warn("Threshold hot-reload unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
			app.SetThresholdWatcher(watcher)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.Start(ctx)

	server := httpserver.NewServer(httpserver.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
		Mode: cfg.Server.Mode,
	}, app, log)
	if err := server.Start(ctx); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("HTTP shutdown error", zap.Error(err))
	}
	app.Stop()

	log.Info("Application stopped successfully")
	return nil
}
