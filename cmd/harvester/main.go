package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"energy-harvester/internal/app"
	"energy-harvester/internal/infra/config"
	"energy-harvester/internal/infra/logger"
)

func main() {
	// envPath определяет расположение .env с адресом платформы и настройками темпа.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	env := config.Env()

	logger.Init(env.LogLevel)
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.NewApp()
	if err := a.Init(ctx, env); err != nil {
		_ = a.Close()
		stop()
		logger.Fatal("app init failed", zap.Error(err))
	}

	if err := a.Run(ctx); err != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(err))
	}
	logger.Info("Graceful shutdown complete")
}
