package main

import (
	"context"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/config"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Environment)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap", zap.Error(err))
	}
	defer a.close()

	logger.Info("orchestration core ready",
		zap.String("env", cfg.Environment),
		zap.String("storage", cfg.StorageDriver),
		zap.Int("port", cfg.Port),
	)
	if err := a.run(ctx); err != nil {
		logger.Error("shutdown with error", zap.Error(err))
		return
	}
	logger.Info("shutdown complete")
}
