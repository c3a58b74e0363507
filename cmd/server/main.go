package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/digkill/gemstudio/internal/app"
	"github.com/digkill/gemstudio/internal/config"
	"github.com/digkill/gemstudio/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logr)
	if err != nil {
		log.Fatalf("app: %v", err)
	}
	defer a.Close()

	// Outbox events also drain here when no worker is deployed.
	go a.Outbox.Run(ctx, cfg.OutboxPollInterval)

	if err := a.APIServer().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("api server stopped", "err", err)
	}
}
