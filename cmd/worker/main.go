package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"

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

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		if _, err := a.Sweeper.Sweep(ctx); err != nil {
			logr.Error("stale job sweep failed", "err", err)
		}
	}); err != nil {
		log.Fatalf("sweep schedule %q: %v", cfg.SweepSchedule, err)
	}
	scheduler.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Outbox.Run(ctx, cfg.OutboxPollInterval)
	}()

	logr.Info("worker started", "queue", cfg.GroupQueueKey, "sweep", cfg.SweepSchedule)
	if err := a.Dispatcher.Consume(ctx, a.Groups.Process); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("group queue consumer stopped", "err", err)
	}

	<-scheduler.Stop().Done()
	wg.Wait()
	logr.Info("worker stopped")
}
