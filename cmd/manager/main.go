package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"lattice/internal/config"
	"lattice/internal/queue"
	"lattice/internal/store"
	"lattice/internal/telemetry"
	"lattice/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg)
	if closeLog != nil {
		defer func() { _ = closeLog() }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN, cfg.MaxQueryLimit)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewTaskQueue(st, queue.NewIndex(client, cfg.ClaimVisibility), cfg.MaxQueryLimit)

	uploader, err := worker.NewUploader(ctx, cfg)
	if err != nil {
		logger.Error("init result uploader", "error", err)
		os.Exit(1)
	}

	manager := worker.NewManager(cfg, q, st, uploader, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("manager started", "tag", cfg.ManagerTag, "visibility", cfg.ClaimVisibility, "poll", cfg.PollInterval)
	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("manager stopped", "error", err)
		os.Exit(1)
	}
}
