package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lattice/internal/api"
	"lattice/internal/auth"
	"lattice/internal/config"
	"lattice/internal/queue"
	"lattice/internal/ratelimit"
	"lattice/internal/store"
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

	reg := auth.NewRegistry(st, cfg.AuthBypass, logger)
	if cfg.AuthBypass {
		logger.Warn("authentication bypass is enabled, every request is trusted")
	}
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, q, reg, limiter, logger)
	logger.Info("coordinator listening", "port", cfg.HTTPPort)
	if err := server.Serve(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
