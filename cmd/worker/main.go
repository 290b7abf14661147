package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"roomscan/internal/config"
	"roomscan/internal/feed"
	"roomscan/internal/logging"
	"roomscan/internal/queue"
	"roomscan/internal/store"
)

// Worker drains scan events from the queue into the per-room recent feed.
func main() {
	cfg, cfgErr := config.Load()
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat, "roomscan-worker")
	defer func() { _ = logger.Sync() }()
	if cfgErr != nil {
		logger.Warn("configuration fell back to defaults", zap.Error(cfgErr))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		logger.Fatal("redis config invalid", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()
	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable, worker will keep retrying", zap.String("addr", cfg.RedisAddr))
	}

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	recorder := feed.NewRecorder(redisClient.Client, cfg.FeedSize, cfg.FeedTTL)
	worker := feed.NewWorker(q, recorder, logger)

	logger.Info("worker started", zap.String("queue", cfg.QueueKey))
	if err := worker.Run(ctx); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
	logger.Info("worker stopped")
}
