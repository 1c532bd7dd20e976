package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"backplane/internal/config"
	"backplane/internal/keys"
	"backplane/internal/queue"
)

const connectTimeout = 2 * time.Second

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if err := cfg.ValidateForReaper(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Warn("redis close error", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed", zap.Error(err))
	}
	cancel()

	layout := keys.New(cfg.Store.Prefix)
	manager, err := queue.New(redisClient, layout, queue.Options{
		RetentionTTL:       cfg.Queue.RetentionTTL,
		TerminalTTL:        cfg.Queue.TerminalTTL,
		DefaultPriority:    cfg.Queue.DefaultPriority,
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		Retry:              cfg.Queue.Retry,
	}, log)
	if err != nil {
		log.Fatal("queue init failed", zap.Error(err))
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- manager.RunReaper(runCtx, cfg.Reaper.PollInterval, cfg.Reaper.Batch)
	}()

	log.Info("retry-dispatcher starting",
		zap.Duration("poll_interval", cfg.Reaper.PollInterval),
		zap.Int64("batch", cfg.Reaper.Batch),
		zap.String("redis", cfg.Redis.Addr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelRun()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Warn("retry-dispatcher stopped with error", zap.Error(err))
		}
	case <-time.After(3 * time.Second):
		log.Warn("retry-dispatcher shutdown timed out")
	}
	log.Info("retry-dispatcher shutting down")
}
