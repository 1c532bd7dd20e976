package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"backplane/internal/api"
	"backplane/internal/archive"
	"backplane/internal/config"
	"backplane/internal/kafka"
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
	if err := cfg.ValidateForAPI(); err != nil {
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

	if cfg.Kafka.Enabled() {
		ctx, cancel = context.WithTimeout(context.Background(), connectTimeout)
		if err := kafka.CheckConnectivity(ctx, cfg.Kafka.Brokers); err != nil {
			log.Warn("kafka connectivity check failed", zap.Error(err))
		}
		cancel()
	}

	if cfg.Postgres.Enabled() {
		ctx, cancel = context.WithTimeout(context.Background(), connectTimeout)
		if err := archive.CheckConnectivity(ctx, cfg.Postgres.DSN); err != nil {
			log.Warn("postgres connectivity check failed", zap.Error(err))
		}
		cancel()
	}

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

	r := api.NewRouter(manager)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:    cfg.API.Addr,
		Handler: r,
	}

	log.Info("api listening", zap.String("addr", cfg.API.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}
