package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"backplane/internal/archive"
	"backplane/internal/config"
	"backplane/internal/kafka"
	"backplane/internal/keys"
	"backplane/internal/queue"
	"backplane/internal/worker"
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
	if err := cfg.ValidateForWorker(); err != nil {
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

	var deadLetter queue.DeadLetter
	if cfg.Kafka.Enabled() {
		ctx, cancel = context.WithTimeout(context.Background(), connectTimeout)
		if err := kafka.CheckConnectivity(ctx, cfg.Kafka.Brokers); err != nil {
			log.Warn("kafka connectivity check failed", zap.Error(err))
		}
		cancel()

		producer, err := kafka.NewKafkaGoProducer(cfg.Kafka)
		if err != nil {
			log.Warn("kafka producer init failed", zap.Error(err))
		} else {
			defer func() {
				if err := producer.Close(); err != nil {
					log.Warn("kafka producer close error", zap.Error(err))
				}
			}()
			dl, err := kafka.NewDeadLetter(cfg.Kafka, producer)
			if err != nil {
				log.Warn("dead letter init failed", zap.Error(err))
			} else {
				deadLetter = dl
			}
		}
	}

	var archiveSink queue.Archive
	if cfg.Postgres.Enabled() {
		ctx, cancel = context.WithTimeout(context.Background(), connectTimeout)
		store, err := archive.New(ctx, cfg.Postgres.DSN)
		cancel()
		if err != nil {
			log.Warn("archive init failed", zap.Error(err))
		} else {
			defer store.Close()
			archiveSink = store
		}
	}

	layout := keys.New(cfg.Store.Prefix)
	manager, err := queue.New(redisClient, layout, queue.Options{
		RetentionTTL:       cfg.Queue.RetentionTTL,
		TerminalTTL:        cfg.Queue.TerminalTTL,
		DefaultPriority:    cfg.Queue.DefaultPriority,
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		Retry:              cfg.Queue.Retry,
		DeadLetter:         deadLetter,
		Archive:            archiveSink,
	}, log)
	if err != nil {
		log.Fatal("queue init failed", zap.Error(err))
	}

	runner, err := worker.New(manager, cfg.Worker.Queue, cfg.Worker.PollTimeout, &worker.NoopProcessor{}, log)
	if err != nil {
		log.Fatal("worker init failed", zap.Error(err))
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- runner.Run(runCtx)
	}()

	log.Info("worker starting",
		zap.String("queue", cfg.Worker.Queue),
		zap.Duration("poll_timeout", cfg.Worker.PollTimeout),
		zap.String("redis", cfg.Redis.Addr))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancelRun()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Warn("worker stopped with error", zap.Error(err))
		}
	case <-time.After(3 * time.Second):
		log.Warn("worker shutdown timed out")
	}
	log.Info("worker shutting down")
}
