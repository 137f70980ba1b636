package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/heyronith/kurral-sub012/infrastructure/queue"
	"github.com/heyronith/kurral-sub012/internal/application"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume side-effect jobs from the Redis stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Queue.Backend != "redis" {
				return fmt.Errorf("worker needs queue.backend redis, got %q", cfg.Queue.Backend)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}

			name := cfg.Queue.Consumer
			if name == "" {
				name = "worker-" + uuid.NewString()[:8]
			}
			consumer := queue.NewStreamConsumer(rdb, queue.ConsumerConfig{
				Stream:   cfg.Queue.Stream,
				Group:    cfg.Queue.Group,
				Consumer: name,
			})
			if err := consumer.EnsureGroup(ctx); err != nil {
				return err
			}

			handler := queue.NewIdempotentHandler(
				application.NewLoggingDispatcher(logger),
				queue.NewRedisIdempotencyStore(rdb, ""),
				cfg.Queue.IdempotencyTTL,
			)
			logger.Info("worker started", "stream", cfg.Queue.Stream, "group", cfg.Queue.Group, "consumer", name)
			err = consumer.Run(ctx, handler)
			if errors.Is(err, context.Canceled) {
				logger.Info("worker stopped")
				return nil
			}
			return err
		},
	}
}
