package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/taskgraph/config"
	"github.com/mohammad-safakhou/taskgraph/internal/queue/streams"
	"github.com/mohammad-safakhou/taskgraph/internal/runtime"
	"github.com/mohammad-safakhou/taskgraph/internal/worker"
)

func workerCMD(cfgPath *string) *cobra.Command {
	var concurrency int
	var name string
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run pipelines for tasks enqueued on the redis stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled() {
				return errors.New("worker requires redis.host")
			}
			if concurrency <= 0 {
				concurrency = cfg.Server.MaxConcurrentPipelines
			}
			if name == "" {
				name = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
			}
			ctx, stop := runtime.SignalContext(cmd.Context())
			defer stop()

			logger := newLogger("[WORKER] ")
			a, err := newApp(ctx, cfg, "worker", cfg.Graph.Retry)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.openArchive(); err != nil {
				return err
			}
			coord, err := a.coordinator(ctx, newLogger("[COORD] "))
			if err != nil {
				return err
			}

			schemas, err := streams.NewBaseRegistry()
			if err != nil {
				return err
			}
			consumer, err := streams.NewConsumer(a.rdb, schemas, streams.ConsumerConfig{
				Stream: streams.StreamTasks,
				Group:  cfg.Redis.ConsumerGroup,
				Name:   name,
			})
			if err != nil {
				return err
			}
			if err := consumer.EnsureGroup(ctx); err != nil {
				return fmt.Errorf("worker ensure group: %w", err)
			}

			processor := worker.NewProcessor(coord, consumer, a.pub,
				worker.WithLogger(logger),
				worker.WithConcurrency(concurrency),
				worker.WithTracer(a.tracer),
				worker.WithMeter(a.meter),
			)
			logger.Printf("%s joined group %s", name, cfg.Redis.ConsumerGroup)
			return processor.Start(ctx)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "pipelines run at once (default server.max_concurrent_pipelines)")
	cmd.Flags().StringVar(&name, "name", "", "consumer name (default random)")
	return cmd
}
