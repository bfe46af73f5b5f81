package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/taskgraph/config"
	"github.com/mohammad-safakhou/taskgraph/internal/queue"
	"github.com/mohammad-safakhou/taskgraph/internal/queue/streams"
	"github.com/mohammad-safakhou/taskgraph/internal/runtime"
	srv "github.com/mohammad-safakhou/taskgraph/internal/server"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			ctx, stop := runtime.SignalContext(cmd.Context())
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return serve
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger("[COORD] ")
	if cfg.Server.RunMigrations && cfg.Graph.Driver == "postgres" {
		dsn, err := cfg.Graph.Postgres.DSN()
		if err != nil {
			return err
		}
		if err := srv.Migrate(cfg.Server.MigrationsDir, dsn, "up", 0); err != nil {
			return err
		}
		logger.Printf("migrations applied from %s", cfg.Server.MigrationsDir)
	}

	a, err := newApp(ctx, cfg, "coordinator", cfg.Graph.Retry)
	if err != nil {
		return err
	}
	defer a.Close()

	inline := cfg.Server.QueueMode == config.QueueInline
	// Results are indexed by whichever process runs pipelines.
	if inline {
		if err := a.openArchive(); err != nil {
			return err
		}
	}
	coord, err := a.coordinator(ctx, logger)
	if err != nil {
		return err
	}

	var launcher queue.Launcher
	var pool *queue.Inline
	if inline {
		pool = queue.NewInline(coord, cfg.Server.MaxConcurrentPipelines, logger)
		launcher = pool
		if err := resumePending(ctx, coord, pool); err != nil {
			logger.Printf("warn: resume pending tasks: %v", err)
		}
	} else {
		launcher = streams.NewTaskQueue(a.pub)
	}

	deps := srv.Deps{
		Pipeline:       coord,
		Launcher:       launcher,
		Store:          a.store,
		JWTSecret:      []byte(cfg.Server.JWTSecret),
		Logger:         newLogger("[HTTP] "),
		MetricsHandler: a.tel.Handler(),
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	e := srv.New(deps)
	serveErr := runtime.Serve(ctx, e, cfg.Server.Address, cfg.Server.ShutdownTimeout, logger)

	if pool != nil {
		drain, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := pool.Close(drain); err != nil {
			logger.Printf("warn: pipelines still running at shutdown: %v", err)
		}
	}
	return serveErr
}

// resumePending fails abandoned running Tasks and relaunches pending ones.
func resumePending(ctx context.Context, coord interface {
	Recover(ctx context.Context) ([]string, error)
}, pool *queue.Inline) error {
	recoverCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	ids, err := coord.Recover(recoverCtx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := pool.Launch(ctx, taskgraph.Task{ID: id}); err != nil {
			return fmt.Errorf("relaunch %s: %w", id, err)
		}
	}
	return nil
}
