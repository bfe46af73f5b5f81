package main

import (
	"context"
	"log"
	"os"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/taskgraph/config"
	"github.com/mohammad-safakhou/taskgraph/internal/archive"
	"github.com/mohammad-safakhou/taskgraph/internal/coordinator"
	"github.com/mohammad-safakhou/taskgraph/internal/dispatch"
	"github.com/mohammad-safakhou/taskgraph/internal/graph"
	"github.com/mohammad-safakhou/taskgraph/internal/queue/streams"
	"github.com/mohammad-safakhou/taskgraph/internal/registry"
	"github.com/mohammad-safakhou/taskgraph/internal/runtime"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

// app holds the shared dependencies of the serve, worker and agent commands.
type app struct {
	cfg     *config.Config
	store   *graph.SQLStore
	rdb     *redis.Client
	tel     *runtime.Telemetry
	meter   otelmetric.Meter
	tracer  trace.Tracer
	repo    *taskgraph.Repo
	agents  *registry.Registry
	archive *archive.Index
	pub     *streams.Publisher
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags)
}

func newApp(ctx context.Context, cfg *config.Config, service string, retry config.RetryConfig) (*app, error) {
	a := &app{cfg: cfg}
	var err error
	a.tel, a.meter, a.tracer, err = runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    cfg.General.ServiceName + "-" + service,
		ServiceVersion: version,
		Logger:         newLogger("[TELEMETRY] "),
	})
	if err != nil {
		return nil, err
	}

	graphCfg := *cfg
	graphCfg.Graph.Retry = retry
	a.store, err = runtime.OpenGraph(ctx, &graphCfg, newLogger("[GRAPH] "))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.repo = taskgraph.NewRepo(a.store)

	a.rdb, err = runtime.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}
	regOpts := []registry.Option{registry.WithLogger(newLogger("[REGISTRY] "))}
	// agents update their own nodes from other processes, so only a cache
	// they can invalidate is safe
	if a.rdb != nil && cfg.Redis.CacheTTL > 0 {
		regOpts = append(regOpts, registry.WithCache(registry.NewRedisCache(a.rdb, cfg.Redis.CacheTTL)))
	}
	a.agents = registry.New(a.store, regOpts...)

	if a.rdb != nil {
		schemas, err := streams.NewBaseRegistry()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.pub = streams.NewPublisher(a.rdb, schemas, cfg.Redis.StreamMaxLen)
	}
	return a, nil
}

// openArchive opens the Result index when archive.enabled is set.
func (a *app) openArchive() error {
	if !a.cfg.Archive.Enabled {
		return nil
	}
	idx, err := archive.Open(a.cfg.Archive.Path)
	if err != nil {
		return err
	}
	a.archive = idx
	return nil
}

// coordinator builds the workflow coordinator and registers the
// coordination agent.
func (a *app) coordinator(ctx context.Context, logger *log.Logger) (*coordinator.Coordinator, error) {
	d := dispatch.New(dispatch.Endpoints{
		Template:  a.cfg.Dispatcher.Template,
		Overrides: a.cfg.Dispatcher.Endpoints,
	},
		dispatch.WithTimeout(a.cfg.Dispatcher.Timeout),
		dispatch.WithLogger(newLogger("[DISPATCH] ")),
		dispatch.WithMeter(a.meter),
	)
	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithTracer(a.tracer),
		coordinator.WithMeter(a.meter),
	}
	if a.cfg.Server.ClaimTTL > 0 {
		opts = append(opts, coordinator.WithClaimTTL(a.cfg.Server.ClaimTTL))
	}
	if a.pub != nil {
		opts = append(opts, coordinator.WithEvents(streams.NewStatusPublisher(a.pub)))
	}
	if a.archive != nil {
		opts = append(opts, coordinator.WithArchive(a.archive))
	}
	c := coordinator.New(a.repo, a.agents, d, opts...)
	if err := c.Bootstrap(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.archive != nil {
		_ = a.archive.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		log.Printf("warn: telemetry shutdown: %v", err)
	}
}
