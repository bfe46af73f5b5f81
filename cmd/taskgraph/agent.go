package main

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mohammad-safakhou/taskgraph/config"
	"github.com/mohammad-safakhou/taskgraph/internal/agent"
	"github.com/mohammad-safakhou/taskgraph/internal/agent/stages"
	"github.com/mohammad-safakhou/taskgraph/internal/llm"
	"github.com/mohammad-safakhou/taskgraph/internal/runtime"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

func agentCMD(cfgPath *string) *cobra.Command {
	var agentType, addr string
	var cmd = &cobra.Command{
		Use:   "agent",
		Short: "Run a worker agent serving one pipeline stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if agentType != "" {
				cfg.Agent.Type = agentType
			}
			if addr != "" {
				cfg.Agent.Address = addr
			}
			if !slices.Contains(taskgraph.WorkerTypes(), cfg.Agent.Type) {
				return fmt.Errorf("agent type must be one of %v, got %q", taskgraph.WorkerTypes(), cfg.Agent.Type)
			}
			ctx, stop := runtime.SignalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg, cfg.Agent.Type+"-agent", agentRetry(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			logger := newLogger(fmt.Sprintf("[AGENT %s] ", cfg.Agent.Type))
			proc, err := stages.New(cfg.Agent.Type, stages.Deps{
				HTTPClient:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
				FetchTimeout: cfg.Agent.FetchTimeout,
				LLM:          llm.FromConfig(cfg.LLM.Providers),
				MaxTextChars: cfg.Agent.MaxTextChars,
			})
			if err != nil {
				return err
			}
			svc := agent.New(cfg.Agent.Type, a.repo, a.agents, proc,
				agent.WithLogger(logger),
				agent.WithMeter(a.meter),
			)
			if err := svc.Start(ctx); err != nil {
				return fmt.Errorf("register %s: %w", svc.AgentID(), err)
			}

			e := echo.New()
			e.HideBanner = true
			e.HidePort = true
			e.Use(middleware.Recover())
			e.GET("/metrics", echo.WrapHandler(a.tel.Handler()))
			svc.Register(e)
			return runtime.Serve(ctx, e, cfg.Agent.Address, cfg.Server.ShutdownTimeout, logger)
		},
	}
	cmd.Flags().StringVar(&agentType, "type", "", "agent type: research, analysis, strategy or report")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides agent.address)")
	return cmd
}

// agentRetry applies the agent connect policy unless agent.retry overrides it.
func agentRetry(cfg *config.Config) config.RetryConfig {
	def := agent.DefaultPolicy()
	p := cfg.Agent.Retry.Policy(def)
	return config.RetryConfig{Initial: p.Initial, Multiplier: p.Multiplier, Max: p.Max, MaxAttempts: p.MaxAttempts}
}
