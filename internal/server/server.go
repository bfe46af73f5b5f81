// Package server exposes the coordinator HTTP API.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/taskgraph/internal/archive"
	"github.com/mohammad-safakhou/taskgraph/internal/protocol"
	"github.com/mohammad-safakhou/taskgraph/internal/queue"
	"github.com/mohammad-safakhou/taskgraph/internal/registry"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

// Pipeline is the coordinator surface used by the API.
type Pipeline interface {
	Submit(ctx context.Context, in protocol.CreateTaskRequest) (taskgraph.Task, error)
	Status(ctx context.Context, taskID string) (protocol.TaskStatusResponse, error)
	Agents(ctx context.Context) ([]registry.AgentStatus, error)
}

// Searcher queries archived Results.
type Searcher interface {
	Search(ctx context.Context, q string, k int) ([]archive.Hit, error)
}

// Pinger reports whether the graph store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the API. Archive may be nil, which disables /results/search.
// An empty JWTSecret disables authentication.
type Deps struct {
	Pipeline  Pipeline
	Launcher  queue.Launcher
	Archive   Searcher
	Store     Pinger
	JWTSecret []byte
	Logger    *log.Logger
	// MetricsHandler serves /metrics; promhttp.Handler() when nil.
	MetricsHandler http.Handler
}

// New builds the echo instance serving the coordinator API.
func New(d Deps) *echo.Echo {
	logger := d.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	h := &health{store: d.Store}
	e.GET("/health", h.get)
	metrics := d.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	e.GET("/metrics", echo.WrapHandler(metrics))

	var auth []echo.MiddlewareFunc
	if len(d.JWTSecret) > 0 {
		auth = append(auth, AuthMiddleware(d.JWTSecret))
	}
	th := &TasksHandler{Pipeline: d.Pipeline, Launcher: d.Launcher, Logger: logger}
	th.Register(e, auth...)
	ah := &AgentsHandler{Pipeline: d.Pipeline}
	ah.Register(e, auth...)
	if d.Archive != nil {
		sh := &SearchHandler{Archive: d.Archive}
		sh.Register(e, auth...)
	}
	return e
}
