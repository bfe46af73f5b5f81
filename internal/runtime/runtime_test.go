package runtime

import (
	"context"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/taskgraph/config"
)

func TestOpenGraphSQLite(t *testing.T) {
	cfg := &config.Config{Graph: config.GraphConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "graph.db")}}
	st, err := OpenGraph(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenGraphRejectsIncompletePostgres(t *testing.T) {
	cfg := &config.Config{Graph: config.GraphConfig{Driver: "postgres"}}
	if _, err := OpenGraph(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for missing postgres host")
	}
}

func TestOpenRedisDisabled(t *testing.T) {
	rdb, err := OpenRedis(context.Background(), config.RedisConfig{})
	if err != nil || rdb != nil {
		t.Fatalf("expected nil client without host, got %v %v", rdb, err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, e, "127.0.0.1:0", time.Second, log.New(io.Discard, "", 0)) }()

	deadline := time.After(2 * time.Second)
	for e.ListenerAddr() == nil {
		select {
		case <-deadline:
			t.Fatalf("server did not start")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}

func TestTelemetryDisabled(t *testing.T) {
	tel, meter, tracer, err := SetupTelemetry(context.Background(), config.TelemetryConfig{}, TelemetryOptions{ServiceName: "test"})
	if err != nil || meter == nil || tracer == nil {
		t.Fatalf("setup: %v", err)
	}
	if tel.Handler() == nil {
		t.Fatalf("handler must fall back to the default registry")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
