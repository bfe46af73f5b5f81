package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/mohammad-safakhou/taskgraph/internal/backoff"
)

// Options selects and configures the backing engine.
type Options struct {
	Driver string // postgres | sqlite
	DSN    string // postgres connection string
	Path   string // sqlite file, ":memory:" when empty
	Policy backoff.Policy
	Logger *log.Logger
}

// Open connects to the configured engine, retrying with Policy until the
// store answers a ping. Exhausting the policy yields an ErrUnavailable error.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	var (
		st  *SQLStore
		err error
	)
	switch strings.ToLower(opts.Driver) {
	case "", "sqlite":
		st, err = openSQLite(opts.Path)
	case "postgres", "postgresql":
		st, err = openPostgres(opts.DSN)
	default:
		return nil, fmt.Errorf("graph: unknown driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(ctx, opts.Policy, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return st.Ping(pingCtx)
	}, func(err error, attempt int, next time.Duration) {
		logger.Printf("warn: graph store not ready (attempt %d): %v; retrying in %s", attempt, err, next)
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("connect graph store: %w", asUnavailable(err))
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	logger.Printf("graph store ready (%s)", st.dialect.name)
	return st, nil
}

func openPostgres(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("graph: postgres dsn is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewPostgres(db), nil
}

func openSQLite(path string) (*SQLStore, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" alive and serialises transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	return NewSQLite(db), nil
}

func asUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
