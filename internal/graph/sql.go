package graph

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	DB *sql.DB

	q       querier
	dialect dialect
	inTx    bool
}

// NewPostgres wraps an open postgres handle. The schema is expected to exist.
func NewPostgres(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, q: db, dialect: postgresDialect}
}

// NewSQLite wraps an open sqlite handle. The handle must be limited to a
// single connection; transactions rely on it for isolation.
func NewSQLite(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, q: db, dialect: sqliteDialect}
}

// EnsureSchema creates the graph tables when missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure graph schema: %w", classify(err))
		}
	}
	return nil
}

func (s *SQLStore) MergeNode(ctx context.Context, label, id string, attrs Props) error {
	if label == "" || id == "" {
		return fmt.Errorf("merge node: label and id are required")
	}
	raw, err := encodeProps(attrs)
	if err != nil {
		return fmt.Errorf("merge node %s/%s: %w", label, id, err)
	}
	if _, err := s.q.ExecContext(ctx, s.dialect.mergeSQL(), label, id, raw); err != nil {
		return fmt.Errorf("merge node %s/%s: %w", label, id, classify(err))
	}
	return nil
}

func (s *SQLStore) CreateNode(ctx context.Context, label string, attrs Props) (Node, error) {
	if label == "" {
		return Node{}, fmt.Errorf("create node: label is required")
	}
	props := attrs.Clone()
	id, _ := props["id"].(string)
	delete(props, "id")
	if id == "" {
		id = uuid.NewString()
	}
	raw, err := encodeProps(props)
	if err != nil {
		return Node{}, fmt.Errorf("create node %s: %w", label, err)
	}
	res, err := s.q.ExecContext(ctx, s.dialect.createSQL(), label, id, raw)
	if err != nil {
		return Node{}, fmt.Errorf("create node %s/%s: %w", label, id, classify(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Node{}, fmt.Errorf("create node %s/%s: %w", label, id, ErrConflict)
	}
	return Node{Label: label, ID: id, Props: stripNil(props)}, nil
}

func (s *SQLStore) CreateEdge(ctx context.Context, rel string, from, to Ref) error {
	if rel == "" {
		return fmt.Errorf("create edge: rel is required")
	}
	for _, ref := range []Ref{from, to} {
		ok, err := s.exists(ctx, ref)
		if err != nil {
			return fmt.Errorf("create edge %s: %w", rel, err)
		}
		if !ok {
			return fmt.Errorf("create edge %s: endpoint %s: %w", rel, ref, ErrNotFound)
		}
	}
	if _, err := s.q.ExecContext(ctx, s.dialect.edgeSQL(), rel, from.Label, from.ID, to.Label, to.ID); err != nil {
		return fmt.Errorf("create edge %s %s->%s: %w", rel, from, to, classify(err))
	}
	return nil
}

func (s *SQLStore) exists(ctx context.Context, ref Ref) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, s.dialect.existsSQL(), ref.Label, ref.ID).Scan(&n); err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (s *SQLStore) MatchOne(ctx context.Context, p Pattern) (Node, bool, error) {
	p.Limit = 1
	nodes, err := s.MatchAll(ctx, p)
	if err != nil {
		return Node{}, false, err
	}
	if len(nodes) == 0 {
		return Node{}, false, nil
	}
	return nodes[0], true, nil
}

func (s *SQLStore) MatchAll(ctx context.Context, p Pattern) ([]Node, error) {
	if p.Label == "" {
		return nil, fmt.Errorf("match: label is required")
	}
	query, args := s.dialect.matchSQL(p)
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", p.Label, classify(err))
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("match %s: scan: %w", p.Label, err)
		}
		props, err := decodeProps(raw)
		if err != nil {
			return nil, fmt.Errorf("match %s/%s: %w", p.Label, id, err)
		}
		if !matches(props, p.Where) {
			continue
		}
		out = append(out, Node{Label: p.Label, ID: id, Props: props})
		if p.Limit > 0 && len(out) >= p.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("match %s: %w", p.Label, classify(err))
	}
	return out, nil
}

func (s *SQLStore) UpdateNode(ctx context.Context, label, id string, fn UpdateFunc) (Node, error) {
	if label == "" || id == "" {
		return Node{}, fmt.Errorf("update node: label and id are required")
	}
	var out Node
	err := s.InTx(ctx, func(tx Store) error {
		st := tx.(*SQLStore)
		var raw []byte
		exists := true
		if err := st.q.QueryRowContext(ctx, st.dialect.lockSQL(), label, id).Scan(&raw); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return classify(err)
			}
			exists = false
		}
		var cur Props
		if exists {
			var err error
			if cur, err = decodeProps(raw); err != nil {
				return err
			}
		}
		next, err := fn(cur, exists)
		if err != nil {
			return err
		}
		if next == nil {
			out = Node{Label: label, ID: id, Props: cur}
			return nil
		}
		next = next.Clone()
		delete(next, "id")
		enc, err := encodeProps(next)
		if err != nil {
			return err
		}
		if _, err := st.q.ExecContext(ctx, st.dialect.replaceSQL(), label, id, enc); err != nil {
			return classify(err)
		}
		out = Node{Label: label, ID: id, Props: stripNil(next)}
		return nil
	})
	if err != nil {
		return Node{}, fmt.Errorf("update node %s/%s: %w", label, id, err)
	}
	return out, nil
}

func (s *SQLStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", classify(err))
	}
	child := &SQLStore{DB: s.DB, q: tx, dialect: s.dialect, inTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.DB.Close()
}

// encodeProps drops nil values; engines disagree on whether a JSON null
// stores or deletes a key.
func encodeProps(p Props) (string, error) {
	b, err := json.Marshal(stripNil(p))
	if err != nil {
		return "", fmt.Errorf("encode props: %w", err)
	}
	return string(b), nil
}

func decodeProps(raw []byte) (Props, error) {
	props := Props{}
	if len(raw) == 0 {
		return props, nil
	}
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode props: %w", err)
	}
	return props, nil
}

func stripNil(p Props) Props {
	out := make(Props, len(p))
	for k, v := range p {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// matches compares every where-value to the stored value after a JSON round
// trip so numeric and slice types line up with what decodeProps produces.
func matches(props, where Props) bool {
	if len(where) == 0 {
		return true
	}
	for k, want := range where {
		got, ok := props[k]
		if !ok {
			return false
		}
		b, err := json.Marshal(want)
		if err != nil {
			return false
		}
		var norm any
		if err := json.Unmarshal(b, &norm); err != nil {
			return false
		}
		if !reflect.DeepEqual(got, norm) {
			return false
		}
	}
	return true
}

// classify tags connection-level failures with ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case strings.Contains(err.Error(), "connection refused"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
