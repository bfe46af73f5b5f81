// Package graph is a small labeled-property-graph client. Nodes are keyed by
// (label, id); edges are typed and directed. The backing engine is a SQL
// database (postgres in production, embedded sqlite for development and tests)
// but callers only see node/edge/pattern operations.
package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a referenced node does not exist.
	ErrNotFound = errors.New("graph: not found")
	// ErrConflict is returned by CreateNode when the id is already taken.
	ErrConflict = errors.New("graph: node already exists")
	// ErrUnavailable marks failures to reach the backing store.
	ErrUnavailable = errors.New("graph: store unavailable")
)

// Props holds node attributes. Values must be JSON encodable.
type Props map[string]any

// Node is a stored node. ID is never duplicated inside Props.
type Node struct {
	Label string
	ID    string
	Props Props
}

// Ref identifies a node.
type Ref struct {
	Label string
	ID    string
}

// Ref returns the reference of n.
func (n Node) Ref() Ref { return Ref{Label: n.Label, ID: n.ID} }

func (r Ref) String() string { return fmt.Sprintf("(%s {id:%q})", r.Label, r.ID) }

// Hop restricts a match to targets of From -[Rel]-> node.
type Hop struct {
	Rel  string
	From Ref
}

// Pattern describes a read. Label is required; ID, Where, Via narrow it.
// Where compares top-level properties for JSON equality.
type Pattern struct {
	Label string
	ID    string
	Where Props
	Via   *Hop
	Limit int
}

// UpdateFunc receives the current properties (nil when the node does not
// exist) and returns the full replacement set. Returning nil props with a nil
// error leaves the node untouched.
type UpdateFunc func(cur Props, exists bool) (Props, error)

// Store is the graph client used by every other package.
type Store interface {
	// MergeNode creates the node or merges attrs into the existing one.
	MergeNode(ctx context.Context, label, id string, attrs Props) error
	// CreateNode inserts a new node. attrs["id"] is used when set, otherwise a
	// fresh id is generated. An existing id yields ErrConflict.
	CreateNode(ctx context.Context, label string, attrs Props) (Node, error)
	// CreateEdge links from -[rel]-> to. Re-creating an edge is a no-op.
	CreateEdge(ctx context.Context, rel string, from, to Ref) error
	MatchOne(ctx context.Context, p Pattern) (Node, bool, error)
	MatchAll(ctx context.Context, p Pattern) ([]Node, error)
	// UpdateNode runs fn under a row lock and writes its result.
	UpdateNode(ctx context.Context, label, id string, fn UpdateFunc) (Node, error)
	// InTx runs fn against a transactional view of the store. Nested calls
	// reuse the outer transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

// String returns a string property or "".
func (p Props) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Strings returns a string-list property. Non-string members are skipped.
func (p Props) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Time parses an RFC3339 timestamp property; the zero time is returned when
// the property is missing or malformed.
func (p Props) Time(key string) time.Time {
	s := p.String(key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Clone returns a shallow copy.
func (p Props) Clone() Props {
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Timestamp formats t the way time properties are stored.
func Timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
