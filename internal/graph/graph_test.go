package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open(context.Background(), Options{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestMergeNodeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.MergeNode(ctx, "Agent", "research_agent", Props{"type": "research", "status": "available"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := st.MergeNode(ctx, "Agent", "research_agent", Props{"status": "busy", "current_task": "st-1"}); err != nil {
		t.Fatalf("merge again: %v", err)
	}
	nodes, err := st.MatchAll(ctx, Pattern{Label: "Agent"})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(nodes))
	}
	want := Props{"type": "research", "status": "busy", "current_task": "st-1"}
	if diff := cmp.Diff(want, nodes[0].Props); diff != "" {
		t.Fatalf("props mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateNodeConflict(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	n, err := st.CreateNode(ctx, "Task", Props{"id": "t-1", "status": "pending"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.ID != "t-1" {
		t.Fatalf("expected explicit id, got %q", n.ID)
	}
	if _, ok := n.Props["id"]; ok {
		t.Fatalf("id must not be stored in props")
	}
	if _, err := st.CreateNode(ctx, "Task", Props{"id": "t-1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// same id under a different label is a different node
	if _, err := st.CreateNode(ctx, "SubTask", Props{"id": "t-1"}); err != nil {
		t.Fatalf("create under other label: %v", err)
	}
	gen, err := st.CreateNode(ctx, "Task", Props{"status": "pending"})
	if err != nil {
		t.Fatalf("create generated: %v", err)
	}
	if gen.ID == "" || gen.ID == "t-1" {
		t.Fatalf("expected generated id, got %q", gen.ID)
	}
}

func TestCreateEdgeAndTraverse(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	task, _ := st.CreateNode(ctx, "Task", Props{"id": "t-1"})
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		if _, err := st.CreateNode(ctx, "SubTask", Props{"id": id, "type": "stage-" + id}); err != nil {
			t.Fatalf("create subtask: %v", err)
		}
	}
	// created out of order; traversal follows node insertion order
	for _, id := range []string{"s-2", "s-1", "s-3", "s-1"} {
		if err := st.CreateEdge(ctx, "CONTAINS", task.Ref(), Ref{Label: "SubTask", ID: id}); err != nil {
			t.Fatalf("edge %s: %v", id, err)
		}
	}
	if _, err := st.CreateNode(ctx, "SubTask", Props{"id": "unlinked"}); err != nil {
		t.Fatalf("create unlinked: %v", err)
	}

	subs, err := st.MatchAll(ctx, Pattern{Label: "SubTask", Via: &Hop{Rel: "CONTAINS", From: task.Ref()}})
	if err != nil {
		t.Fatalf("traverse: %v", err)
	}
	var ids []string
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{"s-1", "s-2", "s-3"}, ids); diff != "" {
		t.Fatalf("unexpected traversal (-want +got):\n%s", diff)
	}

	err = st.CreateEdge(ctx, "CONTAINS", task.Ref(), Ref{Label: "SubTask", ID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing endpoint, got %v", err)
	}
}

func TestMatchWhereAndLimit(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	_, _ = st.CreateNode(ctx, "Agent", Props{"id": "a", "status": "busy", "capabilities": []string{"x", "y"}})
	_, _ = st.CreateNode(ctx, "Agent", Props{"id": "b", "status": "available"})
	_, _ = st.CreateNode(ctx, "Agent", Props{"id": "c", "status": "available"})

	avail, err := st.MatchAll(ctx, Pattern{Label: "Agent", Where: Props{"status": "available"}})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(avail) != 2 || avail[0].ID != "b" {
		t.Fatalf("unexpected match result %+v", avail)
	}
	one, ok, err := st.MatchOne(ctx, Pattern{Label: "Agent", Where: Props{"capabilities": []string{"x", "y"}}})
	if err != nil || !ok {
		t.Fatalf("match one: ok=%v err=%v", ok, err)
	}
	if one.ID != "a" {
		t.Fatalf("expected a, got %s", one.ID)
	}
	if got := one.Props.Strings("capabilities"); len(got) != 2 || got[1] != "y" {
		t.Fatalf("unexpected capabilities %v", got)
	}
	_, ok, err = st.MatchOne(ctx, Pattern{Label: "Agent", ID: "zzz"})
	if err != nil || ok {
		t.Fatalf("expected no match, ok=%v err=%v", ok, err)
	}
}

func TestUpdateNodeGuard(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	errStale := errors.New("stale")

	_, _ = st.CreateNode(ctx, "SubTask", Props{"id": "s-1", "status": "running"})
	advance := func(cur Props, exists bool) (Props, error) {
		if !exists || cur.String("status") != "running" {
			return nil, errStale
		}
		next := cur.Clone()
		next["status"] = "completed"
		return next, nil
	}
	n, err := st.UpdateNode(ctx, "SubTask", "s-1", advance)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n.Props.String("status") != "completed" {
		t.Fatalf("unexpected status %q", n.Props.String("status"))
	}
	if _, err := st.UpdateNode(ctx, "SubTask", "s-1", advance); !errors.Is(err, errStale) {
		t.Fatalf("expected guard error, got %v", err)
	}
	// nil props leaves the node untouched and does not create missing nodes
	if _, err := st.UpdateNode(ctx, "SubTask", "ghost", func(Props, bool) (Props, error) { return nil, nil }); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	if _, ok, _ := st.MatchOne(ctx, Pattern{Label: "SubTask", ID: "ghost"}); ok {
		t.Fatalf("noop update must not create a node")
	}
}

func TestInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	boom := errors.New("boom")

	err := st.InTx(ctx, func(tx Store) error {
		if _, err := tx.CreateNode(ctx, "Result", Props{"id": "r-1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok, _ := st.MatchOne(ctx, Pattern{Label: "Result", ID: "r-1"}); ok {
		t.Fatalf("node created inside a failed transaction must not persist")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Options{Driver: "neo4j"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
