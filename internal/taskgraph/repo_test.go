package taskgraph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammad-safakhou/taskgraph/internal/graph"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	ctx := context.Background()
	st, err := graph.Open(ctx, graph.Options{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("open graph: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for _, typ := range append(WorkerTypes(), CoordinationType) {
		if err := st.MergeNode(ctx, LabelAgent, AgentID(typ), graph.Props{"type": typ, "status": "available"}); err != nil {
			t.Fatalf("seed agent %s: %v", typ, err)
		}
	}
	return NewRepo(st)
}

func createTask(t *testing.T, r *Repo) Task {
	t.Helper()
	task, err := r.CreateTask(context.Background(), NewTask{
		Type:          "competitor_analysis",
		TargetURL:     "https://example.com",
		AnalysisScope: []string{"content"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateTaskDefaults(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	task := createTask(t, r)

	if task.Status != StatusPending || task.Priority != "medium" {
		t.Fatalf("unexpected task %+v", task)
	}
	got, err := r.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if diff := cmp.Diff([]string{"content"}, got.AnalysisScope); diff != "" {
		t.Fatalf("scope mismatch (-want +got):\n%s", diff)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("created_at not persisted")
	}
	assigned, err := r.Store().MatchAll(ctx, graph.Pattern{
		Label: LabelTask,
		Via:   &graph.Hop{Rel: RelAssignedTo, From: graph.Ref{Label: LabelAgent, ID: AgentID(CoordinationType)}},
	})
	if err != nil || len(assigned) != 1 || assigned[0].ID != task.ID {
		t.Fatalf("coordination agent not assigned: %v %v", assigned, err)
	}
}

func TestGetUnknownTaskHasNoSideEffect(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	if _, err := r.TaskView(ctx, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	tasks, err := r.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("lookup created %d tasks", len(tasks))
	}
}

func TestTaskStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	task := createTask(t, r)

	if _, err := r.SetTaskStatus(ctx, task.ID, StatusCompleted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> completed must be rejected, got %v", err)
	}
	if _, err := r.SetTaskStatus(ctx, task.ID, StatusRunning, ""); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if _, err := r.SetTaskStatus(ctx, task.ID, StatusRunning, ""); err != nil {
		t.Fatalf("repeat running must be a no-op: %v", err)
	}
	got, err := r.SetTaskStatus(ctx, task.ID, StatusFailed, "research: timeout")
	if err != nil {
		t.Fatalf("running -> failed: %v", err)
	}
	if got.Error != "research: timeout" {
		t.Fatalf("reason not recorded: %+v", got)
	}
	if _, err := r.SetTaskStatus(ctx, task.ID, StatusRunning, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed -> running must be rejected, got %v", err)
	}
	if _, err := r.SetTaskStatus(ctx, "missing", StatusRunning, ""); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestClaimTask(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRepo(t).WithClock(func() time.Time { return now })
	task := createTask(t, r)

	if _, err := r.ClaimTask(ctx, task.ID, "coord-a", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := r.ClaimTask(ctx, task.ID, "coord-b", time.Minute); !errors.Is(err, ErrTaskClaimed) {
		t.Fatalf("expected ErrTaskClaimed, got %v", err)
	}
	if _, err := r.ClaimTask(ctx, task.ID, "coord-a", time.Minute); err != nil {
		t.Fatalf("renew by holder: %v", err)
	}

	later := r.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	got, err := later.ClaimTask(ctx, task.ID, "coord-b", time.Minute)
	if err != nil {
		t.Fatalf("take over expired claim: %v", err)
	}
	if got.ClaimedBy != "coord-b" {
		t.Fatalf("expected coord-b to hold the claim, got %q", got.ClaimedBy)
	}
	if err := later.ReleaseTask(ctx, task.ID, "coord-a"); err != nil {
		t.Fatalf("release by stale owner: %v", err)
	}
	if cur, _ := later.GetTask(ctx, task.ID); cur.ClaimedBy != "coord-b" {
		t.Fatalf("stale owner must not release, holder=%q", cur.ClaimedBy)
	}
	if err := later.ReleaseTask(ctx, task.ID, "coord-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if cur, _ := later.GetTask(ctx, task.ID); cur.ClaimedBy != "" {
		t.Fatalf("claim not released, holder=%q", cur.ClaimedBy)
	}
}

func TestSubTaskLifecycleAndResult(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	task := createTask(t, r)
	research := Pipeline[0]

	sub, err := r.CreateSubTask(ctx, task.ID, research, Parameters{Scope: []string{"content"}, TargetURL: task.TargetURL})
	if err != nil {
		t.Fatalf("create subtask: %v", err)
	}
	if sub.Status != StatusPending || sub.AgentID != "research_agent" || sub.TaskType != "web_scraping" {
		t.Fatalf("unexpected subtask %+v", sub)
	}
	if _, err := r.CreateSubTask(ctx, task.ID, research, Parameters{}); !errors.Is(err, ErrStageExists) {
		t.Fatalf("expected ErrStageExists, got %v", err)
	}
	if _, err := r.ResultFor(ctx, sub.ID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound before completion, got %v", err)
	}
	if err := r.MarkSubTaskRunning(ctx, sub.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	content := Content{
		"content": map[string]any{"title": "Example", "word_count": float64(42)},
		"tags":    []any{"a", "b"},
	}
	res, err := r.CompleteSubTask(ctx, sub.ID, content)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.SubTaskID != sub.ID {
		t.Fatalf("result owner mismatch %+v", res)
	}
	if _, err := r.CompleteSubTask(ctx, sub.ID, Content{"again": true}); !errors.Is(err, ErrStaleSubTask) {
		t.Fatalf("second completion must be stale, got %v", err)
	}

	got, err := r.ResultFor(ctx, sub.ID)
	if err != nil {
		t.Fatalf("result for: %v", err)
	}
	if diff := cmp.Diff(content, got.Content); diff != "" {
		t.Fatalf("content round trip mismatch (-want +got):\n%s", diff)
	}
	results, err := r.Store().MatchAll(ctx, graph.Pattern{Label: LabelResult, Where: graph.Props{"subtask_id": sub.ID}})
	if err != nil || len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d (%v)", len(results), err)
	}

	view, err := r.TaskView(ctx, task.ID)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(view.SubTasks) != 1 || view.SubTasks[0].Status != StatusCompleted {
		t.Fatalf("unexpected view %+v", view.SubTasks)
	}
}

func TestLateCompletionIsFenced(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	task := createTask(t, r)

	sub, err := r.CreateSubTask(ctx, task.ID, Pipeline[0], Parameters{})
	if err != nil {
		t.Fatalf("create subtask: %v", err)
	}
	_ = r.MarkSubTaskRunning(ctx, sub.ID)
	if err := r.FailSubTask(ctx, sub.ID, "timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := r.FailSubTask(ctx, sub.ID, "timeout"); err != nil {
		t.Fatalf("repeat fail must be a no-op: %v", err)
	}
	if _, err := r.CompleteSubTask(ctx, sub.ID, Content{"late": true}); !errors.Is(err, ErrStaleSubTask) {
		t.Fatalf("expected ErrStaleSubTask, got %v", err)
	}
	if _, err := r.ResultFor(ctx, sub.ID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("late completion must not leave a result, got %v", err)
	}
	cur, _ := r.GetSubTask(ctx, sub.ID)
	if cur.Status != StatusFailed || cur.Error != "timeout" {
		t.Fatalf("unexpected subtask %+v", cur)
	}
}

func TestParametersRoundTrip(t *testing.T) {
	in := Parameters{DependsOn: "s-1", Scope: []string{"content", "pricing"}, Priority: "high"}
	r := newTestRepo(t)
	task := createTask(t, r)
	sub, err := r.CreateSubTask(context.Background(), task.ID, Pipeline[1], in)
	if err != nil {
		t.Fatalf("create subtask: %v", err)
	}
	got, err := r.GetSubTask(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subtask: %v", err)
	}
	if diff := cmp.Diff(in, got.Parameters); diff != "" {
		t.Fatalf("parameters mismatch (-want +got):\n%s", diff)
	}
	if _, err := ParseParameters([]byte(`{"depends_on":`)); err == nil {
		t.Fatalf("expected parse error for malformed parameters")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", c.from, c.to, c.ok, got)
		}
	}
}
