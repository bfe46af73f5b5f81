package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/taskgraph/internal/archive"
	"github.com/mohammad-safakhou/taskgraph/internal/coordinator"
	"github.com/mohammad-safakhou/taskgraph/internal/protocol"
	"github.com/mohammad-safakhou/taskgraph/internal/queue"
	"github.com/mohammad-safakhou/taskgraph/internal/registry"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

type stubPipeline struct {
	submitted []protocol.CreateTaskRequest
	status    map[string]protocol.TaskStatusResponse
	agents    []registry.AgentStatus
}

func (s *stubPipeline) Submit(_ context.Context, in protocol.CreateTaskRequest) (taskgraph.Task, error) {
	if in.TargetURL == "" {
		return taskgraph.Task{}, fmt.Errorf("%w: target_url must be an absolute http(s) url", coordinator.ErrInvalidRequest)
	}
	s.submitted = append(s.submitted, in)
	return taskgraph.Task{ID: fmt.Sprintf("task-%d", len(s.submitted)), Type: in.TaskType, Status: taskgraph.StatusPending}, nil
}

func (s *stubPipeline) Status(_ context.Context, id string) (protocol.TaskStatusResponse, error) {
	out, ok := s.status[id]
	if !ok {
		return out, fmt.Errorf("task view %s: %w", id, taskgraph.ErrTaskNotFound)
	}
	return out, nil
}

func (s *stubPipeline) Agents(context.Context) ([]registry.AgentStatus, error) { return s.agents, nil }

type stubLauncher struct {
	launched []string
	err      error
}

func (l *stubLauncher) Launch(_ context.Context, task taskgraph.Task) error {
	if l.err != nil {
		return l.err
	}
	l.launched = append(l.launched, task.ID)
	return nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func do(e *echo.Echo, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestCreateTaskStartsPipeline(t *testing.T) {
	p := &stubPipeline{}
	l := &stubLauncher{}
	e := New(Deps{Pipeline: p, Launcher: l})

	rec := do(e, http.MethodPost, "/task", `{"task_type":"competitor_analysis","target_url":"https://example.com","analysis_scope":["pricing"]}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out protocol.CreateTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TaskID != "task-1" || out.Status != "started" || out.Message == "" {
		t.Fatalf("unexpected response %+v", out)
	}
	if len(l.launched) != 1 || l.launched[0] != "task-1" {
		t.Fatalf("expected task-1 launched, got %v", l.launched)
	}
	if got := p.submitted[0].AnalysisScope; len(got) != 1 || got[0] != "pricing" {
		t.Fatalf("scope not forwarded: %v", got)
	}
}

func TestCreateTaskRejectsBadInput(t *testing.T) {
	l := &stubLauncher{}
	e := New(Deps{Pipeline: &stubPipeline{}, Launcher: l})
	for _, body := range []string{`{"task_type":`, `{"task_type":"x"}`} {
		rec := do(e, http.MethodPost, "/task", body, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
		if errorOf(t, rec) == "" {
			t.Fatalf("%s: error body missing", body)
		}
	}
	if len(l.launched) != 0 {
		t.Fatalf("nothing should launch: %v", l.launched)
	}
}

func TestCreateTaskQueueFull(t *testing.T) {
	e := New(Deps{Pipeline: &stubPipeline{}, Launcher: &stubLauncher{err: queue.ErrFull}})
	rec := do(e, http.MethodPost, "/task", `{"task_type":"x","target_url":"https://example.com"}`, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if msg := errorOf(t, rec); !strings.Contains(msg, "task-1") {
		t.Fatalf("error should name the accepted task: %q", msg)
	}
}

func TestGetTask(t *testing.T) {
	p := &stubPipeline{status: map[string]protocol.TaskStatusResponse{
		"t-1": {TaskID: "t-1", Status: "running", Type: "competitor_analysis", SubTasks: []protocol.SubTaskSummary{{ID: "s-1", Type: "research", Status: "completed"}}},
	}}
	e := New(Deps{Pipeline: p, Launcher: &stubLauncher{}})

	rec := do(e, http.MethodGet, "/task/t-1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out protocol.TaskStatusResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Status != "running" || len(out.SubTasks) != 1 {
		t.Fatalf("unexpected view %+v", out)
	}

	rec = do(e, http.MethodGet, "/task/missing", "", "")
	if rec.Code != http.StatusNotFound || errorOf(t, rec) != "Task not found" {
		t.Fatalf("expected 404 Task not found, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAgentsAndHealth(t *testing.T) {
	p := &stubPipeline{agents: []registry.AgentStatus{{AgentID: "research_agent", AgentType: "research", Status: "available"}}}
	e := New(Deps{Pipeline: p, Launcher: &stubLauncher{}, Store: stubPinger{}})

	rec := do(e, http.MethodGet, "/agents", "", "")
	var agents []registry.AgentStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil || len(agents) != 1 {
		t.Fatalf("agents: %s %v", rec.Body.String(), err)
	}

	rec = do(e, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}

	e = New(Deps{Pipeline: p, Launcher: &stubLauncher{}, Store: stubPinger{err: errors.New("connection refused")}})
	if rec := do(e, http.MethodGet, "/health", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the store is down, got %d", rec.Code)
	}
}

func TestSearchResults(t *testing.T) {
	idx, err := archive.Open("")
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer idx.Close()
	stage, _ := taskgraph.StageFor("report")
	err = idx.AddResult(context.Background(), taskgraph.Task{ID: "t-1", TargetURL: "https://example.com"}, stage, taskgraph.Result{
		ID: "r-1", SubTaskID: "s-4", CreatedAt: time.Now(),
		Content: taskgraph.Content{"executive_summary": "Pricing pressure from new entrants"},
	})
	if err != nil {
		t.Fatalf("add result: %v", err)
	}
	e := New(Deps{Pipeline: &stubPipeline{}, Launcher: &stubLauncher{}, Archive: idx})

	rec := do(e, http.MethodGet, "/results/search?q=pricing&k=5", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Hits []archive.Hit `json:"hits"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.Hits) != 1 || out.Hits[0].TaskID != "t-1" {
		t.Fatalf("unexpected hits %+v", out.Hits)
	}

	if rec := do(e, http.MethodGet, "/results/search?q=", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, "/results/search?q=x&k=0", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad k, got %d", rec.Code)
	}
}

func TestAuthRequiresScopedToken(t *testing.T) {
	secret := []byte("test-secret")
	l := &stubLauncher{}
	e := New(Deps{Pipeline: &stubPipeline{}, Launcher: l, JWTSecret: secret})
	body := `{"task_type":"x","target_url":"https://example.com"}`

	if rec := do(e, http.MethodPost, "/task", body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	other, _ := SignToken("cli", []byte("other"), time.Minute, ScopeTasksWrite)
	if rec := do(e, http.MethodPost, "/task", body, other); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", rec.Code)
	}
	readOnly, _ := SignToken("cli", secret, time.Minute, ScopeTasksRead)
	if rec := do(e, http.MethodPost, "/task", body, readOnly); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without write scope, got %d", rec.Code)
	}
	expired, _ := SignToken("cli", secret, -time.Minute, ScopeTasksWrite)
	if rec := do(e, http.MethodPost, "/task", body, expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	writer, _ := SignToken("cli", secret, time.Minute, ScopeTasksWrite)
	if rec := do(e, http.MethodPost, "/task", body, writer); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with write scope, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(e, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
	if len(l.launched) != 1 {
		t.Fatalf("expected one launch, got %v", l.launched)
	}
}
