package stages

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

const samplePage = `<!doctype html>
<html><head><title>Acme Analytics</title>
<meta name="description" content="Analytics for growing teams">
</head><body>
<article>
<h1>Acme Analytics</h1>
<p>Acme analytics helps growing teams understand their customers. Our analytics dashboards turn raw events into decisions.</p>
<p>Teams use Acme analytics to measure retention, activation and revenue. Sign up for a free trial today.</p>
<p>Integrations connect your warehouse, your product and your marketing tools in minutes.</p>
<script>alert("x")</script>
</article>
<a href="https://twitter.com/acme">Twitter</a>
</body></html>`

// stored simulates the JSON round trip a Result makes through the graph.
func stored(t *testing.T, id string, c taskgraph.Content) *taskgraph.Result {
	t.Helper()
	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back taskgraph.Content
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &taskgraph.Result{ID: "r-" + id, SubTaskID: id, Content: back}
}

func TestResearchExtractsPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	p := NewResearch(Deps{})
	out, err := p.Process(context.Background(), Input{
		SubTaskID: "st-1",
		Params:    taskgraph.Parameters{TargetURL: srv.URL, Scope: []string{"content", "seo"}},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	text, _ := out["text"].(string)
	if !strings.Contains(text, "growing teams") {
		t.Fatalf("expected article text, got %q", text)
	}
	if strings.Contains(text, "alert(") || strings.Contains(text, "<p>") {
		t.Fatalf("text must be sanitized: %q", text)
	}
	findings := out["findings"].(map[string]any)
	if _, ok := findings["content"]; !ok {
		t.Fatalf("missing content finding: %v", findings)
	}
	seo := findings["seo"].(map[string]any)
	if seo["has_meta_description"] != true {
		t.Fatalf("meta description not detected: %v", seo)
	}
	me := out["marketing_elements"].(map[string]any)
	if me["has_call_to_action"] != true || me["has_social_media"] != true {
		t.Fatalf("marketing elements not detected: %v", me)
	}
}

func TestResearchRejectsBadURL(t *testing.T) {
	p := NewResearch(Deps{})
	_, err := p.Process(context.Background(), Input{Params: taskgraph.Parameters{TargetURL: "ftp://example.com"}})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestResearchUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := NewResearch(Deps{}).Process(context.Background(), Input{Params: taskgraph.Parameters{TargetURL: srv.URL}})
	if err == nil || errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected processing error, got %v", err)
	}
}

type fixedLLM struct{ out string }

func (f fixedLLM) Name() string { return "fixed" }
func (f fixedLLM) Complete(context.Context, string, string) (string, error) {
	return f.out, nil
}

func TestDownstreamStagesChain(t *testing.T) {
	ctx := context.Background()
	research := taskgraph.Content{
		"target_url": "https://acme.test",
		"page":       map[string]any{"title": "Acme Analytics", "excerpt": ""},
		"text":       "Acme analytics helps teams. Analytics dashboards for teams. Retention analytics.",
		"marketing_elements": map[string]any{
			"has_call_to_action": false,
			"has_contact_info":   true,
			"has_social_media":   false,
		},
	}

	analysis, err := (&Analysis{LLM: fixedLLM{out: "A focused analytics product."}}).Process(ctx, Input{
		SubTaskID: "st-2",
		Params:    taskgraph.Parameters{DependsOn: "st-1"},
		Upstream:  stored(t, "st-1", research),
	})
	if err != nil {
		t.Fatalf("analysis: %v", err)
	}
	themes := analysis["themes"].([]string)
	if len(themes) == 0 || themes[0] != "analytics" {
		t.Fatalf("unexpected themes %v", themes)
	}
	if analysis["content_quality"] != "low" || analysis["ai_analysis"] != "A focused analytics product." {
		t.Fatalf("unexpected analysis %v", analysis)
	}

	strategy, err := (&Strategy{}).Process(ctx, Input{
		SubTaskID: "st-3",
		Params:    taskgraph.Parameters{DependsOn: "st-2"},
		Upstream:  stored(t, "st-2", analysis),
	})
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	recs := strategy["recommendations"].([]any)
	first := recs[0].(map[string]any)
	if first["priority"] != "high" {
		t.Fatalf("high priority recommendations must come first: %v", recs)
	}

	report, err := (&Report{}).Process(ctx, Input{
		SubTaskID: "st-4",
		Params:    taskgraph.Parameters{DependsOn: "st-3"},
		Upstream:  stored(t, "st-3", strategy),
	})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	md := report["markdown"].(string)
	if !strings.Contains(md, "# Marketing analysis: Acme Analytics") || !strings.Contains(md, "| high |") {
		t.Fatalf("unexpected markdown:\n%s", md)
	}
	if !strings.Contains(md, "A focused analytics product.") {
		t.Fatalf("analysis summary not carried into the report:\n%s", md)
	}
	if h := report["html"].(string); !strings.HasPrefix(h, "<article><h1>") {
		t.Fatalf("unexpected html %q", h)
	}
}

func TestStagesRequireUpstream(t *testing.T) {
	for name, p := range map[string]Processor{"analysis": &Analysis{}, "strategy": &Strategy{}, "report": &Report{}} {
		if _, err := p.Process(context.Background(), Input{}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
	if _, err := New("billing", Deps{}); err == nil {
		t.Fatalf("expected error for unknown agent type")
	}
}

func TestTopKeywords(t *testing.T) {
	got := topKeywords("The cat and the dog. The cat sat on the mat with another cat and a dog.", 2)
	if len(got) != 2 || got[0].Term != "cat" || got[0].Count != 3 || got[1].Term != "dog" {
		t.Fatalf("unexpected keywords %+v", got)
	}
}
