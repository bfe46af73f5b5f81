// Package archive keeps a full-text index of stage Results so past research
// and reports can be searched.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

const snippetLen = 240

// ErrEmptyQuery is returned by Search for a blank query.
var ErrEmptyQuery = errors.New("archive: empty query")

// Doc is one indexed Result.
type Doc struct {
	TaskID    string `json:"task_id"`
	SubTaskID string `json:"subtask_id"`
	Stage     string `json:"stage"`
	TargetURL string `json:"target_url"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// Hit is one search match.
type Hit struct {
	ResultID  string   `json:"result_id"`
	TaskID    string   `json:"task_id"`
	SubTaskID string   `json:"subtask_id"`
	Stage     string   `json:"stage"`
	TargetURL string   `json:"target_url"`
	Title     string   `json:"title"`
	Snippet   string   `json:"snippet"`
	Fragments []string `json:"fragments,omitempty"`
	Score     float64  `json:"score"`
	Rank      int      `json:"rank"`
}

// Index is a bleve backed archive. It is safe for concurrent use.
type Index struct {
	idx bleve.Index
	mu  sync.RWMutex
}

// Open opens the index at path, creating it when missing. An empty path
// keeps the index in memory.
func Open(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("archive: create memory index: %w", err)
		}
		return &Index{idx: idx}, nil
	}
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) || os.IsNotExist(err) {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	return &Index{idx: idx}, nil
}

// AddResult indexes res under its Result id.
func (x *Index) AddResult(_ context.Context, task taskgraph.Task, stage taskgraph.StageDef, res taskgraph.Result) error {
	doc := Doc{
		TaskID:    task.ID,
		SubTaskID: res.SubTaskID,
		Stage:     stage.Name,
		TargetURL: task.TargetURL,
		Title:     titleOf(res.Content),
		Text:      strings.Join(textOf(res.Content), "\n"),
		CreatedAt: res.CreatedAt.UTC().Format(time.RFC3339),
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.idx.Index(res.ID, doc); err != nil {
		return fmt.Errorf("archive: index result %s: %w", res.ID, err)
	}
	return nil
}

// Search runs a bleve query string and returns at most k hits.
func (x *Index) Search(_ context.Context, q string, k int) ([]Hit, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = 10
	}
	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(q), k, 0, false)
	req.Fields = []string{"*"}
	req.Highlight = bleve.NewHighlightWithStyle("html")

	x.mu.RLock()
	res, err := x.idx.Search(req)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("archive: search %q: %w", q, err)
	}
	out := make([]Hit, 0, len(res.Hits))
	for i, h := range res.Hits {
		hit := Hit{
			ResultID:  h.ID,
			TaskID:    field(h.Fields, "task_id"),
			SubTaskID: field(h.Fields, "subtask_id"),
			Stage:     field(h.Fields, "stage"),
			TargetURL: field(h.Fields, "target_url"),
			Title:     field(h.Fields, "title"),
			Snippet:   snippet(field(h.Fields, "text")),
			Score:     h.Score,
			Rank:      i + 1,
		}
		for _, frags := range h.Fragments {
			hit.Fragments = append(hit.Fragments, frags...)
		}
		out = append(out, hit)
	}
	return out, nil
}

// Count returns the number of indexed Results.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.idx.DocCount()
}

func (x *Index) Close() error { return x.idx.Close() }

func field(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= snippetLen {
		return s
	}
	cut := strings.LastIndex(s[:snippetLen], " ")
	if cut <= 0 {
		cut = snippetLen
	}
	return s[:cut] + "..."
}

func titleOf(c taskgraph.Content) string {
	if s, ok := c["title"].(string); ok && s != "" {
		return s
	}
	if page, ok := c["page"].(map[string]any); ok {
		if s, ok := page["title"].(string); ok {
			return s
		}
	}
	return ""
}

// textOf collects the string leaves of content in key order. Markup fields
// are skipped; the markdown rendition carries the same text.
func textOf(c taskgraph.Content) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, s)
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				if k != "html" {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case []string:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(map[string]any(c))
	return out
}
