package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/taskgraph/internal/llm"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

const analysisSystem = "You are a marketing analyst. Summarise the page content in at most five sentences: audience, value proposition, tone and notable gaps."

// Analysis derives text statistics and themes from the research Result.
type Analysis struct {
	LLM llm.Provider
}

func (a *Analysis) Process(ctx context.Context, in Input) (taskgraph.Content, error) {
	up, err := in.upstream()
	if err != nil {
		return nil, err
	}
	text := up.Get("text").String()
	title := up.Get("page.title").String()
	if text == "" && title == "" {
		return nil, fmt.Errorf("%w: research result has no text", ErrInvalidInput)
	}

	ws := words(text)
	sentences := sentenceCount(text)
	avg := 0.0
	if sentences > 0 {
		avg = float64(len(ws)) / float64(sentences)
	}
	keywords := topKeywords(title+" "+text, 10)
	themes := make([]string, 0, 3)
	for i, k := range keywords {
		if i == 3 {
			break
		}
		themes = append(themes, k.Term)
	}
	quality := "low"
	switch {
	case len(ws) > 300:
		quality = "high"
	case len(ws) > 80:
		quality = "medium"
	}

	kw := make([]any, 0, len(keywords))
	for _, k := range keywords {
		kw = append(kw, map[string]any{"term": k.Term, "count": k.Count})
	}
	out := taskgraph.Content{
		"source_subtask": in.Params.DependsOn,
		"target_url":     up.Get("target_url").String(),
		"title":          title,
		"analysis_scope": in.Params.Scope,
		"metrics": map[string]any{
			"word_count":             len(ws),
			"sentence_count":         sentences,
			"avg_words_per_sentence": avg,
		},
		"keywords":           kw,
		"themes":             themes,
		"content_quality":    quality,
		"marketing_elements": up.Get("marketing_elements").Value(),
		"seo": map[string]any{
			"has_title":            title != "",
			"has_meta_description": up.Get("findings.seo.has_meta_description").Bool() || up.Get("page.excerpt").String() != "",
		},
		"analyzed_at": now(),
	}
	if a.LLM != nil {
		prompt := fmt.Sprintf("Title: %s\n\n%s", title, truncate(text, 6000))
		if summary, err := a.LLM.Complete(ctx, analysisSystem, prompt); err != nil {
			out["ai_analysis_error"] = err.Error()
		} else {
			out["ai_analysis"] = strings.TrimSpace(summary)
		}
	}
	return out, nil
}
