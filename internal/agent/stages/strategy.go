package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mohammad-safakhou/taskgraph/internal/llm"
	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

const strategySystem = "You are a marketing strategist. Given an analysis, propose a short positioning statement and three prioritised actions."

// Strategy turns the analysis into prioritised recommendations.
type Strategy struct {
	LLM llm.Provider
}

type recommendation struct {
	Area     string `json:"area"`
	Priority string `json:"priority"`
	Action   string `json:"action"`
}

func (s *Strategy) Process(ctx context.Context, in Input) (taskgraph.Content, error) {
	up, err := in.upstream()
	if err != nil {
		return nil, err
	}
	if !up.Get("metrics").Exists() {
		return nil, fmt.Errorf("%w: analysis result has no metrics", ErrInvalidInput)
	}

	recs := recommend(up)
	themes := stringsOf(up.Get("themes"))
	positioning := "Clarify the core value proposition above the fold."
	if len(themes) > 0 {
		positioning = fmt.Sprintf("Own the conversation around %s.", strings.Join(themes, ", "))
	}

	recList := make([]any, 0, len(recs))
	for _, r := range recs {
		recList = append(recList, map[string]any{"area": r.Area, "priority": r.Priority, "action": r.Action})
	}
	out := taskgraph.Content{
		"source_subtask":  in.Params.DependsOn,
		"target_url":      up.Get("target_url").String(),
		"title":           up.Get("title").String(),
		"positioning":     positioning,
		"content_pillars": themes,
		"recommendations": recList,
		"analysis_summary": map[string]any{
			"content_quality": up.Get("content_quality").String(),
			"word_count":      up.Get("metrics.word_count").Int(),
			"themes":          themes,
			"ai_analysis":     up.Get("ai_analysis").String(),
		},
		"formulated_at": now(),
	}
	if s.LLM != nil {
		prompt := fmt.Sprintf("Analysis:\n%s", truncate(up.Raw, 6000))
		if text, err := s.LLM.Complete(ctx, strategySystem, prompt); err != nil {
			out["ai_strategy_error"] = err.Error()
		} else {
			out["ai_strategy"] = strings.TrimSpace(text)
		}
	}
	return out, nil
}

// recommend applies the rule set; the most urgent gaps come first.
func recommend(up gjson.Result) []recommendation {
	var high, medium, low []recommendation
	me := up.Get("marketing_elements")
	if !me.Get("has_call_to_action").Bool() {
		high = append(high, recommendation{Area: "conversion", Priority: "high", Action: "Add a clear primary call to action on the landing page."})
	}
	if !me.Get("has_contact_info").Bool() {
		medium = append(medium, recommendation{Area: "trust", Priority: "medium", Action: "Expose contact details or a contact form."})
	}
	if !me.Get("has_social_media").Bool() {
		low = append(low, recommendation{Area: "reach", Priority: "low", Action: "Link active social channels to build community proof."})
	}
	if !up.Get("seo.has_meta_description").Bool() {
		medium = append(medium, recommendation{Area: "seo", Priority: "medium", Action: "Write a meta description that states the offer."})
	}
	switch up.Get("content_quality").String() {
	case "low":
		high = append(high, recommendation{Area: "content", Priority: "high", Action: "Expand the page copy; it is too thin to rank or convince."})
	case "medium":
		medium = append(medium, recommendation{Area: "content", Priority: "medium", Action: "Deepen the copy with use cases and proof points."})
	}
	if themes := stringsOf(up.Get("themes")); len(themes) > 0 {
		low = append(low, recommendation{Area: "content", Priority: "low", Action: fmt.Sprintf("Build a content series around %q.", themes[0])})
	}
	out := append(high, medium...)
	return append(out, low...)
}
