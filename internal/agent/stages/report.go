package stages

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

// Report assembles the final document from the strategy Result.
type Report struct{}

func (r *Report) Process(_ context.Context, in Input) (taskgraph.Content, error) {
	up, err := in.upstream()
	if err != nil {
		return nil, err
	}
	recs := up.Get("recommendations").Array()
	if !up.Get("recommendations").Exists() {
		return nil, fmt.Errorf("%w: strategy result has no recommendations", ErrInvalidInput)
	}

	target := up.Get("target_url").String()
	title := up.Get("title").String()
	if title == "" {
		title = target
	}
	heading := "Marketing analysis: " + title
	quality := up.Get("analysis_summary.content_quality").String()
	highCount := 0
	for _, rec := range recs {
		if rec.Get("priority").String() == "high" {
			highCount++
		}
	}
	summary := fmt.Sprintf("%s was analysed with %s content quality. %d recommendations were produced, %d of them high priority. %s",
		target, orDefault(quality, "unknown"), len(recs), highCount, up.Get("positioning").String())

	var md strings.Builder
	fmt.Fprintf(&md, "# %s\n\n", heading)
	fmt.Fprintf(&md, "## Executive summary\n\n%s\n\n", summary)
	if ai := up.Get("analysis_summary.ai_analysis").String(); ai != "" {
		fmt.Fprintf(&md, "## Analysis\n\n%s\n\n", ai)
	}
	md.WriteString("## Recommendations\n\n| Priority | Area | Action |\n|---|---|---|\n")
	for _, rec := range recs {
		fmt.Fprintf(&md, "| %s | %s | %s |\n", rec.Get("priority").String(), rec.Get("area").String(), rec.Get("action").String())
	}
	if pillars := stringsOf(up.Get("content_pillars")); len(pillars) > 0 {
		md.WriteString("\n## Content pillars\n\n")
		for _, p := range pillars {
			fmt.Fprintf(&md, "- %s\n", p)
		}
	}
	if ai := up.Get("ai_strategy").String(); ai != "" {
		fmt.Fprintf(&md, "\n## Strategy notes\n\n%s\n", ai)
	}

	var doc strings.Builder
	fmt.Fprintf(&doc, "<article><h1>%s</h1><section><h2>Executive summary</h2><p>%s</p></section>", html.EscapeString(heading), html.EscapeString(summary))
	doc.WriteString("<section><h2>Recommendations</h2><table><thead><tr><th>Priority</th><th>Area</th><th>Action</th></tr></thead><tbody>")
	for _, rec := range recs {
		fmt.Fprintf(&doc, "<tr><td>%s</td><td>%s</td><td>%s</td></tr>",
			html.EscapeString(rec.Get("priority").String()), html.EscapeString(rec.Get("area").String()), html.EscapeString(rec.Get("action").String()))
	}
	doc.WriteString("</tbody></table></section></article>")

	return taskgraph.Content{
		"source_subtask":    in.Params.DependsOn,
		"title":             heading,
		"target_url":        target,
		"executive_summary": summary,
		"recommendations":   len(recs),
		"high_priority":     highCount,
		"markdown":          md.String(),
		"html":              reportHTML(doc.String()),
		"generated_at":      now(),
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
