package stages

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/taskgraph/internal/taskgraph"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxChars     = 20000
	maxPageBytes        = 5 << 20
	userAgent           = "taskgraph-research/1.0"
)

// Research fetches the target page and extracts its readable content.
type Research struct {
	Client   *http.Client
	Timeout  time.Duration
	MaxChars int
}

func NewResearch(deps Deps) *Research {
	r := &Research{Client: deps.HTTPClient, Timeout: deps.FetchTimeout, MaxChars: deps.MaxTextChars}
	if r.Client == nil {
		r.Client = &http.Client{}
	}
	if r.Timeout <= 0 {
		r.Timeout = defaultFetchTimeout
	}
	if r.MaxChars <= 0 {
		r.MaxChars = defaultMaxChars
	}
	return r
}

// page is the extracted view of a fetched document.
type page struct {
	URL       string
	Status    int
	Title     string
	Byline    string
	Excerpt   string
	SiteName  string
	Image     string
	Text      string
	HTML      string
	FetchedMS int64
}

func (r *Research) Process(ctx context.Context, in Input) (taskgraph.Content, error) {
	target := strings.TrimSpace(in.Params.TargetURL)
	u, err := url.Parse(target)
	if target == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: target_url %q is not an http(s) url", ErrInvalidInput, target)
	}
	p, err := r.fetch(ctx, u)
	if err != nil {
		return nil, err
	}

	scope := in.Params.Scope
	if len(scope) == 0 {
		scope = []string{"content"}
	}
	findings := map[string]any{}
	for _, s := range scope {
		findings[s] = findingFor(s, p)
	}
	sum := sha256.Sum256([]byte(p.HTML))
	return taskgraph.Content{
		"target_url":     target,
		"analysis_scope": scope,
		"scraped_at":     now(),
		"page": map[string]any{
			"title":      p.Title,
			"byline":     p.Byline,
			"excerpt":    p.Excerpt,
			"site_name":  p.SiteName,
			"image":      p.Image,
			"status":     p.Status,
			"fetch_ms":   p.FetchedMS,
			"word_count": len(words(p.Text)),
			"html_hash":  hex.EncodeToString(sum[:]),
		},
		"text":               p.Text,
		"marketing_elements": marketingElements(p),
		"findings":           findings,
	}, nil
}

func (r *Research) fetch(ctx context.Context, u *url.URL) (page, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return page{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := r.Client.Do(req)
	if err != nil {
		return page{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return page{}, fmt.Errorf("fetch %s: http %d", u, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return page{}, fmt.Errorf("read %s: %w", u, err)
	}

	p := page{URL: u.String(), Status: resp.StatusCode, HTML: string(raw)}
	article, err := readability.FromReader(bytes.NewReader(raw), u)
	if err == nil {
		p.Title = plainText(article.Title)
		p.Byline = plainText(article.Byline)
		p.Excerpt = plainText(article.Excerpt)
		p.SiteName = plainText(article.SiteName)
		p.Image = article.Image
		p.Text = truncate(plainText(article.TextContent), r.MaxChars)
	} else {
		// not an article; fall back to the tag-stripped document
		p.Text = truncate(plainText(p.HTML), r.MaxChars)
	}
	p.FetchedMS = time.Since(start).Milliseconds()
	return p, nil
}

func marketingElements(p page) map[string]any {
	lower := strings.ToLower(p.HTML)
	return map[string]any{
		"has_call_to_action": containsAny(p.Text, "contact us", "sign up", "get started", "book a", "subscribe", "buy now", "free trial"),
		"has_contact_info":   strings.Contains(lower, "mailto:") || strings.Contains(lower, "tel:") || containsAny(p.Text, "contact"),
		"has_social_media":   containsAny(lower, "facebook.com", "twitter.com", "x.com/", "linkedin.com", "instagram.com", "youtube.com"),
		"has_pricing":        containsAny(p.Text, "pricing", "per month", "/mo", "plans"),
	}
}

// findingFor summarises the page for one analysis scope.
func findingFor(scope string, p page) map[string]any {
	switch strings.ToLower(scope) {
	case "content":
		return map[string]any{
			"title":          p.Title,
			"excerpt":        p.Excerpt,
			"word_count":     len(words(p.Text)),
			"sentence_count": sentenceCount(p.Text),
			"content_quality": func() string {
				if len(words(p.Text)) > 300 {
					return "high"
				}
				return "medium"
			}(),
		}
	case "seo", "technical":
		lower := strings.ToLower(p.HTML)
		return map[string]any{
			"has_title":            p.Title != "",
			"has_meta_description": strings.Contains(lower, `name="description"`),
			"has_og_image":         p.Image != "",
			"https":                strings.HasPrefix(p.URL, "https://"),
		}
	case "marketing", "pricing":
		return marketingElements(p)
	}
	return map[string]any{"note": "scope not analysed by the research stage"}
}
