package stages

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictOnce   sync.Once
	strictPolicy *bluemonday.Policy

	reportOnce   sync.Once
	reportPolicy *bluemonday.Policy
)

// plainText strips every tag from s.
func plainText(s string) string {
	strictOnce.Do(func() { strictPolicy = bluemonday.StrictPolicy() })
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(strictPolicy.Sanitize(s))
}

// reportHTML keeps the handful of tags the rendered report uses.
func reportHTML(s string) string {
	reportOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements("article", "section", "h1", "h2", "h3", "p", "ul", "ol", "li", "strong", "em", "table", "thead", "tbody", "tr", "th", "td")
		p.AllowAttrs("href").OnElements("a")
		p.AllowURLSchemes("http", "https")
		p.RequireParseableURLs(true)
		reportPolicy = p
	})
	return reportPolicy.Sanitize(s)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

func sentenceCount(s string) int {
	n := 0
	prevEnd := false
	for _, r := range s {
		end := r == '.' || r == '!' || r == '?'
		if end && !prevEnd {
			n++
		}
		prevEnd = end
	}
	if n == 0 && strings.TrimSpace(s) != "" {
		n = 1
	}
	return n
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again all also am an and any are as at be because been
before being below between both but by can could did do does doing down during each few for from further had
has have having he her here hers him his how i if in into is it its itself just me more most my no nor not now
of off on once only or other our ours out over own same she should so some such than that the their theirs them
then there these they this those through to too under until up very was we were what when where which while who
whom why will with would you your yours us get got one new use used using may might must make made like well
it's don't we're you're they're`) {
		stopwords[w] = struct{}{}
	}
}

type keyword struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// topKeywords returns the n most frequent non-stopword terms; ties sort
// alphabetically.
func topKeywords(text string, n int) []keyword {
	counts := map[string]int{}
	for _, w := range words(text) {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		counts[w]++
	}
	out := make([]keyword, 0, len(counts))
	for term, c := range counts {
		out = append(out, keyword{Term: term, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func containsAny(haystack string, needles ...string) bool {
	h := strings.ToLower(haystack)
	for _, n := range needles {
		if strings.Contains(h, n) {
			return true
		}
	}
	return false
}
