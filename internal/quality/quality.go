// Package quality decides whether a listing is in scope for pooled buying.
// Listings that imply per-buyer customization are excluded, since no two
// buyers would share one specification.
package quality

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DefaultPatterns are the exclusion terms used when none are configured.
var DefaultPatterns = []string{
	"custom",
	"customized",
	"customised",
	"customization",
	"customisation",
	"personalized",
	"personalised",
	"bespoke",
	"made-to-order",
	"made to measure",
	"OEM service",
	"ODM service",
	"private label",
	"logo printing service",
	"print your logo",
}

// Assessment is the filter's verdict. Reason is only for logs and is never
// persisted.
type Assessment struct {
	Excluded bool
	Reason   string
	// Term is the configured pattern that matched.
	Term string
	// Snippet is the sentence the match was found in.
	Snippet string
}

type rule struct {
	term string
	re   *regexp.Regexp
}

// Filter is an OR of whole-word, case-insensitive, plural-tolerant terms.
// It is safe for concurrent use.
type Filter struct {
	rules []rule
}

// New compiles patterns; with none given, DefaultPatterns apply. Blank
// patterns are ignored.
func New(patterns ...string) (*Filter, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	f := &Filter{}
	seen := make(map[string]bool)
	for _, p := range patterns {
		key := strings.ToLower(strings.TrimSpace(p))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		re, err := compile(key)
		if err != nil {
			return nil, fmt.Errorf("quality: pattern %q: %w", p, err)
		}
		f.rules = append(f.rules, rule{term: strings.TrimSpace(p), re: re})
	}
	return f, nil
}

// compile turns "logo printing service" into a regexp matching the words as
// whole words, separated by spaces or hyphens, with an optional s/es on the
// last word.
func compile(term string) (*regexp.Regexp, error) {
	words := strings.FieldsFunc(term, func(r rune) bool { return unicode.IsSpace(r) || r == '-' })
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	body := strings.Join(quoted, `[\s\-]+`) + `(?:e?s)?`
	return regexp.Compile(`(?i)(?:^|[^\p{L}\p{N}])(` + body + `)(?:$|[^\p{L}\p{N}])`)
}

// Assess checks title then description.
func (f *Filter) Assess(title, description string) Assessment {
	for _, field := range []struct{ name, text string }{{"title", title}, {"description", description}} {
		if field.text == "" {
			continue
		}
		for _, r := range f.rules {
			loc := r.re.FindStringSubmatchIndex(field.text)
			if loc == nil {
				continue
			}
			snippet := sentenceAt(field.text, loc[2])
			return Assessment{
				Excluded: true,
				Reason:   fmt.Sprintf("%s matches excluded term %q", field.name, r.term),
				Term:     r.term,
				Snippet:  snippet,
			}
		}
	}
	return Assessment{}
}

// Terms returns the configured patterns in order.
func (f *Filter) Terms() []string {
	out := make([]string, len(f.rules))
	for i, r := range f.rules {
		out[i] = r.term
	}
	return out
}

// sentenceAt returns the sentence of text containing byte offset pos.
// Sentences end at '.', '!' or '?' followed by whitespace or end of text.
func sentenceAt(text string, pos int) string {
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		end := i + 1
		if end < len(text) && !unicode.IsSpace(rune(text[end])) {
			continue
		}
		if pos < end {
			return strings.TrimSpace(text[start:end])
		}
		start = end
	}
	return strings.TrimSpace(text[start:])
}
