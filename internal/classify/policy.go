// Package classify decides whether a provider-reported failure is a real failure or a
// limited-tier result that still produced usable media.
package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPatterns match the limitation messages a trial account receives alongside a
// watermarked but playable render. Single words are matched on word boundaries so that
// "industrial" or "subscriber id" stay genuine failures.
var DefaultPatterns = []string{
	`re:(?i)\bsubscribe\b`,
	`re:(?i)\bresolution\b`,
	"upgrade your plan",
	`re:(?i)\btrial\b`,
	`re:(?i)\bquota\b`,
}

const regexPrefix = "re:"

// Verdict is the outcome of classifying one provider error message.
type Verdict struct {
	Benign  bool
	Pattern string
	Note    string
}

type matcher struct {
	raw       string
	substring string
	re        *regexp.Regexp
}

func (m matcher) match(msg string) bool {
	if m.re != nil {
		return m.re.MatchString(msg)
	}
	return strings.Contains(strings.ToLower(msg), m.substring)
}

// Policy holds the configured benign-failure patterns. A nil or empty Policy treats every
// failure as genuine.
type Policy struct {
	matchers []matcher
}

// NewPolicy compiles patterns. Plain entries are case-insensitive substrings; entries
// prefixed with "re:" are regular expressions.
func NewPolicy(patterns []string) (*Policy, error) {
	p := &Policy{}
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(raw, regexPrefix); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("compile pattern %q: %w", raw, err)
			}
			p.matchers = append(p.matchers, matcher{raw: raw, re: re})
			continue
		}
		p.matchers = append(p.matchers, matcher{raw: raw, substring: strings.ToLower(raw)})
	}
	return p, nil
}

// MustPolicy is NewPolicy for static pattern lists.
func MustPolicy(patterns []string) *Policy {
	p, err := NewPolicy(patterns)
	if err != nil {
		panic(err)
	}
	return p
}

// Patterns returns the configured pattern strings in evaluation order.
func (p *Policy) Patterns() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.matchers))
	for _, m := range p.matchers {
		out = append(out, m.raw)
	}
	return out
}

// Classify inspects a provider failure message. The first matching pattern wins.
func (p *Policy) Classify(msg string) Verdict {
	if p == nil || strings.TrimSpace(msg) == "" {
		return Verdict{}
	}
	for _, m := range p.matchers {
		if m.match(msg) {
			return Verdict{
				Benign:  true,
				Pattern: m.raw,
				Note:    "limited tier: " + msg,
			}
		}
	}
	return Verdict{}
}
