// Package stop detects completion of a generated response by literal pattern matching.
package stop

import "strings"

// DefaultPatterns returns the built-in stop patterns
func DefaultPatterns() []string {
	return []string{"\n\n", ".", "The end", "Thank you"}
}

// Matcher checks accumulated output against a fixed set of stop patterns
type Matcher struct {
	patterns []string
}

// NewMatcher creates a matcher for patterns, or for DefaultPatterns when none are given
func NewMatcher(patterns ...string) *Matcher {
	if len(patterns) == 0 {
		patterns = DefaultPatterns()
	}
	return NewMatcherStrict(patterns)
}

// NewMatcherStrict creates a matcher for exactly patterns. An empty set never matches.
func NewMatcherStrict(patterns []string) *Matcher {
	m := &Matcher{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		// "" is a substring of everything
		if p == "" {
			continue
		}
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Matches reports whether output contains any stop pattern
func (m *Matcher) Matches(output string) bool {
	_, ok := m.Match(output)
	return ok
}

// Match returns the first pattern found in output
func (m *Matcher) Match(output string) (string, bool) {
	for _, p := range m.patterns {
		if strings.Contains(output, p) {
			return p, true
		}
	}
	return "", false
}

// Patterns returns a copy of the configured patterns
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.patterns))
	copy(out, m.patterns)
	return out
}

// Matches reports whether output contains at least one of patterns
func Matches(output string, patterns []string) bool {
	return NewMatcherStrict(patterns).Matches(output)
}
