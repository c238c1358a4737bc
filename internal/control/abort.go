package control

import (
	"strings"
	"sync"
	"unicode"
)

// AbortMatcher detects stop requests in thread replies. Matching is exact
// against the keyword table after trimming trailing punctuation, so phrases
// that merely contain a keyword ("中止しないでください") never fire.
type AbortMatcher struct {
	mu       sync.RWMutex
	keywords map[string]bool
}

func NewAbortMatcher(keywords []string) *AbortMatcher {
	m := &AbortMatcher{}
	m.Reload(keywords)
	return m
}

// Reload swaps the keyword table.
func (m *AbortMatcher) Reload(keywords []string) {
	table := make(map[string]bool, len(keywords))
	for _, k := range keywords {
		table[strings.ToLower(strings.TrimSpace(k))] = true
	}
	m.mu.Lock()
	m.keywords = table
	m.mu.Unlock()
}

// Matches reports whether text is an abort request.
func (m *AbortMatcher) Matches(text string) bool {
	normalized := strings.ToLower(normalizeReply(text))
	if normalized == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keywords[normalized]
}

// normalizeReply strips surrounding whitespace and trailing punctuation so
// "ストップ。" and "stop!!" reduce to their bare keyword.
func normalizeReply(text string) string {
	s := strings.TrimSpace(text)
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
}
