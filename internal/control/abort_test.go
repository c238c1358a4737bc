package control

import "testing"

func defaultKeywords() []string {
	return []string{
		"中止", "中止して", "中止してください", "やめて", "キャンセル",
		"ストップ", "stop", "cancel", "abort",
	}
}

func TestAbortMatcherMatches(t *testing.T) {
	m := NewAbortMatcher(defaultKeywords())

	matching := []string{
		"中止して",
		"cancel",
		"ストップ。",
		"  stop  ",
		"STOP",
		"Cancel!",
		"中止してください",
		"やめて…",
	}
	for _, text := range matching {
		if !m.Matches(text) {
			t.Errorf("expected %q to match", text)
		}
	}
}

func TestAbortMatcherDoesNotOverMatch(t *testing.T) {
	m := NewAbortMatcher(defaultKeywords())

	nonMatching := []string{
		"続けてください",
		"中止しないでください",
		"cancelの意味を教えて",
		"ストップウォッチを買って",
		"",
		"。。。",
	}
	for _, text := range nonMatching {
		if m.Matches(text) {
			t.Errorf("expected %q not to match", text)
		}
	}
}

func TestAbortMatcherReload(t *testing.T) {
	m := NewAbortMatcher([]string{"stop"})
	if m.Matches("halt") {
		t.Fatal("halt should not match before reload")
	}
	m.Reload([]string{"halt"})
	if !m.Matches("halt") {
		t.Error("halt should match after reload")
	}
	if m.Matches("stop") {
		t.Error("stop should no longer match after reload")
	}
}
