package stopseq

import (
	"strings"
	"testing"
)

func mustMatcher(t *testing.T, stops []string, opts ...Option) *Matcher {
	t.Helper()
	m, err := New(stops, opts...)
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}
	return m
}

func TestStopSplitAcrossFragments(t *testing.T) {
	m := mustMatcher(t, []string{"END"})
	var emitted strings.Builder

	emit, stop, done := m.Feed("hello E")
	emitted.WriteString(emit)
	if done {
		t.Fatalf("premature stop signal")
	}
	if strings.Contains(emit, "E") {
		t.Fatalf("possible stop prefix leaked: %q", emit)
	}

	emit, stop, done = m.Feed("ND tail")
	emitted.WriteString(emit)
	if !done || stop != "END" {
		t.Fatalf("expected END match, got stop=%q done=%v", stop, done)
	}
	if got := emitted.String(); got != "hello " {
		t.Fatalf("emitted %q, want %q", got, "hello ")
	}
}

func TestHeldPrefixReleasedWhenStopDoesNotComplete(t *testing.T) {
	m := mustMatcher(t, []string{"END"})
	var out strings.Builder
	for _, frag := range []string{"count E", "N", "ergy done"} {
		emit, _, done := m.Feed(frag)
		if done {
			t.Fatalf("no stop should match")
		}
		out.WriteString(emit)
	}
	out.WriteString(m.Flush())
	if got := out.String(); got != "count ENergy done" {
		t.Fatalf("got %q", got)
	}
}

func TestLongestStopPreferredAtSamePosition(t *testing.T) {
	m := mustMatcher(t, []string{"\n", "\n\n"})
	emit, stop, done := m.Feed("para\n\nnext")
	if !done {
		t.Fatalf("expected a match")
	}
	if stop != "\n\n" {
		t.Fatalf("expected the longer stop to win, got %q", stop)
	}
	if emit != "para" {
		t.Fatalf("emit %q", emit)
	}
}

func TestMatchEntirelyInsideOneFragment(t *testing.T) {
	m := mustMatcher(t, []string{"STOP"})
	emit, stop, done := m.Feed("aSTOPb")
	if !done || stop != "STOP" || emit != "a" {
		t.Fatalf("emit=%q stop=%q done=%v", emit, stop, done)
	}
	// After a match the matcher emits nothing more.
	emit, _, done = m.Feed("more")
	if emit != "" || !done {
		t.Fatalf("post-match feed emitted %q", emit)
	}
	if m.Flush() != "" {
		t.Fatalf("post-match flush must be empty")
	}
}

func TestEmittedPlusSignalEqualsTextBeforeStop(t *testing.T) {
	text := "the quick brown fox END and more"
	m := mustMatcher(t, []string{"END"})
	var out strings.Builder
	for i := 0; i < len(text); i += 3 {
		end := i + 3
		if end > len(text) {
			end = len(text)
		}
		emit, stop, done := m.Feed(text[i:end])
		out.WriteString(emit)
		if done {
			if stop != "END" {
				t.Fatalf("stop %q", stop)
			}
			break
		}
	}
	if got := out.String(); got != "the quick brown fox " {
		t.Fatalf("got %q", got)
	}
}

func TestIncompleteUTF8HeldBack(t *testing.T) {
	m := mustMatcher(t, []string{"END"})
	// "é" is 0xC3 0xA9; feed the bytes across two fragments.
	emit, _, _ := m.Feed("caf\xc3")
	if strings.ContainsRune(emit, 0xFFFD) || strings.HasSuffix(emit, "\xc3") {
		t.Fatalf("torn rune emitted: %q", emit)
	}
	if emit != "caf" {
		t.Fatalf("emit %q", emit)
	}
	emit, _, _ = m.Feed("\xa9!")
	if emit != "\xc3\xa9!" {
		t.Fatalf("completed rune not released: %q", emit)
	}
}

func TestNoStopsConfiguredEmitsEverything(t *testing.T) {
	m := mustMatcher(t, nil)
	emit, _, done := m.Feed("anything at all")
	if done || emit != "anything at all" {
		t.Fatalf("emit=%q done=%v", emit, done)
	}
}

func TestValidation(t *testing.T) {
	if _, err := New([]string{""}); err == nil {
		t.Fatalf("empty stop accepted")
	}
	if _, err := New([]string{strings.Repeat("x", DefaultMaxStopLen+1)}); err == nil {
		t.Fatalf("oversized stop accepted")
	}
	if _, err := New([]string{strings.Repeat("x", 6)}, WithMaxStopLen(5)); err == nil {
		t.Fatalf("ceiling override ignored")
	}
	m, err := New([]string{"a", "a", "bb"})
	if err != nil {
		t.Fatalf("dedupe should not error: %v", err)
	}
	if len(m.stops) != 2 {
		t.Fatalf("duplicates kept: %v", m.stops)
	}
}

func TestMerge(t *testing.T) {
	got := Merge([]string{"</s>", "\n\n"}, []string{"\n\n", "END", ""})
	want := []string{"</s>", "\n\n", "END"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestInvalidInteriorBytesPassThrough(t *testing.T) {
	m := mustMatcher(t, []string{"END"})
	// A stray continuation byte mid-fragment is the model's output, not a
	// torn rune; it must not pin the text after it.
	emit, _, done := m.Feed("a\x80b")
	if done || emit != "a\x80b" {
		t.Fatalf("emit=%q done=%v", emit, done)
	}
}

func TestFlushKeepsTextAfterInvalidByte(t *testing.T) {
	m := mustMatcher(t, []string{"ENDX"})
	// "EN" is a live stop prefix, so the tail stays pending until flush.
	if emit, _, _ := m.Feed("x\x80yEN"); emit != "x\x80y" {
		t.Fatalf("emit %q", emit)
	}
	if got := m.Flush(); got != "EN" {
		t.Fatalf("flush %q", got)
	}
}

func TestFlushDropsIncompleteTrailingRune(t *testing.T) {
	m := mustMatcher(t, []string{"END"})
	// First two bytes of a four-byte rune; the rest never arrives.
	if emit, _, _ := m.Feed("ok\xf0\x9f"); emit != "ok" {
		t.Fatalf("emit %q", emit)
	}
	if got := m.Flush(); got != "" {
		t.Fatalf("flush released torn bytes: %q", got)
	}
}
