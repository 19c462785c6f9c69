// Package stopseq matches stop sequences incrementally over streamed token
// text. The matcher holds back any trailing text that could be the start of
// a stop sequence (and any incomplete UTF-8 rune), so callers never emit a
// partial stop across a token boundary.
package stopseq

import (
	"strings"
	"unicode/utf8"

	"inferd/internal/errdefs"
)

// DefaultMaxStopLen is the ceiling on a single stop string's length.
const DefaultMaxStopLen = 100

// Matcher consumes token-text fragments and reports, per fragment, the prefix
// that is safe to emit plus an optional completed stop sequence.
type Matcher struct {
	stops   []string // longest first
	pending string
	done    bool
}

// Option tweaks matcher construction.
type Option func(*options)

type options struct {
	maxStopLen int
}

// WithMaxStopLen overrides the stop-string length ceiling.
func WithMaxStopLen(n int) Option {
	return func(o *options) { o.maxStopLen = n }
}

// New validates the stop set and builds a matcher. Validation happens here,
// once, not per token: empty strings and strings over the ceiling are
// rejected, duplicates dropped.
func New(stops []string, opts ...Option) (*Matcher, error) {
	o := options{maxStopLen: DefaultMaxStopLen}
	for _, opt := range opts {
		opt(&o)
	}
	seen := make(map[string]bool, len(stops))
	cleaned := make([]string, 0, len(stops))
	for _, s := range stops {
		if s == "" {
			return nil, errdefs.New(errdefs.ConfigurationInvalid, "empty stop sequence")
		}
		if len(s) > o.maxStopLen {
			return nil, errdefs.New(errdefs.ConfigurationInvalid,
				"stop sequence of %d bytes exceeds the %d byte ceiling", len(s), o.maxStopLen)
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		cleaned = append(cleaned, s)
	}
	// Longest first, so a match never releases the prefix of a longer stop.
	for i := 1; i < len(cleaned); i++ {
		for j := i; j > 0 && len(cleaned[j]) > len(cleaned[j-1]); j-- {
			cleaned[j], cleaned[j-1] = cleaned[j-1], cleaned[j]
		}
	}
	return &Matcher{stops: cleaned}, nil
}

// Merge combines architecture defaults with caller-supplied stops, preserving
// order and dropping duplicates.
func Merge(defaults, custom []string) []string {
	out := make([]string, 0, len(defaults)+len(custom))
	seen := make(map[string]bool, len(defaults)+len(custom))
	for _, s := range append(append([]string{}, defaults...), custom...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Feed appends fragment and returns the text now safe to emit. When a stop
// sequence completes, stop names it and done is true; any text after the
// match start is discarded. After done, further feeds emit nothing.
func (m *Matcher) Feed(fragment string) (emit, stop string, done bool) {
	if m.done {
		return "", "", true
	}
	m.pending += fragment

	// Earliest match wins; at equal positions the longest stop wins because
	// m.stops is ordered longest first.
	for i := 0; i < len(m.pending); i++ {
		for _, s := range m.stops {
			if strings.HasPrefix(m.pending[i:], s) {
				emit = m.pending[:i]
				m.pending = ""
				m.done = true
				return emit, s, true
			}
		}
	}

	// Hold back the longest suffix that could still grow into a stop.
	hold := 0
	for _, s := range m.stops {
		maxl := len(s) - 1
		if maxl > len(m.pending) {
			maxl = len(m.pending)
		}
		for l := maxl; l > hold; l-- {
			if strings.HasSuffix(m.pending, s[:l]) {
				hold = l
				break
			}
		}
	}
	emit = m.pending[:len(m.pending)-hold]

	// Never emit a torn trailing rune. Invalid interior bytes pass through
	// untouched; only a rune still waiting for its continuation bytes is held.
	if n := incompleteTrailingRune(emit); n > 0 {
		emit = emit[:len(emit)-n]
	}
	m.pending = m.pending[len(emit):]
	return emit, "", false
}

// incompleteTrailingRune returns how many trailing bytes of s start a
// multibyte rune whose continuation bytes have not arrived yet. Complete
// runes and invalid interior bytes report zero.
func incompleteTrailingRune(s string) int {
	for i := 1; i < utf8.UTFMax && i <= len(s); i++ {
		b := s[len(s)-i]
		if b < 0x80 {
			return 0
		}
		if b >= 0xC0 {
			want := 2
			switch {
			case b >= 0xF0:
				want = 4
			case b >= 0xE0:
				want = 3
			}
			if want > i {
				return i
			}
			return 0
		}
		// Continuation byte; keep scanning left for the leading byte.
	}
	return 0
}

// Flush releases any held-back text once generation ends without a stop
// match. After a match it returns nothing: held text belonged to the stop.
func (m *Matcher) Flush() string {
	if m.done {
		return ""
	}
	out := m.pending
	m.pending = ""
	// A rune still missing bytes can never complete now; everything else,
	// valid or not, belongs to the caller.
	if n := incompleteTrailingRune(out); n > 0 {
		out = out[:len(out)-n]
	}
	return out
}

// Matched reports whether a stop sequence has completed.
func (m *Matcher) Matched() bool { return m.done }
