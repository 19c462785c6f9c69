// Package enginetest provides a deterministic in-memory engine.Backend used
// by package tests. Tokenization walks a fixed vocabulary greedily; logits
// are a pure function of the resident KV tokens, so prefix reuse and state
// round-trips behave like a real engine without native code.
package enginetest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"inferd/internal/engine"
	"inferd/internal/errdefs"
)

// Config controls fake behavior.
type Config struct {
	// Vocab maps token id -> piece text. Index 0 is reserved for BOS.
	Vocab []string
	// EOS is the end-of-generation token id.
	EOS int
	// Next overrides the follow-on rule: after last token t the argmax is
	// Next[t]. Tokens without an entry fall back to (t+1) % len(Vocab).
	Next map[int]int
	// EmbedDim sizes the embedding vector (default 8).
	EmbedDim int

	// EmptyTokenize makes Tokenize return no tokens, mimicking input a real
	// tokenizer normalizes away entirely.
	EmptyTokenize bool

	// FailLoads fails the first N LoadModel calls with LoadErr.
	FailLoads int
	// LoadErr is the error returned while FailLoads > 0; defaults to a
	// model_load_failure.
	LoadErr error
	// FailContexts fails the first N NewContext calls with a recoverable
	// context_creation_failure.
	FailContexts int
	// DecodeErr, when set, is returned by every Decode call.
	DecodeErr error
}

// Backend implements engine.Backend.
type Backend struct {
	mu  sync.Mutex
	cfg Config

	// LoadedParams records the params of every LoadModel call, in order.
	LoadedParams []engine.ModelParams
	// ContextParams records the params of every NewContext call, in order.
	ContextParams []engine.ModelParams
}

// New constructs a fake backend. A nil-Vocab config gets a small default
// vocabulary of lowercase words and punctuation.
func New(cfg Config) *Backend {
	if len(cfg.Vocab) == 0 {
		cfg.Vocab = DefaultVocab()
		cfg.EOS = 1
	}
	if cfg.EmbedDim <= 0 {
		cfg.EmbedDim = 8
	}
	return &Backend{cfg: cfg}
}

// DefaultVocab returns the built-in vocabulary. Index 0 is BOS, 1 is EOS.
func DefaultVocab() []string {
	return []string{
		"<s>", "</s>", " ", ".", ",", "\n",
		"hello", "world", "the", "ocean", "is", "blue", "deep",
		"a", "b", "c", "d", "e", "END", "STOP",
	}
}

func (b *Backend) LoadModel(path string, params engine.ModelParams) (engine.Model, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LoadedParams = append(b.LoadedParams, params)
	if b.cfg.FailLoads > 0 {
		b.cfg.FailLoads--
		if b.cfg.LoadErr != nil {
			return nil, b.cfg.LoadErr
		}
		return nil, errdefs.New(errdefs.ModelLoadFailure, "fake load failure for %s", path)
	}
	return &model{backend: b, path: path}, nil
}

func (b *Backend) NewBatch(maxTokens int) (engine.Batch, error) {
	if maxTokens <= 0 {
		return nil, errdefs.New(errdefs.ConfigurationInvalid, "batch size %d", maxTokens)
	}
	return &Batch{max: maxTokens}, nil
}

func (b *Backend) Close() error { return nil }

type model struct {
	backend *Backend
	path    string
	freed   bool
}

func (m *model) Tokenize(text string, addBOS, parseSpecial bool) ([]int, error) {
	if m.backend.cfg.EmptyTokenize {
		return nil, nil
	}
	vocab := m.backend.cfg.Vocab
	var out []int
	if addBOS {
		out = append(out, 0)
	}
	for len(text) > 0 {
		best := -1
		bestLen := 0
		for id, piece := range vocab {
			if id == 0 || piece == "" {
				continue
			}
			if !parseSpecial && id == m.backend.cfg.EOS {
				continue
			}
			if len(piece) > bestLen && strings.HasPrefix(text, piece) {
				best, bestLen = id, len(piece)
			}
		}
		if best < 0 {
			return nil, errdefs.New(errdefs.TokenizationFailure,
				"no vocab piece matches %q", text[:1])
		}
		out = append(out, best)
		text = text[bestLen:]
	}
	return out, nil
}

func (m *model) Detokenize(token int) string {
	vocab := m.backend.cfg.Vocab
	if token < 0 || token >= len(vocab) {
		return ""
	}
	if token == 0 || token == m.backend.cfg.EOS {
		return ""
	}
	return vocab[token]
}

func (m *model) IsEndOfGeneration(token int) bool { return token == m.backend.cfg.EOS }

func (m *model) VocabSize() int { return len(m.backend.cfg.Vocab) }

func (m *model) NewContext(params engine.ModelParams) (engine.Context, error) {
	b := m.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ContextParams = append(b.ContextParams, params)
	if m.freed {
		return nil, errdefs.New(errdefs.EngineNotInitialized, "model handle released")
	}
	if b.cfg.FailContexts > 0 {
		b.cfg.FailContexts--
		return nil, errdefs.New(errdefs.ContextCreationFailure,
			"fake context failure (%d tokens)", params.ContextLength)
	}
	return &Context{backend: b, vocab: len(b.cfg.Vocab)}, nil
}

func (m *model) Free() { m.freed = true }

// Context implements engine.Context over a plain token slice.
type Context struct {
	mu      sync.Mutex
	backend *Backend
	vocab   int
	kv      []int
	logits  []float32
	freed   bool

	// Decodes counts Decode calls, for asserting call budgets in tests.
	Decodes int
}

func (c *Context) Decode(b engine.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return errdefs.New(errdefs.EngineNotInitialized, "context handle released")
	}
	if err := c.backend.cfg.DecodeErr; err != nil {
		return err
	}
	tb, ok := b.(*Batch)
	if !ok {
		return errdefs.New(errdefs.BatchProcessingFailure, "foreign batch type %T", b)
	}
	c.Decodes++
	for i, tok := range tb.tokens {
		if tb.pos[i] != len(c.kv) {
			return errdefs.New(errdefs.BatchProcessingFailure,
				"position %d does not extend KV length %d", tb.pos[i], len(c.kv))
		}
		c.kv = append(c.kv, tok)
		if tb.wantLogits[i] {
			c.logits = c.logitsForKV()
		}
	}
	return nil
}

// logitsForKV derives a logit vector from the resident tokens only, so two
// contexts holding the same tokens always score identically.
func (c *Context) logitsForKV() []float32 {
	out := make([]float32, c.vocab)
	for j := range out {
		out[j] = float32((j*7)%13) * 0.01
	}
	if len(c.kv) == 0 {
		return out
	}
	last := c.kv[len(c.kv)-1]
	next, ok := c.backend.cfg.Next[last]
	if !ok {
		next = (last + 1) % c.vocab
	}
	out[next] = 10
	return out
}

func (c *Context) Logits(index int) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float32, len(c.logits))
	copy(out, c.logits)
	return out
}

func (c *Context) Embeddings() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	dim := c.backend.cfg.EmbedDim
	out := make([]float32, dim)
	for i, tok := range c.kv {
		out[i%dim] += float32(tok)
	}
	return out
}

func (c *Context) ClearKVCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv = c.kv[:0]
}

func (c *Context) RemoveKVCacheRange(seq, start, end int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if start < 0 || end > len(c.kv) || start > end {
		return
	}
	c.kv = append(c.kv[:start], c.kv[end:]...)
}

// KV returns a copy of the resident tokens for assertions.
func (c *Context) KV() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.kv))
	copy(out, c.kv)
	return out
}

type state struct {
	KV     []int     `json:"kv"`
	Logits []float32 `json:"logits"`
}

func (c *Context) StateSize() int {
	b, _ := c.SaveState()
	return len(b)
}

func (c *Context) SaveState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(state{KV: c.kv, Logits: c.logits})
}

func (c *Context) LoadState(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	c.kv = s.KV
	c.logits = s.Logits
	return nil
}

func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freed = true
}

// Batch implements engine.Batch.
type Batch struct {
	max        int
	tokens     []int
	pos        []int
	wantLogits []bool
}

func (b *Batch) Add(token, pos int, wantLogits bool) {
	b.tokens = append(b.tokens, token)
	b.pos = append(b.pos, pos)
	b.wantLogits = append(b.wantLogits, wantLogits)
}

func (b *Batch) Clear() {
	b.tokens = b.tokens[:0]
	b.pos = b.pos[:0]
	b.wantLogits = b.wantLogits[:0]
}

func (b *Batch) NumTokens() int { return len(b.tokens) }

func (b *Batch) Free() {}
