// Package engine defines the boundary to the native transformer-inference
// runtime. The orchestration layers are written against these interfaces; a
// go-llama.cpp backed implementation is available behind the `llama` build
// tag (see llamacpp.go) and a deterministic in-memory implementation lives in
// enginetest for use by tests.
package engine

// ModelParams configures model loading.
type ModelParams struct {
	ContextLength int
	BatchSize     int
	GPULayers     int
	Threads       int
	UseMMap       bool
	UseMLock      bool
	Embeddings    bool
	Seed          uint32
}

// Backend acquires native resources. Implementations own process-wide engine
// state and must be safe for concurrent LoadModel calls.
type Backend interface {
	// LoadModel loads the model file and returns an exclusive handle.
	LoadModel(path string, params ModelParams) (Model, error)
	// NewBatch allocates a reusable decode batch holding up to maxTokens.
	NewBatch(maxTokens int) (Batch, error)
	// Close releases backend-global resources. Idempotent.
	Close() error
}

// Model is an exclusive handle to a loaded model.
type Model interface {
	// Tokenize converts text to token ids. addBOS prepends the begin-of-text
	// token; parseSpecial allows special-token text to map to special ids.
	Tokenize(text string, addBOS, parseSpecial bool) ([]int, error)
	// Detokenize renders one token id as text.
	Detokenize(token int) string
	// IsEndOfGeneration reports whether token terminates generation.
	IsEndOfGeneration(token int) bool
	// VocabSize returns the vocabulary size V.
	VocabSize() int
	// NewContext creates an inference context bound to this model.
	NewContext(params ModelParams) (Context, error)
	// Free releases the model handle. Idempotent.
	Free()
}

// Context is an exclusive handle to one inference context and its KV cache.
type Context interface {
	// Decode processes the batch, populating the KV cache and, for positions
	// flagged with logits, the output scores.
	Decode(b Batch) error
	// Logits returns the raw logit vector for the given batch output index.
	Logits(index int) []float32
	// Embeddings returns the pooled embedding vector for the last decode.
	Embeddings() []float32
	// ClearKVCache drops all resident positions.
	ClearKVCache()
	// RemoveKVCacheRange evicts positions [start, end) for the sequence.
	RemoveKVCacheRange(seq, start, end int)
	// StateSize reports the byte size of the serialized engine state.
	StateSize() int
	// SaveState captures the opaque engine state blob.
	SaveState() ([]byte, error)
	// LoadState restores a previously captured state blob.
	LoadState(data []byte) error
	// Free releases the context handle. Idempotent.
	Free()
}

// Batch is a reusable token batch fed to Context.Decode.
type Batch interface {
	// Add appends one token at the given KV position; wantLogits requests
	// output scores for this position.
	Add(token, pos int, wantLogits bool)
	// Clear resets the batch for reuse.
	Clear()
	// NumTokens reports the number of queued tokens.
	NumTokens() int
	// Free releases the batch. Idempotent.
	Free()
}
