//go:build llama

package engine

import (
	"os"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/internal/errdefs"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaBackend adapts the in-process go-llama.cpp binding to the Backend
// interface. The binding drives whole-sequence prediction internally, so it
// covers model loading, tokenization, embeddings and state persistence; the
// per-position decode/logits primitives need the llama.cpp C API directly and
// report engine-not-initialized here. The orchestration core remains fully
// exercised through backends that do expose them.
type llamaBackend struct{}

// NewLlamaBackend returns the in-process llama.cpp backend.
func NewLlamaBackend() Backend { return &llamaBackend{} }

func (b *llamaBackend) LoadModel(path string, params ModelParams) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errdefs.New(errdefs.FileNotFound, "model path is empty")
	}
	opts := []llama.ModelOption{
		llama.SetContext(params.ContextLength),
		llama.SetNBatch(params.BatchSize),
		llama.SetGPULayers(params.GPULayers),
		llama.SetMMap(params.UseMMap),
	}
	if params.UseMLock {
		opts = append(opts, llama.EnableMLock)
	}
	if params.Embeddings {
		opts = append(opts, llama.EnableEmbeddings)
	}
	m, err := llama.New(path, opts...)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ModelLoadFailure, err, "load %s", path).
			WithSuggestion("verify the file is a valid GGUF model and reduce GPU layers if VRAM is tight")
	}
	return &llamaModel{m: m, threads: params.Threads}, nil
}

func (b *llamaBackend) NewBatch(maxTokens int) (Batch, error) {
	// The binding batches internally; hand back a bookkeeping-only batch so
	// lifecycle acquisition order stays uniform across backends.
	return &memBatch{}, nil
}

func (b *llamaBackend) Close() error { return nil }

type llamaModel struct {
	mu      sync.Mutex
	m       *llama.LLama
	threads int
}

func (lm *llamaModel) Tokenize(text string, addBOS, parseSpecial bool) ([]int, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.m == nil {
		return nil, errdefs.New(errdefs.EngineNotInitialized, "model handle released")
	}
	n, toks, err := lm.m.TokenizeString(text, llama.SetTokens(0))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.TokenizationFailure, err, "tokenize %d bytes", len(text))
	}
	out := make([]int, 0, n)
	for _, t := range toks {
		out = append(out, int(t))
	}
	return out, nil
}

func (lm *llamaModel) Detokenize(token int) string {
	// Not exposed by the binding; per-token text requires the C API.
	return ""
}

func (lm *llamaModel) IsEndOfGeneration(token int) bool { return false }

func (lm *llamaModel) VocabSize() int { return 0 }

func (lm *llamaModel) NewContext(params ModelParams) (Context, error) {
	return nil, errdefs.New(errdefs.ContextCreationFailure,
		"the in-process go-llama.cpp binding does not expose incremental decode contexts").
		WithSuggestion("run against a backend built on the llama.cpp C API")
}

func (lm *llamaModel) Free() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.m != nil {
		lm.m.Free()
		lm.m = nil
	}
}

// Embed computes a pooled embedding via the binding's high-level call.
func (lm *llamaModel) Embed(text string) ([]float32, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.m == nil {
		return nil, errdefs.New(errdefs.EngineNotInitialized, "model handle released")
	}
	return lm.m.Embeddings(text, llama.SetThreads(lm.threads))
}

// SaveStateFile persists the binding's context state to path.
func (lm *llamaModel) SaveStateFile(path string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.m == nil {
		return errdefs.New(errdefs.EngineNotInitialized, "model handle released")
	}
	return lm.m.SaveState(path)
}

// LoadStateFile restores the binding's context state from path.
func (lm *llamaModel) LoadStateFile(path string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.m == nil {
		return errdefs.New(errdefs.EngineNotInitialized, "model handle released")
	}
	if _, err := os.Stat(path); err != nil {
		return errdefs.Wrap(errdefs.FileNotFound, err, "state file %s", path)
	}
	return lm.m.LoadState(path)
}
