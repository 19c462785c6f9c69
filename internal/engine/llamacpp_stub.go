//go:build !llama

package engine

import "inferd/internal/errdefs"

// This file provides a no-CGO stub for the llama backend. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.
// The real adapter lives in llamacpp.go (tagged 'llama').

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = false

type llamaStub struct{}

// NewLlamaBackend returns a backend that fails fast: llama support is not
// built into this binary.
func NewLlamaBackend() Backend { return llamaStub{} }

func (llamaStub) LoadModel(path string, params ModelParams) (Model, error) {
	return nil, errdefs.New(errdefs.EngineNotInitialized,
		"llama support not built (missing 'llama' build tag)").
		WithSuggestion("rebuild with -tags=llama and the llama.cpp libraries on the link path")
}

func (llamaStub) NewBatch(maxTokens int) (Batch, error) {
	return nil, errdefs.New(errdefs.EngineNotInitialized,
		"llama support not built (missing 'llama' build tag)")
}

func (llamaStub) Close() error { return nil }
