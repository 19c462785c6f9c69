package instance

import (
	"context"

	"inferd/internal/errdefs"
)

// Embed decodes the input and returns the pooled embedding vector. Embedding
// shares the context with generation, so it is mutually exclusive with an
// in-flight stream and it resets the resident KV prefix.
func (i *Instance) Embed(ctx context.Context, input string) ([]float32, error) {
	i.mu.Lock()
	if i.state != StateReady {
		st := i.state
		err := i.initErr
		i.mu.Unlock()
		if st == StateFailed {
			return nil, err
		}
		return nil, errdefs.New(errdefs.EngineNotInitialized, "instance %s is %s", i.model.ID, st)
	}
	if i.generating {
		i.mu.Unlock()
		return nil, errdefs.New(errdefs.Busy, "generation in flight on %s", i.model.ID)
	}
	if input == "" {
		i.mu.Unlock()
		return nil, errdefs.New(errdefs.ConfigurationInvalid, "empty embedding input")
	}
	i.generating = true
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.generating = false
		i.mu.Unlock()
	}()

	toks, err := i.mdl.Tokenize(input, true, false)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.TokenizationFailure, err, "tokenize embedding input")
	}
	if len(toks) > i.settings.ContextLength {
		return nil, errdefs.ContextExceeded(len(toks), i.settings.ContextLength)
	}
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.OperationCancelled, err, "embedding cancelled")
	}

	i.ectx.ClearKVCache()
	i.mu.Lock()
	i.ctxTokens = nil
	i.mu.Unlock()

	batchSize := i.settings.BatchSize
	for off := 0; off < len(toks); off += batchSize {
		end := off + batchSize
		if end > len(toks) {
			end = len(toks)
		}
		i.batch.Clear()
		for k := off; k < end; k++ {
			i.batch.Add(toks[k], k, end == len(toks) && k == end-1)
		}
		if err := i.ectx.Decode(i.batch); err != nil {
			return nil, errdefs.Wrap(errdefs.BatchProcessingFailure, err, "decode embedding input")
		}
	}
	return i.ectx.Embeddings(), nil
}
