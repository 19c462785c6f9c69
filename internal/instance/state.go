package instance

import (
	"context"
	"encoding/json"

	"inferd/internal/errdefs"
)

// snapshot pairs the opaque engine state blob with the token mirror that
// makes prefix reuse work after a restore.
type snapshot struct {
	Tokens []int  `json:"tokens"`
	Engine []byte `json:"engine"`
}

// SaveState captures the context state so a warm prefix can survive an
// unload/reload cycle. Refused mid-generation.
func (i *Instance) SaveState(ctx context.Context) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateReady {
		return nil, errdefs.New(errdefs.EngineNotInitialized, "instance %s is %s", i.model.ID, i.state)
	}
	if i.generating {
		return nil, errdefs.New(errdefs.Busy, "generation in flight on %s", i.model.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.OperationCancelled, err, "state save cancelled")
	}
	blob, err := i.ectx.SaveState()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CacheOperationFailure, err, "save state for %s", i.model.ID)
	}
	return json.Marshal(snapshot{Tokens: append([]int{}, i.ctxTokens...), Engine: blob})
}

// RestoreState loads a previously saved snapshot into the context.
func (i *Instance) RestoreState(ctx context.Context, data []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateReady {
		return errdefs.New(errdefs.EngineNotInitialized, "instance %s is %s", i.model.ID, i.state)
	}
	if i.generating {
		return errdefs.New(errdefs.Busy, "generation in flight on %s", i.model.ID)
	}
	if err := ctx.Err(); err != nil {
		return errdefs.Wrap(errdefs.OperationCancelled, err, "state restore cancelled")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return errdefs.Wrap(errdefs.CacheOperationFailure, err, "decode state snapshot")
	}
	if len(s.Tokens) > i.settings.ContextLength {
		return errdefs.ContextExceeded(len(s.Tokens), i.settings.ContextLength)
	}
	if err := i.ectx.LoadState(s.Engine); err != nil {
		return errdefs.Wrap(errdefs.CacheOperationFailure, err, "restore state for %s", i.model.ID)
	}
	i.ctxTokens = s.Tokens
	return nil
}
