// Package instance owns one loaded model: its lifecycle state machine, the
// native handles (model, context, batch) and the decode loop that turns a
// request into a token stream. Instances are single-writer: one generation
// or embedding at a time, enforced fail-fast rather than by queueing.
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
	"inferd/internal/engine"
	"inferd/internal/errdefs"
	"inferd/internal/prompt"
	"inferd/internal/stopseq"
	"inferd/pkg/types"
)

// State is the lifecycle position of an instance.
type State string

const (
	StateUninitialized State = "uninitialized"
	StatePreparing     State = "preparing"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Instance binds a model descriptor to native engine handles.
type Instance struct {
	backend engine.Backend
	model   types.Model
	log     zerolog.Logger

	maxStopLen       int
	defaultMaxTokens int

	mu       sync.Mutex
	state    State
	initErr  error
	settings Settings
	fellBack bool

	mdl   engine.Model
	ectx  engine.Context
	batch engine.Batch

	// ctxTokens mirrors the tokens resident in the KV cache, in order.
	ctxTokens []int

	generating bool
	cancelGen  context.CancelFunc
	lastUsed   time.Time
	arch       prompt.Architecture
}

// Option tweaks instance construction.
type Option func(*Instance)

// WithMaxStopLen overrides the per-stop-string length ceiling.
func WithMaxStopLen(n int) Option {
	return func(i *Instance) { i.maxStopLen = n }
}

// WithDefaultMaxTokens sets the output bound used when a request leaves
// max_tokens at zero. Zero keeps the remaining-context bound.
func WithDefaultMaxTokens(n int) Option {
	return func(i *Instance) { i.defaultMaxTokens = n }
}

// New builds an uninitialized instance. No native resources are touched
// until Initialize.
func New(backend engine.Backend, model types.Model, settings Settings, log zerolog.Logger, opts ...Option) *Instance {
	i := &Instance{
		backend:    backend,
		model:      model,
		log:        log.With().Str("model", model.ID).Logger(),
		maxStopLen: stopseq.DefaultMaxStopLen,
		state:      StateUninitialized,
		settings:   settings,
		arch:       prompt.Detect(model.Family),
		lastUsed:   time.Now(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Model returns the descriptor this instance serves.
func (i *Instance) Model() types.Model { return i.model }

// Settings returns the effective settings, post-fallback if one happened.
func (i *Instance) Settings() Settings {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.settings
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// FellBack reports whether initialization succeeded on the degraded retry.
func (i *Instance) FellBack() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fellBack
}

// LastUsed returns the time of the last served request.
func (i *Instance) LastUsed() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsed
}

// Initialize walks the instance to ready: validate, then acquire model,
// context and batch in order, then a warmup decode. Idempotent when already
// ready. A recoverable failure earns exactly one retry with Degraded
// settings; a second failure is terminal and the instance lands in failed,
// which is sticky until Shutdown.
func (i *Instance) Initialize(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case StateReady:
		return nil
	case StateFailed:
		return i.initErr
	case StatePreparing, StateLoading:
		return errdefs.New(errdefs.Busy, "initialization already in progress for %s", i.model.ID)
	}

	i.state = StatePreparing
	if err := i.settings.Validate(); err != nil {
		return i.fail(err)
	}
	if !fsutil.PathExists(i.model.Path) {
		return i.fail(errdefs.New(errdefs.FileNotFound, "model file %s", i.model.Path))
	}
	if err := ctx.Err(); err != nil {
		return i.fail(errdefs.Wrap(errdefs.OperationCancelled, err, "initialization cancelled"))
	}

	i.state = StateLoading
	err := i.acquire(i.settings)
	if err != nil && errdefs.Recoverable(err) {
		degraded, reduced := i.settings.Degraded()
		if reduced {
			i.log.Warn().Err(err).
				Str("fingerprint", degraded.Fingerprint()).
				Msg("load failed, retrying with reduced settings")
			if retryErr := i.acquire(degraded); retryErr == nil {
				i.settings = degraded
				i.fellBack = true
				err = nil
			}
		}
	}
	if err != nil {
		return i.fail(err)
	}

	i.state = StateReady
	i.lastUsed = time.Now()
	i.log.Info().
		Str("fingerprint", i.settings.Fingerprint()).
		Bool("degraded", i.fellBack).
		Msg("instance ready")
	return nil
}

// fail records the terminal error and moves to failed.
func (i *Instance) fail(err error) error {
	i.state = StateFailed
	i.initErr = err
	i.log.Error().Err(err).Msg("initialization failed")
	return err
}

// acquire obtains all native handles for the given settings, releasing
// everything obtained so far if any step fails. On success the handles
// replace whatever the instance held before.
func (i *Instance) acquire(s Settings) error {
	params := s.engineParams()
	mdl, err := i.backend.LoadModel(i.model.Path, params)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeOf(err), err, "load %s", i.model.ID)
	}
	ectx, err := mdl.NewContext(params)
	if err != nil {
		mdl.Free()
		return err
	}
	batch, err := i.backend.NewBatch(s.BatchSize)
	if err != nil {
		ectx.Free()
		mdl.Free()
		return err
	}
	// Embedding-only instances never stream; the decode path is proven on
	// first use instead.
	if !s.Embeddings {
		if err := warmup(mdl, ectx, batch); err != nil {
			batch.Free()
			ectx.Free()
			mdl.Free()
			return err
		}
	}
	i.releaseHandles()
	i.mdl, i.ectx, i.batch = mdl, ectx, batch
	i.ctxTokens = nil
	return nil
}

// warmup decodes the begin-of-text token once and drops it again, proving
// the whole decode path works before the instance is declared ready.
func warmup(mdl engine.Model, ectx engine.Context, batch engine.Batch) error {
	toks, err := mdl.Tokenize("", true, false)
	if err != nil {
		return err
	}
	batch.Clear()
	for pos, tok := range toks {
		batch.Add(tok, pos, false)
	}
	if err := ectx.Decode(batch); err != nil {
		return errdefs.Wrap(errdefs.CodeOf(err), err, "warmup decode")
	}
	ectx.ClearKVCache()
	return nil
}

// releaseHandles frees native handles in reverse acquisition order.
func (i *Instance) releaseHandles() {
	if i.batch != nil {
		i.batch.Free()
		i.batch = nil
	}
	if i.ectx != nil {
		i.ectx.Free()
		i.ectx = nil
	}
	if i.mdl != nil {
		i.mdl.Free()
		i.mdl = nil
	}
}

// Shutdown releases all native resources and returns the instance to
// uninitialized. Idempotent. Refused while a generation is in flight.
func (i *Instance) Shutdown() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.generating {
		return errdefs.New(errdefs.Busy, "generation in flight on %s", i.model.ID)
	}
	i.releaseHandles()
	i.ctxTokens = nil
	i.state = StateUninitialized
	i.initErr = nil
	i.fellBack = false
	return nil
}

// Interrupt cancels the in-flight generation, if any. The stream finishes
// with a cancelled final chunk.
func (i *Instance) Interrupt() {
	i.mu.Lock()
	cancel := i.cancelGen
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Generating reports whether a generation or embedding is in flight.
func (i *Instance) Generating() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.generating
}

// EstMemoryMB estimates the resident footprint: the file size plus a KV
// allowance proportional to the context length.
func (i *Instance) EstMemoryMB() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.estMemoryMBLocked()
}

func (i *Instance) estMemoryMBLocked() int {
	mb := int(i.model.SizeBytes>>20) + i.settings.ContextLength>>9
	if mb < 1 {
		mb = 1
	}
	return mb
}

// Status snapshots the instance for the status endpoint. Refs is filled in
// by the cache layer, which owns the count.
func (i *Instance) Status() types.InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return types.InstanceStatus{
		ModelID:       i.model.ID,
		State:         string(i.state),
		Generating:    i.generating,
		LastUsed:      i.lastUsed.Unix(),
		EstMemoryMB:   i.estMemoryMBLocked(),
		ContextTokens: len(i.ctxTokens),
	}
}
