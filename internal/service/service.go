// Package service orchestrates the public operations over the instance
// cache: resolve the model, acquire an instance, run the request, release.
// It owns the registry snapshot, the lifecycle event stream and the
// service-level metrics.
package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/engine"
	"inferd/internal/errdefs"
	"inferd/internal/instance"
	"inferd/pkg/types"
)

// Service is the orchestration facade the HTTP layer talks to.
type Service struct {
	backend  engine.Backend
	cache    *Cache
	events   EventPublisher
	log      zerolog.Logger
	started  time.Time
	settings instance.Settings

	defaultModel     string
	defaultMaxTokens int
	maxStopLen       int

	models    map[string]types.Model
	modelList []types.Model
}

// Options configures a Service.
type Options struct {
	// DefaultModel serves requests that name no model.
	DefaultModel string
	// Settings are the load settings for every instance.
	Settings instance.Settings
	// MaxIdleInstances and MemoryBudgetMB bound the cache.
	MaxIdleInstances int
	MemoryBudgetMB   int
	// DefaultMaxTokens bounds output when a request leaves max_tokens unset.
	DefaultMaxTokens int
	// MaxStopLen caps individual stop-sequence lengths.
	MaxStopLen int
	// Events receives lifecycle events; nil drops them.
	Events EventPublisher
	// Logger for the service and its cache.
	Logger zerolog.Logger
}

// New builds a service over the given backend and registry snapshot.
func New(backend engine.Backend, models []types.Model, opts Options) *Service {
	if opts.Events == nil {
		opts.Events = noopPublisher{}
	}
	byID := make(map[string]types.Model, len(models))
	for _, m := range models {
		byID[m.ID] = m
	}
	list := append([]types.Model{}, models...)
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	s := &Service{
		backend:          backend,
		events:           opts.Events,
		log:              opts.Logger.With().Str("component", "service").Logger(),
		started:          time.Now(),
		settings:         opts.Settings,
		defaultModel:     opts.DefaultModel,
		defaultMaxTokens: opts.DefaultMaxTokens,
		maxStopLen:       opts.MaxStopLen,
		models:           byID,
		modelList:        list,
	}
	s.cache = NewCache(opts.MaxIdleInstances, opts.MemoryBudgetMB, opts.Logger,
		WithOnEvict(func(k Key) {
			cacheEvictionsTotal.Inc()
			s.events.Publish(Event{Name: "evicted", ModelID: k.ModelID})
			s.publishResidency()
		}))
	return s
}

// Models lists the registry snapshot, sorted by ID.
func (s *Service) Models() []types.Model {
	out := make([]types.Model, len(s.modelList))
	copy(out, s.modelList)
	return out
}

// Resolve maps a request model ID (or empty, for the default) to its
// descriptor.
func (s *Service) Resolve(id string) (types.Model, error) {
	if id == "" {
		id = s.defaultModel
	}
	if id == "" {
		return types.Model{}, errdefs.New(errdefs.ModelNotFound, "no model requested and no default configured").
			WithSuggestion("pass a model id or set default_model")
	}
	m, ok := s.models[id]
	if !ok {
		ids := make([]string, 0, len(s.modelList))
		for _, mm := range s.modelList {
			ids = append(ids, mm.ID)
		}
		return types.Model{}, errdefs.New(errdefs.ModelNotFound, "model not found: %s", id).
			WithSuggestion("available models: %s", strings.Join(ids, ", "))
	}
	return m, nil
}

// acquire resolves the model and checks out a ready instance.
func (s *Service) acquire(ctx context.Context, modelID string, embeddings bool) (*instance.Instance, Key, error) {
	mdl, err := s.Resolve(modelID)
	if err != nil {
		return nil, Key{}, err
	}
	settings := s.settings
	settings.Embeddings = embeddings
	k := Key{ModelID: mdl.ID, Fingerprint: settings.Fingerprint()}
	loaded := false
	inst, err := s.cache.Acquire(ctx, k, func() *instance.Instance {
		loaded = true
		s.events.Publish(Event{Name: "loading", ModelID: mdl.ID})
		return instance.New(s.backend, mdl, settings, s.log,
			instance.WithMaxStopLen(s.maxStopLen),
			instance.WithDefaultMaxTokens(s.defaultMaxTokens))
	})
	if err != nil {
		s.events.Publish(Event{Name: "failed", ModelID: mdl.ID, Fields: map[string]any{"error": err.Error()}})
		return nil, Key{}, err
	}
	if loaded {
		if inst.FellBack() {
			s.events.Publish(Event{Name: "degraded", ModelID: mdl.ID})
		}
		s.events.Publish(Event{Name: "ready", ModelID: mdl.ID})
	}
	s.publishResidency()
	return inst, k, nil
}

// Generate streams one generation. The returned channel carries exactly one
// final chunk; the instance reference is released when the stream ends.
func (s *Service) Generate(ctx context.Context, req types.GenerateRequest) (<-chan types.StreamChunk, error) {
	inst, k, err := s.acquire(ctx, req.Model, false)
	if err != nil {
		return nil, err
	}
	ch, err := inst.Generate(ctx, req)
	if err != nil {
		s.cache.Release(k, false)
		return nil, err
	}
	out := make(chan types.StreamChunk, 1)
	go func() {
		defer close(out)
		defer func() {
			s.cache.Release(k, false)
			s.publishResidency()
		}()
		for c := range ch {
			if c.Done && c.Stats != nil {
				observeGeneration(string(c.Reason), c.Stats.OutputTokens, c.Stats.DurationMS)
			}
			out <- c
		}
	}()
	return out, nil
}

// Completion runs a generation to the end and returns the buffered result,
// with tool calls parsed from the full output.
func (s *Service) Completion(ctx context.Context, req types.GenerateRequest) (types.CompletionResponse, error) {
	mdl, err := s.Resolve(req.Model)
	if err != nil {
		return types.CompletionResponse{}, err
	}
	req.Model = mdl.ID
	ch, err := s.Generate(ctx, req)
	if err != nil {
		return types.CompletionResponse{}, err
	}
	var b strings.Builder
	resp := types.CompletionResponse{Model: mdl.ID}
	for c := range ch {
		b.WriteString(c.Content)
		if c.Done {
			if c.Reason == types.DoneError {
				return types.CompletionResponse{}, errdefs.New(errdefs.GenerationFailure, "%s", c.Error)
			}
			resp.Reason = c.Reason
			resp.StopMatch = c.StopMatch
			resp.Stats = c.Stats
			resp.ToolCalls = c.ToolCalls
		}
	}
	resp.Content = b.String()
	return resp, nil
}

// Embed computes an embedding vector for the input.
func (s *Service) Embed(ctx context.Context, req types.EmbedRequest) (types.EmbedResponse, error) {
	inst, k, err := s.acquire(ctx, req.Model, true)
	if err != nil {
		return types.EmbedResponse{}, err
	}
	defer func() {
		s.cache.Release(k, false)
		s.publishResidency()
	}()
	vec, err := inst.Embed(ctx, req.Input)
	if err != nil {
		return types.EmbedResponse{}, err
	}
	return types.EmbedResponse{Model: inst.Model().ID, Embedding: vec}, nil
}

// Interrupt cancels every in-flight generation on the model. Returns
// model_not_found when nothing is resident.
func (s *Service) Interrupt(modelID string) error {
	mdl, err := s.Resolve(modelID)
	if err != nil {
		return err
	}
	if s.cache.InterruptModel(mdl.ID) == 0 {
		return errdefs.New(errdefs.ModelNotFound, "no generation in flight on %s", mdl.ID)
	}
	s.events.Publish(Event{Name: "interrupted", ModelID: mdl.ID})
	return nil
}

// Unload evicts every idle instance of the model.
func (s *Service) Unload(modelID string) error {
	mdl, err := s.Resolve(modelID)
	if err != nil {
		return err
	}
	if err := s.cache.Unload(mdl.ID); err != nil {
		return err
	}
	s.events.Publish(Event{Name: "unloaded", ModelID: mdl.ID})
	s.publishResidency()
	return nil
}

// EvictOnPressure asks the cache to shed half its idle tier.
func (s *Service) EvictOnPressure() int {
	n := s.cache.EvictOnPressure()
	s.publishResidency()
	return n
}

// Status snapshots instances and cache counters.
func (s *Service) Status() types.StatusResponse {
	now := time.Now()
	return types.StatusResponse{
		Instances:      s.cache.Instances(),
		Cache:          s.cache.Stats(),
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
}

// Ready reports whether the service can serve requests: the registry scan
// must have found at least one model.
func (s *Service) Ready() bool { return len(s.modelList) > 0 }

// Close shuts the cache and the backend down.
func (s *Service) Close() error {
	s.cache.Close()
	return s.backend.Close()
}

func (s *Service) publishResidency() {
	st := s.cache.Stats()
	updateResidency(st.LiveInstances, st.IdleInstances)
}
