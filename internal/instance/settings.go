package instance

import (
	"fmt"

	"inferd/internal/engine"
	"inferd/internal/errdefs"
)

// Settings are the load-time knobs for one instance. Two instances of the
// same model with different settings are distinct cache entries; Fingerprint
// is the cache key component capturing that.
type Settings struct {
	ContextLength int
	BatchSize     int
	GPULayers     int
	Threads       int
	UseMMap       bool
	UseMLock      bool
	Embeddings    bool
	Seed          uint32
}

// minContextLength is the floor the degraded fallback will not go below.
const minContextLength = 512

// Validate range-checks the settings before any native resource is touched.
func (s Settings) Validate() error {
	if s.ContextLength <= 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "context length %d must be > 0", s.ContextLength)
	}
	if s.BatchSize <= 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "batch size %d must be > 0", s.BatchSize)
	}
	if s.BatchSize > s.ContextLength {
		return errdefs.New(errdefs.ConfigurationInvalid,
			"batch size %d exceeds context length %d", s.BatchSize, s.ContextLength).
			WithSuggestion("lower the batch size or raise the context length")
	}
	if s.GPULayers < 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "gpu layers %d must be >= 0", s.GPULayers)
	}
	if s.Threads < 0 {
		return errdefs.New(errdefs.ConfigurationInvalid, "threads %d must be >= 0", s.Threads)
	}
	if s.UseMLock && !s.UseMMap {
		return errdefs.New(errdefs.ConfigurationInvalid, "mlock requires mmap")
	}
	return nil
}

// Fingerprint renders the load-relevant settings as a stable cache-key part.
func (s Settings) Fingerprint() string {
	return fmt.Sprintf("ctx=%d batch=%d gpu=%d threads=%d mmap=%t mlock=%t embed=%t",
		s.ContextLength, s.BatchSize, s.GPULayers, s.Threads, s.UseMMap, s.UseMLock, s.Embeddings)
}

// Degraded returns the reduced settings used for the single fallback retry
// after a recoverable load failure: halved context (floored), batch capped to
// the new context, GPU offload disabled. The bool is false when nothing can
// be reduced further.
func (s Settings) Degraded() (Settings, bool) {
	out := s
	if half := s.ContextLength / 2; half >= minContextLength {
		out.ContextLength = half
	}
	if out.BatchSize > out.ContextLength {
		out.BatchSize = out.ContextLength
	}
	out.GPULayers = 0
	return out, out != s
}

func (s Settings) engineParams() engine.ModelParams {
	return engine.ModelParams{
		ContextLength: s.ContextLength,
		BatchSize:     s.BatchSize,
		GPULayers:     s.GPULayers,
		Threads:       s.Threads,
		UseMMap:       s.UseMMap,
		UseMLock:      s.UseMLock,
		Embeddings:    s.Embeddings,
		Seed:          s.Seed,
	}
}
