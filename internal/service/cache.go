package service

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"inferd/internal/errdefs"
	"inferd/internal/instance"
	"inferd/pkg/types"
)

// Key identifies a cached instance: same model loaded with different
// settings is a different instance.
type Key struct {
	ModelID     string
	Fingerprint string
}

// BuildFunc constructs an uninitialized instance for a cache miss.
type BuildFunc func() *instance.Instance

type liveEntry struct {
	inst *instance.Instance
	refs int
	// doomed marks the entry for teardown once the last reference goes.
	doomed bool
}

type victim struct {
	k    Key
	inst *instance.Instance
}

// Cache holds instances in two tiers: live (reference-counted, in use) and
// idle (warm, reusable, evictable). Ceilings apply to the idle tier count
// and to the estimated memory of both tiers together; eviction is oldest
// first and only ever touches idle instances.
type Cache struct {
	log      zerolog.Logger
	maxIdle  int
	budgetMB int
	onEvict  func(Key)

	mu      sync.Mutex
	live    map[Key]*liveEntry
	idle    map[Key]*instance.Instance
	loading map[Key]chan struct{}

	hits      uint64
	misses    uint64
	evictions uint64
}

// CacheOption tweaks cache construction.
type CacheOption func(*Cache)

// WithOnEvict installs a callback invoked (outside the cache lock) for every
// evicted or unloaded instance.
func WithOnEvict(fn func(Key)) CacheOption {
	return func(c *Cache) { c.onEvict = fn }
}

// NewCache builds a cache with the given ceilings. maxIdle 0 disables idle
// retention entirely; budgetMB 0 means unbounded memory.
func NewCache(maxIdle, budgetMB int, log zerolog.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		log:      log.With().Str("component", "cache").Logger(),
		maxIdle:  maxIdle,
		budgetMB: budgetMB,
		live:     make(map[Key]*liveEntry),
		idle:     make(map[Key]*instance.Instance),
		loading:  make(map[Key]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns a ready instance for the key, loading one via build on a
// miss. The caller owns one reference and must Release it. Concurrent
// acquires for the same key share a single load.
func (c *Cache) Acquire(ctx context.Context, k Key, build BuildFunc) (*instance.Instance, error) {
	for {
		c.mu.Lock()
		if e, ok := c.live[k]; ok {
			e.refs++
			c.hits++
			c.mu.Unlock()
			return e.inst, nil
		}
		if inst, ok := c.idle[k]; ok {
			delete(c.idle, k)
			c.live[k] = &liveEntry{inst: inst, refs: 1}
			c.hits++
			c.mu.Unlock()
			return inst, nil
		}
		if ch, ok := c.loading[k]; ok {
			c.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, errdefs.Wrap(errdefs.OperationCancelled, ctx.Err(), "acquire %s", k.ModelID)
			}
		}
		ch := make(chan struct{})
		c.loading[k] = ch
		c.misses++
		c.mu.Unlock()

		inst := build()
		err := inst.Initialize(ctx)

		c.mu.Lock()
		delete(c.loading, k)
		close(ch)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.live[k] = &liveEntry{inst: inst, refs: 1}
		victims := c.evictLocked(0)
		c.mu.Unlock()
		c.finishEvictions(victims)
		return inst, nil
	}
}

// Release drops one reference. At zero a healthy instance moves to the idle
// tier, where the ceilings may evict it immediately; an unhealthy one is torn
// down instead. force requests teardown, deferred until the last reference
// goes when other holders remain.
func (c *Cache) Release(k Key, force bool) {
	c.mu.Lock()
	e, ok := c.live[k]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.refs--
	e.doomed = e.doomed || force
	var victims []victim
	var doomed *instance.Instance
	if e.refs <= 0 {
		delete(c.live, k)
		if e.doomed || e.inst.State() != instance.StateReady {
			doomed = e.inst
		} else {
			c.idle[k] = e.inst
			victims = c.evictLocked(0)
		}
	}
	c.mu.Unlock()
	if doomed != nil {
		c.log.Info().Str("model", k.ModelID).Msg("shutting down released instance")
		if err := doomed.Shutdown(); err != nil {
			c.log.Warn().Err(err).Str("model", k.ModelID).Msg("release shutdown failed")
		}
	}
	c.finishEvictions(victims)
}

// Refs reports the live reference count for a key (0 when idle or absent).
func (c *Cache) Refs(k Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.live[k]; ok {
		return e.refs
	}
	return 0
}

// EvictOnPressure drops half of the idle tier, oldest first, in response to
// an external memory-pressure signal. Returns the number evicted.
func (c *Cache) EvictOnPressure() int {
	c.mu.Lock()
	n := (len(c.idle) + 1) / 2
	victims := c.evictLocked(n)
	c.mu.Unlock()
	c.finishEvictions(victims)
	return len(victims)
}

// Unload removes every idle instance of the model. Live instances stay; a
// model with live references reports busy.
func (c *Cache) Unload(modelID string) error {
	c.mu.Lock()
	for k := range c.live {
		if k.ModelID == modelID {
			c.mu.Unlock()
			return errdefs.New(errdefs.Busy, "model %s has live references", modelID)
		}
	}
	var victims []victim
	for k, inst := range c.idle {
		if k.ModelID != modelID {
			continue
		}
		delete(c.idle, k)
		c.evictions++
		victims = append(victims, victim{k, inst})
	}
	c.mu.Unlock()
	if len(victims) == 0 {
		return errdefs.New(errdefs.ModelNotFound, "no loaded instance of %s", modelID)
	}
	c.finishEvictions(victims)
	return nil
}

// InterruptModel cancels in-flight generations on every live instance of
// the model, returning how many were interrupted.
func (c *Cache) InterruptModel(modelID string) int {
	c.mu.Lock()
	var insts []*instance.Instance
	for k, e := range c.live {
		if k.ModelID == modelID {
			insts = append(insts, e.inst)
		}
	}
	c.mu.Unlock()
	n := 0
	for _, inst := range insts {
		if inst.Generating() {
			inst.Interrupt()
			n++
		}
	}
	return n
}

// evictLocked removes idle instances oldest-first: at least minEvict of
// them, then as many more as the idle-count and memory ceilings demand.
// The victims are returned for finishEvictions, after the lock is dropped.
func (c *Cache) evictLocked(minEvict int) []victim {
	order := make([]victim, 0, len(c.idle))
	for k, inst := range c.idle {
		order = append(order, victim{k, inst})
	}
	sort.Slice(order, func(i, j int) bool {
		return order[i].inst.LastUsed().Before(order[j].inst.LastUsed())
	})

	var victims []victim
	for _, v := range order {
		over := len(c.idle) > c.maxIdle ||
			(c.budgetMB > 0 && c.usedMemoryMBLocked() > c.budgetMB)
		if len(victims) >= minEvict && !over {
			break
		}
		delete(c.idle, v.k)
		c.evictions++
		victims = append(victims, v)
	}
	return victims
}

// finishEvictions shuts victims down and fires the eviction callback. Must
// be called without the cache lock held.
func (c *Cache) finishEvictions(victims []victim) {
	for _, v := range victims {
		c.log.Info().Str("model", v.k.ModelID).Msg("evicting idle instance")
		if err := v.inst.Shutdown(); err != nil {
			c.log.Warn().Err(err).Str("model", v.k.ModelID).Msg("victim shutdown failed")
		}
		if c.onEvict != nil {
			c.onEvict(v.k)
		}
	}
}

func (c *Cache) usedMemoryMBLocked() int {
	total := 0
	for _, e := range c.live {
		total += e.inst.EstMemoryMB()
	}
	for _, inst := range c.idle {
		total += inst.EstMemoryMB()
	}
	return total
}

// Stats snapshots the cache counters.
func (c *Cache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := types.CacheStats{
		LiveInstances: len(c.live),
		IdleInstances: len(c.idle),
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		UsedMemoryMB:  c.usedMemoryMBLocked(),
		BudgetMB:      c.budgetMB,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Instances snapshots every resident instance for the status endpoint.
func (c *Cache) Instances() []types.InstanceStatus {
	c.mu.Lock()
	type snap struct {
		inst *instance.Instance
		refs int
	}
	all := make([]snap, 0, len(c.live)+len(c.idle))
	for _, e := range c.live {
		all = append(all, snap{e.inst, e.refs})
	}
	for _, inst := range c.idle {
		all = append(all, snap{inst, 0})
	}
	c.mu.Unlock()

	out := make([]types.InstanceStatus, len(all))
	for i, s := range all {
		st := s.inst.Status()
		st.Refs = s.refs
		out[i] = st
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Close shuts down every resident instance. Live references are abandoned;
// intended for server shutdown only.
func (c *Cache) Close() {
	c.mu.Lock()
	var victims []victim
	for k, e := range c.live {
		delete(c.live, k)
		victims = append(victims, victim{k, e.inst})
	}
	for k, inst := range c.idle {
		delete(c.idle, k)
		victims = append(victims, victim{k, inst})
	}
	c.mu.Unlock()
	for _, v := range victims {
		if err := v.inst.Shutdown(); err != nil {
			c.log.Warn().Err(err).Str("model", v.k.ModelID).Msg("shutdown failed")
		}
	}
}
