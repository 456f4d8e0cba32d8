package cache

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// Policy controls how the coordinator spreads operations across the tiers.
type Policy struct {
	// WritePersistent mirrors every store into the persistent tier.
	WritePersistent bool

	// PromoteOnPersistentHit copies persistent-tier hits into the memory
	// tier before returning them.
	PromoteOnPersistentHit bool

	// AsyncPersistentWrites performs persistent writes on a background
	// worker pool. The write becomes visible eventually; until then the two
	// tiers may briefly disagree. That window is an accepted trade-off for
	// store latency.
	AsyncPersistentWrites bool

	// AsyncWriteWorkers bounds the background pool. Zero means 2.
	AsyncWriteWorkers int
}

// MetricsRecorder receives hit/miss attribution from the coordinator.
type MetricsRecorder interface {
	RecordTierHit(tier string)
	RecordMiss()
}

// Coordinator unifies the memory and persistent tiers behind one interface,
// implementing write-through stores and read-through retrieval with
// promotion. The persistent tier is optional; without it the coordinator
// degrades to a plain memory cache.
type Coordinator struct {
	memory     *MemoryTier
	persistent *PersistentTier
	policy     Policy
	log        zerolog.Logger
	recorder   MetricsRecorder

	writers *pool.Pool

	mu             sync.Mutex
	closed         bool
	memoryHits     uint64
	persistentHits uint64
	misses         uint64
}

// NewCoordinator wires the tiers together. persistent may be nil.
func NewCoordinator(memory *MemoryTier, persistent *PersistentTier, policy Policy, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		memory:     memory,
		persistent: persistent,
		policy:     policy,
		log:        log,
	}
	if policy.AsyncPersistentWrites && persistent != nil {
		workers := policy.AsyncWriteWorkers
		if workers <= 0 {
			workers = 2
		}
		c.writers = pool.New().WithMaxGoroutines(workers)
	}
	return c
}

// SetMetricsRecorder attaches an optional hit/miss recorder.
func (c *Coordinator) SetMetricsRecorder(r MetricsRecorder) {
	c.recorder = r
}

// Store writes the entry to the memory tier synchronously and, per policy,
// to the persistent tier synchronously or on the background pool.
func (c *Coordinator) Store(key types.CacheKey, entry *types.CacheEntry) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeCacheClosed, "cache coordinator is closed")
	}
	c.mu.Unlock()

	if err := c.memory.Store(key, entry); err != nil {
		return err
	}

	if c.persistent == nil || !c.policy.WritePersistent {
		return nil
	}

	if c.policy.AsyncPersistentWrites {
		// Submit under the mutex so no task lands on the pool after Close
		// has drained it.
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return errors.New(errors.ErrCodeCacheClosed, "cache coordinator is closed")
		}
		c.writers.Go(func() {
			if err := c.persistent.Store(key, entry); err != nil {
				c.log.Warn().Err(err).Str("key", key.String()).Msg("async persistent write failed")
			}
		})
		return nil
	}

	return c.persistent.Store(key, entry)
}

// Retrieve checks the memory tier first, then falls back to the persistent
// tier, promoting hits into memory per policy. Promotion is one-directional;
// memory entries are never demoted.
func (c *Coordinator) Retrieve(key types.CacheKey) (*types.CacheEntry, bool, error) {
	if entry, ok, err := c.memory.Retrieve(key); err != nil {
		return nil, false, err
	} else if ok {
		c.recordHit(&c.memoryHits, "memory")
		return entry, true, nil
	}

	if c.persistent == nil {
		c.recordMiss()
		return nil, false, nil
	}

	entry, ok, err := c.persistent.Retrieve(key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.recordMiss()
		return nil, false, nil
	}

	c.recordHit(&c.persistentHits, "persistent")
	if c.policy.PromoteOnPersistentHit {
		if err := c.memory.Store(key, entry); err != nil {
			c.log.Warn().Err(err).Str("key", key.String()).Msg("promotion to memory tier failed")
		}
	}
	return entry, true, nil
}

// Remove deletes the entry from both tiers.
func (c *Coordinator) Remove(key types.CacheKey) error {
	if err := c.memory.Remove(key); err != nil {
		return err
	}
	if c.persistent != nil {
		return c.persistent.Remove(key)
	}
	return nil
}

// RemoveAll deletes every entry for the identity from both tiers.
func (c *Coordinator) RemoveAll(identity types.MediaIdentity) error {
	if err := c.memory.RemoveAll(identity); err != nil {
		return err
	}
	if c.persistent != nil {
		return c.persistent.RemoveAll(identity)
	}
	return nil
}

// Clear drops every entry from both tiers.
func (c *Coordinator) Clear() error {
	if err := c.memory.Clear(); err != nil {
		return err
	}
	if c.persistent != nil {
		return c.persistent.Clear()
	}
	return nil
}

// Contains reports whether any tier holds the key.
func (c *Coordinator) Contains(key types.CacheKey) bool {
	if c.memory.Contains(key) {
		return true
	}
	return c.persistent != nil && c.persistent.Contains(key)
}

// WarmUp pre-loads a batch of keys from the persistent tier into the memory
// tier for anticipated access. Keys without a persistent entry are skipped.
func (c *Coordinator) WarmUp(keys []types.CacheKey) error {
	if c.persistent == nil {
		return nil
	}
	for _, key := range keys {
		entry, ok, err := c.persistent.Retrieve(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := c.memory.Store(key, entry); err != nil {
			return err
		}
	}
	return nil
}

// Statistics returns per-tier counters plus the coordinator's own hit
// attribution and combined hit rate.
func (c *Coordinator) Statistics() types.CoordinatorStats {
	c.mu.Lock()
	stats := types.CoordinatorStats{
		MemoryHits:     c.memoryHits,
		PersistentHits: c.persistentHits,
		Misses:         c.misses,
	}
	c.mu.Unlock()

	total := stats.MemoryHits + stats.PersistentHits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.MemoryHits+stats.PersistentHits) / float64(total)
	}

	stats.Memory = c.memory.Statistics()
	if c.persistent != nil {
		stats.Persistent = c.persistent.Statistics()
	}
	return stats
}

// Close drains pending async writes and closes the persistent tier. It is
// idempotent; stores after Close fail with CACHE_CLOSED.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.writers != nil {
		c.writers.Wait()
	}
	if c.persistent != nil {
		return c.persistent.Close()
	}
	return nil
}

func (c *Coordinator) recordHit(counter *uint64, tier string) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
	if c.recorder != nil {
		c.recorder.RecordTierHit(tier)
	}
}

func (c *Coordinator) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	if c.recorder != nil {
		c.recorder.RecordMiss()
	}
}
