package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/mediacache/mediacache/pkg/types"
)

// MemoryTier is a capacity-bounded, in-process cache with O(1) access and
// O(1) least-recently-used eviction.
type MemoryTier struct {
	mu         sync.Mutex
	maxEntries int
	maxAge     time.Duration
	items      map[types.CacheKey]*memoryItem
	evictList  *list.List
	stats      types.CacheStats
}

// memoryItem pairs a stored entry with its recency-list node.
type memoryItem struct {
	entry   *types.CacheEntry
	element *list.Element
}

// MemoryTierConfig configures the in-process tier. MaxAge of zero disables
// age-based expiration.
type MemoryTierConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// NewMemoryTier creates an in-process LRU tier.
func NewMemoryTier(config *MemoryTierConfig) *MemoryTier {
	if config == nil {
		config = &MemoryTierConfig{
			MaxEntries: 256,
			MaxAge:     30 * time.Minute,
		}
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 256
	}

	return &MemoryTier{
		maxEntries: config.MaxEntries,
		maxAge:     config.MaxAge,
		items:      make(map[types.CacheKey]*memoryItem),
		evictList:  list.New(),
	}
}

// Store inserts or replaces an entry. When the tier is at capacity the
// least-recently-used entries are evicted first, one at a time.
func (m *MemoryTier) Store(key types.CacheKey, entry *types.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, exists := m.items[key]; exists {
		m.stats.SizeBytes += entry.SizeBytes - item.entry.SizeBytes
		item.entry = entry
		m.evictList.MoveToFront(item.element)
		return nil
	}

	for len(m.items) >= m.maxEntries {
		m.evictOldest()
	}

	element := m.evictList.PushFront(key)
	m.items[key] = &memoryItem{entry: entry, element: element}
	m.stats.SizeBytes += entry.SizeBytes
	return nil
}

// Retrieve returns the entry for key and marks it most recently used.
// Expired entries are treated as misses and dropped.
func (m *MemoryTier) Retrieve(key types.CacheKey) (*types.CacheEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.items[key]
	if !exists {
		m.stats.Misses++
		return nil, false, nil
	}

	if m.isExpired(item.entry) {
		m.removeItem(key, item)
		m.stats.Misses++
		return nil, false, nil
	}

	item.entry.LastAccess = time.Now()
	m.evictList.MoveToFront(item.element)
	m.stats.Hits++
	return item.entry, true, nil
}

// Remove deletes one entry if present.
func (m *MemoryTier) Remove(key types.CacheKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, exists := m.items[key]; exists {
		m.removeItem(key, item)
	}
	return nil
}

// RemoveAll deletes every entry belonging to the given identity, across all
// analysis kinds and variants.
func (m *MemoryTier) RemoveAll(identity types.MediaIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, item := range m.items {
		if key.Identity == identity {
			m.removeItem(key, item)
		}
	}
	return nil
}

// Clear drops every entry.
func (m *MemoryTier) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[types.CacheKey]*memoryItem)
	m.evictList.Init()
	m.stats.SizeBytes = 0
	return nil
}

// Contains reports whether key is present and not expired. It does not touch
// recency order or statistics.
func (m *MemoryTier) Contains(key types.CacheKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.items[key]
	return exists && !m.isExpired(item.entry)
}

// Statistics returns a snapshot of the tier counters.
func (m *MemoryTier) Statistics() types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Count = len(m.items)
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// SweepExpired proactively removes entries older than the max age and
// returns how many were dropped.
func (m *MemoryTier) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxAge <= 0 {
		return 0
	}

	removed := 0
	for key, item := range m.items {
		if m.isExpired(item.entry) {
			m.removeItem(key, item)
			removed++
		}
	}
	return removed
}

func (m *MemoryTier) isExpired(entry *types.CacheEntry) bool {
	if m.maxAge <= 0 {
		return false
	}
	return time.Since(entry.CreatedAt) > m.maxAge
}

func (m *MemoryTier) removeItem(key types.CacheKey, item *memoryItem) {
	m.evictList.Remove(item.element)
	delete(m.items, key)
	m.stats.SizeBytes -= item.entry.SizeBytes
}

// evictOldest drops the least-recently-used entry. Only capacity-driven
// removals count as evictions; explicit removes and expiry do not.
func (m *MemoryTier) evictOldest() {
	element := m.evictList.Back()
	if element == nil {
		return
	}
	key := element.Value.(types.CacheKey)
	if item, exists := m.items[key]; exists {
		m.removeItem(key, item)
		m.stats.Evictions++
	} else {
		m.evictList.Remove(element)
	}
}
