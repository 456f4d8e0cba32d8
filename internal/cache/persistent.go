package cache

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

const indexFileName = "index.json"

// PersistentTier is a durable, file-backed cache. Each entry lives in its
// own file named deterministically from its key; a single JSON index holds
// the per-entry metadata and is rewritten on every mutation. The index is
// loaded lazily on first use per process lifetime.
type PersistentTier struct {
	mu          sync.Mutex
	directory   string
	maxBytes    int64
	maxAge      time.Duration
	index       map[string]*indexRecord
	currentSize int64
	loaded      bool
	stats       types.CacheStats
	log         zerolog.Logger

	lock   *flock.Flock
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// indexRecord is the persisted metadata of one entry.
type indexRecord struct {
	Key        types.CacheKey `json:"key"`
	FileName   string         `json:"file_name"`
	CreatedAt  time.Time      `json:"created_at"`
	LastAccess time.Time      `json:"last_access"`
	SizeBytes  int64          `json:"size_bytes"`
}

// PersistentTierConfig configures the file-backed tier. MaxAge of zero
// disables age-based expiration; SweepInterval of zero disables the
// background sweep (SweepExpired can still be called on demand).
type PersistentTierConfig struct {
	Directory     string
	MaxBytes      int64
	MaxAge        time.Duration
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// NewPersistentTier creates the file-backed tier, taking exclusive ownership
// of the cache directory via a lock file. A second process (or a second tier
// instance) pointed at the same directory fails fast instead of corrupting
// the index.
func NewPersistentTier(config *PersistentTierConfig) (*PersistentTier, error) {
	if config == nil || config.Directory == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "persistent tier requires a directory")
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 512 * 1024 * 1024
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOFailure, "creating cache directory", err)
	}

	lock := flock.New(filepath.Join(config.Directory, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeIOFailure, "acquiring cache directory lock", err)
	}
	if !locked {
		return nil, errors.Newf(errors.ErrCodeDirectoryLocked, "cache directory %s is owned by another process", config.Directory)
	}

	t := &PersistentTier{
		directory: config.Directory,
		maxBytes:  config.MaxBytes,
		maxAge:    config.MaxAge,
		index:     make(map[string]*indexRecord),
		log:       config.Logger,
		lock:      lock,
		stopCh:    make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		t.wg.Add(1)
		go t.sweepLoop(config.SweepInterval)
	}

	return t, nil
}

// Store serializes the entry to its own file. Eviction down to the byte
// budget happens before the new write so the budget is never exceeded.
func (t *PersistentTier) Store(key types.CacheKey, entry *types.CacheEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New(errors.ErrCodeCacheClosed, "persistent tier is closed")
	}
	if err := t.ensureLoaded(); err != nil {
		return err
	}

	var expiresAt *time.Time
	if t.maxAge > 0 {
		exp := entry.CreatedAt.Add(t.maxAge)
		expiresAt = &exp
	}

	data, err := encodeEntry(entry, expiresAt)
	if err != nil {
		return err
	}

	// An entry larger than the whole budget can never fit; reject it before
	// touching the index so it cannot drain every other entry first.
	size := int64(len(data))
	if size > t.maxBytes {
		return errors.Newf(errors.ErrCodeCapacityExceeded,
			"entry %s (%d bytes) exceeds the cache byte budget (%d)", key.String(), size, t.maxBytes)
	}

	id := key.String()
	if old, exists := t.index[id]; exists {
		t.dropRecord(id, old)
	}

	for t.currentSize+size > t.maxBytes && len(t.index) > 0 {
		t.evictOldest()
	}

	fileName := entryFileName(key)
	path := filepath.Join(t.directory, fileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeIOFailure, "writing cache entry", err)
	}

	t.index[id] = &indexRecord{
		Key:        key,
		FileName:   fileName,
		CreatedAt:  entry.CreatedAt,
		LastAccess: time.Now(),
		SizeBytes:  size,
	}
	t.currentSize += size

	return t.saveIndex()
}

// Retrieve loads and decodes the entry for key. Index records whose backing
// file has gone missing self-heal: the stale record is purged and the access
// reported as a miss.
func (t *PersistentTier) Retrieve(key types.CacheKey) (*types.CacheEntry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false, errors.New(errors.ErrCodeCacheClosed, "persistent tier is closed")
	}
	if err := t.ensureLoaded(); err != nil {
		return nil, false, err
	}

	id := key.String()
	record, exists := t.index[id]
	if !exists {
		t.stats.Misses++
		return nil, false, nil
	}

	if t.isExpired(record) {
		t.dropRecord(id, record)
		_ = t.saveIndex()
		t.stats.Misses++
		return nil, false, nil
	}

	path := filepath.Join(t.directory, record.FileName)
	data, err := os.ReadFile(path) // #nosec G304 -- path derived from key hash inside cache dir
	if err != nil {
		if os.IsNotExist(err) {
			t.log.Warn().Str("key", id).Msg("cache index pointed at missing file, purging record")
			delete(t.index, id)
			t.currentSize -= record.SizeBytes
			_ = t.saveIndex()
			t.stats.Misses++
			return nil, false, nil
		}
		return nil, false, errors.Wrap(errors.ErrCodeIOFailure, "reading cache entry", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		// Undecodable or stale entries are purged and treated as misses.
		t.dropRecord(id, record)
		_ = t.saveIndex()
		t.stats.Misses++
		if errors.IsCode(err, errors.ErrCodeSerializationFailure) {
			return nil, false, nil
		}
		return nil, false, err
	}

	if entry.Kind != key.Kind {
		return nil, false, errors.Newf(errors.ErrCodeTypeMismatch,
			"cache entry for %s holds %s, requested %s", id, entry.Kind, key.Kind)
	}

	record.LastAccess = time.Now()
	t.stats.Hits++
	if err := t.saveIndex(); err != nil {
		t.log.Warn().Err(err).Msg("persisting access time update failed")
	}
	return entry, true, nil
}

// Remove deletes one entry and its backing file.
func (t *PersistentTier) Remove(key types.CacheKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(); err != nil {
		return err
	}

	id := key.String()
	if record, exists := t.index[id]; exists {
		t.dropRecord(id, record)
		return t.saveIndex()
	}
	return nil
}

// RemoveAll deletes every entry belonging to the given identity.
func (t *PersistentTier) RemoveAll(identity types.MediaIdentity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(); err != nil {
		return err
	}

	removed := false
	for id, record := range t.index {
		if record.Key.Identity == identity {
			t.dropRecord(id, record)
			removed = true
		}
	}
	if removed {
		return t.saveIndex()
	}
	return nil
}

// Clear deletes every entry and its backing file.
func (t *PersistentTier) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(); err != nil {
		return err
	}

	for id, record := range t.index {
		t.dropRecord(id, record)
	}
	return t.saveIndex()
}

// Contains reports whether key has a live index record. It does not verify
// the backing file; Retrieve self-heals if it has gone missing.
func (t *PersistentTier) Contains(key types.CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(); err != nil {
		return false
	}
	record, exists := t.index[key.String()]
	return exists && !t.isExpired(record)
}

// Statistics returns a snapshot of the tier counters.
func (t *PersistentTier) Statistics() types.CacheStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.stats
	stats.Count = len(t.index)
	stats.SizeBytes = t.currentSize
	stats.CapacityBytes = t.maxBytes
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// SweepExpired removes entries older than the max age and returns how many
// were dropped.
func (t *PersistentTier) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxAge <= 0 {
		return 0
	}
	if err := t.ensureLoaded(); err != nil {
		return 0
	}

	removed := 0
	for id, record := range t.index {
		if t.isExpired(record) {
			t.dropRecord(id, record)
			removed++
		}
	}
	if removed > 0 {
		if err := t.saveIndex(); err != nil {
			t.log.Warn().Err(err).Msg("persisting index after sweep failed")
		}
	}
	return removed
}

// Close stops the background sweep, flushes the index and releases the
// directory lock.
func (t *PersistentTier) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stopCh)

	var err error
	if t.loaded {
		err = t.saveIndex()
	}
	t.mu.Unlock()

	t.wg.Wait()

	if unlockErr := t.lock.Unlock(); unlockErr != nil && err == nil {
		err = errors.Wrap(errors.ErrCodeIOFailure, "releasing cache directory lock", unlockErr)
	}
	return err
}

// Helper methods. Callers hold t.mu.

func (t *PersistentTier) ensureLoaded() error {
	if t.loaded {
		return nil
	}
	if err := t.loadIndex(); err != nil {
		return err
	}
	t.loaded = true
	return nil
}

func (t *PersistentTier) loadIndex() error {
	path := filepath.Join(t.directory, indexFileName)
	data, err := os.ReadFile(path) // #nosec G304 -- fixed name inside cache dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no existing index, start fresh
		}
		return errors.Wrap(errors.ErrCodeIOFailure, "reading cache index", err)
	}

	var records map[string]*indexRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// A corrupt index is not fatal: entries are rebuilt as misses.
		t.log.Warn().Err(err).Msg("cache index unreadable, starting fresh")
		return nil
	}

	t.currentSize = 0
	for id, record := range records {
		if _, err := os.Stat(filepath.Join(t.directory, record.FileName)); os.IsNotExist(err) {
			continue // skip records whose file vanished
		}
		t.index[id] = record
		t.currentSize += record.SizeBytes
	}
	return nil
}

func (t *PersistentTier) saveIndex() error {
	path := filepath.Join(t.directory, indexFileName)
	tmpPath := path + ".tmp"

	data, err := json.Marshal(t.index)
	if err != nil {
		return errors.Wrap(errors.ErrCodeSerializationFailure, "encoding cache index", err)
	}
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeIOFailure, "writing cache index", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(errors.ErrCodeIOFailure, "replacing cache index", err)
	}
	return nil
}

func (t *PersistentTier) isExpired(record *indexRecord) bool {
	if t.maxAge <= 0 {
		return false
	}
	return time.Since(record.CreatedAt) > t.maxAge
}

// dropRecord removes one record and its backing file. It does not rewrite
// the index; callers batch that.
func (t *PersistentTier) dropRecord(id string, record *indexRecord) {
	_ = os.Remove(filepath.Join(t.directory, record.FileName))
	delete(t.index, id)
	t.currentSize -= record.SizeBytes
}

// evictOldest removes the entry with the minimum last-access timestamp and
// counts it as an eviction; removals for other reasons do not. The linear
// scan is fine here: the index holds hundreds to low thousands of records
// and the file removal dominates the cost.
func (t *PersistentTier) evictOldest() {
	var oldestID string
	var oldest *indexRecord

	for id, record := range t.index {
		if oldest == nil || record.LastAccess.Before(oldest.LastAccess) {
			oldestID = id
			oldest = record
		}
	}
	if oldest != nil {
		t.dropRecord(oldestID, oldest)
		t.stats.Evictions++
	}
}

func (t *PersistentTier) sweepLoop(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if n := t.SweepExpired(); n > 0 {
				t.log.Debug().Int("removed", n).Msg("expired cache entries swept")
			}
		}
	}
}

// entryFileName derives the deterministic file name for a key.
func entryFileName(key types.CacheKey) string {
	hash := sha256.Sum256([]byte(key.String()))
	return fmt.Sprintf("%x.mce", hash[:8])
}
