package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

func newTestTier(t *testing.T, maxBytes int64) *PersistentTier {
	t.Helper()
	tier, err := NewPersistentTier(&PersistentTierConfig{
		Directory: t.TempDir(),
		MaxBytes:  maxBytes,
		MaxAge:    time.Hour,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewPersistentTier failed: %v", err)
	}
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestPersistentTierRoundTrip(t *testing.T) {
	tier := newTestTier(t, 1024*1024)

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	result := &types.PeakResult{WindowSize: 4410, Peaks: []float32{0.1, 0.9, 0.5}}
	entry := types.NewCacheEntry(result, types.KindPeak, result.SizeBytes())

	if err := tier.Store(key, entry); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, ok, err := tier.Retrieve(key)
	if err != nil || !ok {
		t.Fatalf("Retrieve: ok=%v err=%v", ok, err)
	}
	decoded, isPeak := got.Value.(*types.PeakResult)
	if !isPeak {
		t.Fatalf("expected *PeakResult, got %T", got.Value)
	}
	if decoded.WindowSize != result.WindowSize || len(decoded.Peaks) != len(result.Peaks) {
		t.Errorf("round-trip mismatch: %+v vs %+v", decoded, result)
	}
	for i := range result.Peaks {
		if decoded.Peaks[i] != result.Peaks[i] {
			t.Errorf("peak %d: got %f want %f", i, decoded.Peaks[i], result.Peaks[i])
		}
	}
}

func TestPersistentTierSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := &PersistentTierConfig{Directory: dir, MaxBytes: 1024 * 1024, Logger: zerolog.Nop()}

	tier, err := NewPersistentTier(cfg)
	if err != nil {
		t.Fatal(err)
	}

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindKeyframeIndex}
	result := &types.KeyframeResult{Timestamps: []float64{0, 2.5, 5.0}, FrameNumbers: []int64{0, 62, 125}}
	if err := tier.Store(key, types.NewCacheEntry(result, types.KindKeyframeIndex, result.SizeBytes())); err != nil {
		t.Fatal(err)
	}
	if err := tier.Close(); err != nil {
		t.Fatal(err)
	}

	// New process lifetime: lazy index reload.
	tier2, err := NewPersistentTier(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tier2.Close()

	got, ok, err := tier2.Retrieve(key)
	if err != nil || !ok {
		t.Fatalf("Retrieve after restart: ok=%v err=%v", ok, err)
	}
	decoded := got.Value.(*types.KeyframeResult)
	if len(decoded.Timestamps) != 3 || decoded.Timestamps[1] != 2.5 {
		t.Errorf("unexpected keyframe result after restart: %+v", decoded)
	}
}

func TestPersistentTierSelfHealsMissingFile(t *testing.T) {
	dir := t.TempDir()
	tier, err := NewPersistentTier(&PersistentTierConfig{Directory: dir, MaxBytes: 1024 * 1024, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	defer tier.Close()

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	result := &types.PeakResult{WindowSize: 100, Peaks: []float32{1}}
	if err := tier.Store(key, types.NewCacheEntry(result, types.KindPeak, result.SizeBytes())); err != nil {
		t.Fatal(err)
	}

	// Remove the backing file behind the tier's back.
	if err := os.Remove(filepath.Join(dir, entryFileName(key))); err != nil {
		t.Fatal(err)
	}

	_, ok, err := tier.Retrieve(key)
	if err != nil {
		t.Fatalf("self-heal should report a miss, not an error: %v", err)
	}
	if ok {
		t.Fatal("expected miss for missing backing file")
	}
	if tier.Contains(key) {
		t.Error("stale index record should have been purged")
	}
}

// The byte budget is restored by evicting least-recently-accessed entries
// before the new write lands.
func TestPersistentTierByteBudgetEviction(t *testing.T) {
	tier := newTestTier(t, 1024*1024)

	big := func(id string) types.CacheKey {
		key := types.CacheKey{Identity: types.MediaIdentity(id), Kind: types.KindWaveform}
		result := &types.WaveformResult{
			SamplesPerSecond: 100,
			Min:              make([]float32, 4096),
			Max:              make([]float32, 4096),
			Channels:         1,
		}
		for i := range result.Min {
			result.Min[i] = float32(i%17) * 0.01 // defeat trivial compression
			result.Max[i] = float32(i%23) * 0.01
		}
		if err := tier.Store(key, types.NewCacheEntry(result, types.KindWaveform, result.SizeBytes())); err != nil {
			t.Fatal(err)
		}
		return key
	}

	first := big("asset-0")
	stats := tier.Statistics()
	perEntry := stats.SizeBytes
	if perEntry == 0 {
		t.Fatal("expected non-zero entry size")
	}

	// Shrink the budget so only two entries fit, then insert until the first
	// must be evicted.
	tier.mu.Lock()
	tier.maxBytes = perEntry*2 + perEntry/2
	tier.mu.Unlock()

	big("asset-1")
	time.Sleep(2 * time.Millisecond) // ensure distinct access timestamps
	big("asset-2")

	if tier.Contains(first) {
		t.Error("oldest entry should have been evicted to restore the budget")
	}
	stats = tier.Statistics()
	if stats.SizeBytes > tier.maxBytes {
		t.Errorf("size %d exceeds budget %d", stats.SizeBytes, tier.maxBytes)
	}
	if stats.Evictions != 1 {
		t.Errorf("expected 1 budget eviction, got %d", stats.Evictions)
	}
}

// Explicit removes and expiry sweeps must not inflate the eviction counter;
// it tracks budget pressure only.
func TestPersistentTierRemoveDoesNotCountAsEviction(t *testing.T) {
	tier := newTestTier(t, 1024*1024)

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	result := &types.PeakResult{WindowSize: 100, Peaks: []float32{1}}
	if err := tier.Store(key, types.NewCacheEntry(result, types.KindPeak, result.SizeBytes())); err != nil {
		t.Fatal(err)
	}
	if err := tier.Remove(key); err != nil {
		t.Fatal(err)
	}
	if stats := tier.Statistics(); stats.Evictions != 0 {
		t.Errorf("explicit remove counted as eviction: %d", stats.Evictions)
	}
}

// An entry that encodes larger than the whole byte budget is rejected
// outright; it must neither land on disk nor evict anything that fits.
func TestPersistentTierRejectsOversizedEntry(t *testing.T) {
	tier := newTestTier(t, 2048)

	small := types.CacheKey{Identity: "asset-small", Kind: types.KindPeak}
	smallResult := &types.PeakResult{WindowSize: 100, Peaks: []float32{0.5}}
	if err := tier.Store(small, types.NewCacheEntry(smallResult, types.KindPeak, smallResult.SizeBytes())); err != nil {
		t.Fatal(err)
	}

	huge := types.CacheKey{Identity: "asset-huge", Kind: types.KindWaveform}
	hugeResult := &types.WaveformResult{
		SamplesPerSecond: 100,
		Min:              make([]float32, 4096),
		Max:              make([]float32, 4096),
		Channels:         1,
	}
	for i := range hugeResult.Min {
		hugeResult.Min[i] = float32(i%31) * 0.013 // defeat trivial compression
		hugeResult.Max[i] = float32(i%29) * 0.017
	}

	err := tier.Store(huge, types.NewCacheEntry(hugeResult, types.KindWaveform, hugeResult.SizeBytes()))
	if !errors.IsCode(err, errors.ErrCodeCapacityExceeded) {
		t.Fatalf("expected CAPACITY_EXCEEDED, got %v", err)
	}
	if tier.Contains(huge) {
		t.Error("oversized entry must not be stored")
	}
	if !tier.Contains(small) {
		t.Error("rejected store must not evict entries that fit")
	}
	if stats := tier.Statistics(); stats.SizeBytes > 2048 || stats.SizeBytes <= 0 {
		t.Errorf("size accounting off after rejection: %d", stats.SizeBytes)
	}
}

func TestPersistentTierPurgesCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	tier, err := NewPersistentTier(&PersistentTierConfig{Directory: dir, MaxBytes: 1024 * 1024, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	defer tier.Close()

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	result := &types.PeakResult{WindowSize: 100, Peaks: []float32{0.5}}
	if err := tier.Store(key, types.NewCacheEntry(result, types.KindPeak, result.SizeBytes())); err != nil {
		t.Fatal(err)
	}

	// Corrupt the backing file in place.
	path := filepath.Join(dir, entryFileName(key))
	if err := os.WriteFile(path, []byte(`{"validity":{"schema_version":1,"content_hash":"deadbeef"},"kind":"peak","payload":"Z2FyYmFnZQ=="}`), 0600); err != nil {
		t.Fatal(err)
	}

	_, ok, err := tier.Retrieve(key)
	if err != nil {
		t.Fatalf("corrupt entry should degrade to a miss, got error: %v", err)
	}
	if ok {
		t.Fatal("expected miss for corrupt entry")
	}
	if tier.Contains(key) {
		t.Error("corrupt record should have been purged")
	}
}

func TestPersistentTierTypeMismatch(t *testing.T) {
	tier := newTestTier(t, 1024*1024)

	// Two keys for the same identity, different kinds, share nothing; a
	// mismatch can only come from a corrupted mapping, so fake one by
	// storing under a key whose kind disagrees with the entry.
	key := types.CacheKey{Identity: "asset-1", Kind: types.KindWaveform}
	result := &types.PeakResult{WindowSize: 100, Peaks: []float32{1}}
	entry := types.NewCacheEntry(result, types.KindPeak, result.SizeBytes())
	if err := tier.Store(key, entry); err != nil {
		t.Fatal(err)
	}

	_, _, err := tier.Retrieve(key)
	if !errors.IsCode(err, errors.ErrCodeTypeMismatch) {
		t.Fatalf("expected TYPE_MISMATCH, got %v", err)
	}
}

func TestPersistentTierDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	cfg := &PersistentTierConfig{Directory: dir, MaxBytes: 1024, Logger: zerolog.Nop()}

	tier, err := NewPersistentTier(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer tier.Close()

	if _, err := NewPersistentTier(cfg); !errors.IsCode(err, errors.ErrCodeDirectoryLocked) {
		t.Fatalf("expected DIRECTORY_LOCKED, got %v", err)
	}
}

func TestPersistentTierSweepExpired(t *testing.T) {
	tier, err := NewPersistentTier(&PersistentTierConfig{
		Directory: t.TempDir(),
		MaxBytes:  1024 * 1024,
		MaxAge:    10 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tier.Close()

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	result := &types.PeakResult{WindowSize: 100, Peaks: []float32{1}}
	entry := types.NewCacheEntry(result, types.KindPeak, result.SizeBytes())
	entry.CreatedAt = time.Now().Add(-time.Minute)
	if err := tier.Store(key, entry); err != nil {
		t.Fatal(err)
	}

	if n := tier.SweepExpired(); n != 1 {
		t.Errorf("expected 1 swept entry, got %d", n)
	}
	if tier.Contains(key) {
		t.Error("swept entry should be gone")
	}
}
