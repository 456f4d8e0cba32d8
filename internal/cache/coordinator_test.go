package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

func newTestCoordinator(t *testing.T, policy Policy) *Coordinator {
	t.Helper()
	memory := NewMemoryTier(&MemoryTierConfig{MaxEntries: 32, MaxAge: time.Hour})
	persistent, err := NewPersistentTier(&PersistentTierConfig{
		Directory: t.TempDir(),
		MaxBytes:  1024 * 1024,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	coord := NewCoordinator(memory, persistent, policy, zerolog.Nop())
	t.Cleanup(func() { _ = coord.Close() })
	return coord
}

func peakEntry() (*types.PeakResult, *types.CacheEntry) {
	result := &types.PeakResult{WindowSize: 4410, Peaks: []float32{0.25, 0.75}}
	return result, types.NewCacheEntry(result, types.KindPeak, result.SizeBytes())
}

// Storing directly into the persistent tier and retrieving through the
// coordinator must count one persistent hit, then memory hits afterwards
// (promotion).
func TestCoordinatorPromotion(t *testing.T) {
	coord := newTestCoordinator(t, Policy{
		WritePersistent:        true,
		PromoteOnPersistentHit: true,
	})

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	_, entry := peakEntry()
	if err := coord.persistent.Store(key, entry); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := coord.Retrieve(key); err != nil || !ok {
		t.Fatalf("first retrieve: ok=%v err=%v", ok, err)
	}
	stats := coord.Statistics()
	if stats.PersistentHits != 1 || stats.MemoryHits != 0 {
		t.Fatalf("expected persistent hit first, got memory=%d persistent=%d", stats.MemoryHits, stats.PersistentHits)
	}

	for i := 0; i < 3; i++ {
		if _, ok, err := coord.Retrieve(key); err != nil || !ok {
			t.Fatalf("retrieve %d: ok=%v err=%v", i, ok, err)
		}
	}
	stats = coord.Statistics()
	if stats.MemoryHits != 3 {
		t.Errorf("expected 3 memory hits after promotion, got %d", stats.MemoryHits)
	}
	if stats.PersistentHits != 1 {
		t.Errorf("expected persistent hits to stay at 1, got %d", stats.PersistentHits)
	}
}

func TestCoordinatorNoPromotionWhenDisabled(t *testing.T) {
	coord := newTestCoordinator(t, Policy{
		WritePersistent:        true,
		PromoteOnPersistentHit: false,
	})

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	_, entry := peakEntry()
	if err := coord.persistent.Store(key, entry); err != nil {
		t.Fatal(err)
	}

	coord.Retrieve(key)
	coord.Retrieve(key)

	stats := coord.Statistics()
	if stats.PersistentHits != 2 || stats.MemoryHits != 0 {
		t.Errorf("expected both hits from persistent tier, got memory=%d persistent=%d", stats.MemoryHits, stats.PersistentHits)
	}
}

func TestCoordinatorWriteThrough(t *testing.T) {
	coord := newTestCoordinator(t, Policy{WritePersistent: true})

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	_, entry := peakEntry()
	if err := coord.Store(key, entry); err != nil {
		t.Fatal(err)
	}

	if !coord.memory.Contains(key) {
		t.Error("store should write memory tier synchronously")
	}
	if !coord.persistent.Contains(key) {
		t.Error("store should write persistent tier under write-through policy")
	}
}

func TestCoordinatorAsyncWritesBecomeVisible(t *testing.T) {
	coord := newTestCoordinator(t, Policy{
		WritePersistent:       true,
		AsyncPersistentWrites: true,
		AsyncWriteWorkers:     1,
	})

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	_, entry := peakEntry()
	if err := coord.Store(key, entry); err != nil {
		t.Fatal(err)
	}

	// Memory is visible immediately.
	if !coord.memory.Contains(key) {
		t.Error("memory tier write must be synchronous")
	}

	// Close drains the worker pool, after which the persistent copy must
	// exist. The persistent tier's index stays readable through Contains.
	if err := coord.Close(); err != nil {
		t.Fatal(err)
	}
	if !coord.persistent.Contains(key) {
		t.Error("async persistent write did not land after drain")
	}
}

func TestCoordinatorStoreAfterCloseFails(t *testing.T) {
	coord := newTestCoordinator(t, Policy{
		WritePersistent:       true,
		AsyncPersistentWrites: true,
		AsyncWriteWorkers:     1,
	})

	if err := coord.Close(); err != nil {
		t.Fatal(err)
	}
	if err := coord.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	_, entry := peakEntry()
	err := coord.Store(key, entry)
	if !errors.IsCode(err, errors.ErrCodeCacheClosed) {
		t.Fatalf("expected CACHE_CLOSED, got %v", err)
	}
	if coord.memory.Contains(key) {
		t.Error("store after close must not touch the memory tier")
	}
}

func TestCoordinatorMissCounting(t *testing.T) {
	coord := newTestCoordinator(t, Policy{WritePersistent: true})

	if _, ok, _ := coord.Retrieve(types.CacheKey{Identity: "ghost", Kind: types.KindPeak}); ok {
		t.Fatal("expected miss")
	}
	stats := coord.Statistics()
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.HitRate != 0 {
		t.Errorf("expected zero hit rate, got %f", stats.HitRate)
	}
}

func TestCoordinatorRemoveAllCascades(t *testing.T) {
	coord := newTestCoordinator(t, Policy{WritePersistent: true})

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	other := types.CacheKey{Identity: "asset-2", Kind: types.KindPeak}
	_, entry := peakEntry()
	_, entry2 := peakEntry()
	coord.Store(key, entry)
	coord.Store(other, entry2)

	if err := coord.RemoveAll("asset-1"); err != nil {
		t.Fatal(err)
	}
	if coord.Contains(key) {
		t.Error("asset-1 should be removed from both tiers")
	}
	if !coord.Contains(other) {
		t.Error("asset-2 should survive")
	}
}

func TestCoordinatorWarmUp(t *testing.T) {
	coord := newTestCoordinator(t, Policy{WritePersistent: true, PromoteOnPersistentHit: true})

	key := types.CacheKey{Identity: "asset-1", Kind: types.KindPeak}
	_, entry := peakEntry()
	if err := coord.persistent.Store(key, entry); err != nil {
		t.Fatal(err)
	}

	missing := types.CacheKey{Identity: "ghost", Kind: types.KindPeak}
	if err := coord.WarmUp([]types.CacheKey{key, missing}); err != nil {
		t.Fatal(err)
	}

	if !coord.memory.Contains(key) {
		t.Error("warm-up should populate the memory tier")
	}
	if coord.memory.Contains(missing) {
		t.Error("warm-up must skip keys without persistent entries")
	}
}
