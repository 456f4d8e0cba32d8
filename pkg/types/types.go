package types

import (
	"fmt"
	"time"
)

// MediaIdentity is an opaque, stable identifier for one media asset. It is
// independent of the asset's current file path so cached artifacts survive
// file moves and renames.
type MediaIdentity string

// AnalysisKind enumerates the derived artifacts the system can compute and
// cache for a media asset.
type AnalysisKind int

const (
	KindWaveform AnalysisKind = iota
	KindPeak
	KindKeyframeIndex
	KindThumbnailIndex
)

// String returns the stable name of the analysis kind. The name is used in
// cache file naming and serialized envelopes, so it must not change between
// releases.
func (k AnalysisKind) String() string {
	switch k {
	case KindWaveform:
		return "waveform"
	case KindPeak:
		return "peak"
	case KindKeyframeIndex:
		return "keyframe_index"
	case KindThumbnailIndex:
		return "thumbnail_index"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseAnalysisKind converts a stable kind name back to its AnalysisKind.
func ParseAnalysisKind(s string) (AnalysisKind, error) {
	switch s {
	case "waveform":
		return KindWaveform, nil
	case "peak":
		return KindPeak, nil
	case "keyframe_index":
		return KindKeyframeIndex, nil
	case "thumbnail_index":
		return KindThumbnailIndex, nil
	default:
		return 0, fmt.Errorf("unknown analysis kind %q", s)
	}
}

// AnalysisKindSet is a set over AnalysisKind used to select which analyses
// to run in a batch request.
type AnalysisKindSet map[AnalysisKind]struct{}

// NewAnalysisKindSet builds a set from the given kinds.
func NewAnalysisKindSet(kinds ...AnalysisKind) AnalysisKindSet {
	s := make(AnalysisKindSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// AllAnalysisKinds returns a set containing every kind with an analyzer.
func AllAnalysisKinds() AnalysisKindSet {
	return NewAnalysisKindSet(KindWaveform, KindPeak, KindKeyframeIndex)
}

// Contains reports whether k is in the set. A nil set contains nothing.
func (s AnalysisKindSet) Contains(k AnalysisKind) bool {
	_, ok := s[k]
	return ok
}

// Add inserts k into the set.
func (s AnalysisKindSet) Add(k AnalysisKind) {
	s[k] = struct{}{}
}

// CacheKey uniquely addresses one cached artifact.
type CacheKey struct {
	Identity MediaIdentity `json:"identity"`
	Kind     AnalysisKind  `json:"kind"`
	Variant  string        `json:"variant,omitempty"`
}

// String returns the canonical form of the key. It is stable and is the
// input to cache file name derivation.
func (k CacheKey) String() string {
	if k.Variant == "" {
		return fmt.Sprintf("%s/%s", k.Identity, k.Kind)
	}
	return fmt.Sprintf("%s/%s/%s", k.Identity, k.Kind, k.Variant)
}

// WaveformResult holds per-window minimum and maximum amplitudes for one
// representative channel. Min and Max are parallel and equal in length.
type WaveformResult struct {
	SamplesPerSecond int       `json:"samples_per_second"`
	Min              []float32 `json:"min"`
	Max              []float32 `json:"max"`
	Channels         int       `json:"channels"`
}

// SizeBytes estimates the in-memory footprint of the result.
func (r *WaveformResult) SizeBytes() int64 {
	return int64(len(r.Min)+len(r.Max))*4 + 16
}

// PeakResult holds one normalized peak magnitude (0.0-1.0) per window of
// WindowSize samples. The final window may cover fewer samples.
type PeakResult struct {
	WindowSize int       `json:"window_size"`
	Peaks      []float32 `json:"peaks"`
}

// SizeBytes estimates the in-memory footprint of the result.
func (r *PeakResult) SizeBytes() int64 {
	return int64(len(r.Peaks))*4 + 8
}

// KeyframeResult holds the ordered keyframe timestamps of a video track in
// seconds. FrameNumbers, when present, is parallel to Timestamps; in sampled
// mode the numbers are estimates derived from the nominal frame rate.
type KeyframeResult struct {
	Timestamps   []float64 `json:"timestamps"`
	FrameNumbers []int64   `json:"frame_numbers,omitempty"`
}

// SizeBytes estimates the in-memory footprint of the result.
func (r *KeyframeResult) SizeBytes() int64 {
	return int64(len(r.Timestamps))*8 + int64(len(r.FrameNumbers))*8
}

// CacheEntry is the unit stored by the cache tiers.
type CacheEntry struct {
	Value      any
	Kind       AnalysisKind
	CreatedAt  time.Time
	LastAccess time.Time
	SizeBytes  int64
}

// NewCacheEntry wraps a result value for storage. The size estimate is used
// for byte-budget accounting in the persistent tier.
func NewCacheEntry(value any, kind AnalysisKind, sizeBytes int64) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Value:      value,
		Kind:       kind,
		CreatedAt:  now,
		LastAccess: now,
		SizeBytes:  sizeBytes,
	}
}

// CacheValidity describes whether a stored artifact is still usable.
type CacheValidity struct {
	SchemaVersion int        `json:"schema_version"`
	Backend       string     `json:"backend"`
	ContentHash   string     `json:"content_hash,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// IsUsable reports whether the artifact matches the expected schema version
// and has not expired.
func (v CacheValidity) IsUsable(now time.Time, schemaVersion int) bool {
	if v.SchemaVersion != schemaVersion {
		return false
	}
	if v.ExpiresAt != nil && now.After(*v.ExpiresAt) {
		return false
	}
	return true
}

// CacheStats represents per-tier cache performance statistics.
type CacheStats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Count         int     `json:"count"`
	SizeBytes     int64   `json:"size_bytes"`
	CapacityBytes int64   `json:"capacity_bytes"`
	HitRate       float64 `json:"hit_rate"`
}

// CoordinatorStats combines the tier statistics with the coordinator's own
// hit attribution counters.
type CoordinatorStats struct {
	MemoryHits     uint64     `json:"memory_hits"`
	PersistentHits uint64     `json:"persistent_hits"`
	Misses         uint64     `json:"misses"`
	HitRate        float64    `json:"hit_rate"`
	Memory         CacheStats `json:"memory"`
	Persistent     CacheStats `json:"persistent"`
}

// MediaInfo holds the basic facts about a media asset that gate which
// analyses apply and parameterize the windowing math.
type MediaInfo struct {
	Duration   time.Duration `json:"duration"`
	HasAudio   bool          `json:"has_audio"`
	HasVideo   bool          `json:"has_video"`
	SampleRate int           `json:"sample_rate"`
	Channels   int           `json:"channels"`
	FrameRate  float64       `json:"frame_rate"`
}
