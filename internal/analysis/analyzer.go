package analysis

import (
	"time"
)

// ProgressFunc receives completion fractions in [0, 1]. Callbacks must be
// cheap; analyzers throttle how often they fire but may call from their own
// goroutine.
type ProgressFunc func(fraction float64)

// Params carries per-request analyzer options. Zero values fall back to the
// configured defaults.
type Params struct {
	// SamplesPerSecond is the waveform resolution.
	SamplesPerSecond int

	// PeakWindowSamples is the peak window length in samples.
	PeakWindowSamples int

	// KeyframeScanThreshold switches keyframe indexing from the exhaustive
	// scan to the sampled strategy for longer assets.
	KeyframeScanThreshold time.Duration

	// KeyframeSampleInterval is the seek stride in sampled mode.
	KeyframeSampleInterval time.Duration

	// Variant distinguishes cache entries computed with non-default
	// parameters.
	Variant string
}

const (
	// progressUpdates is the approximate number of progress callbacks per
	// full analysis run. Reporting per window would dominate the work for
	// short windows.
	progressUpdates = 50

	// cancelCheckInterval is how many blocks/frames pass between
	// cancellation checks. Coarse on purpose: slightly delayed cancellation
	// in exchange for not polling the context per sample.
	cancelCheckInterval = 10

	// batchMinLen is the minimum window-aligned run the batched min/max
	// reduction accepts; shorter runs go through the scalar path.
	batchMinLen = 64

	// keyframeDedupeWindow suppresses sampled keyframes whose timestamps
	// are this close to the previously recorded one, in seconds.
	keyframeDedupeWindow = 0.1
)

// reportEvery computes the progress throttle stride for a run of totalUnits.
func reportEvery(totalUnits int64) int64 {
	every := totalUnits / progressUpdates
	if every < 1 {
		every = 1
	}
	return every
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
