package analysis

import (
	"sync"

	"github.com/mediacache/mediacache/pkg/types"
)

// ProgressAggregator combines the progress of parallel sub-analyses into one
// weighted fraction. Weights are fixed at construction and renormalized over
// the subset of kinds actually running; every sub-update recomputes and
// emits the combined value.
type ProgressAggregator struct {
	mu        sync.Mutex
	weights   map[types.AnalysisKind]float64
	fractions map[types.AnalysisKind]float64
	emit      ProgressFunc
}

// NewProgressAggregator builds an aggregator for the given running kinds.
// Kinds with zero or missing weight still run but contribute nothing to the
// combined fraction unless they are the only participants, in which case
// they share the weight equally.
func NewProgressAggregator(weights map[types.AnalysisKind]float64, running types.AnalysisKindSet, emit ProgressFunc) *ProgressAggregator {
	normalized := make(map[types.AnalysisKind]float64, len(running))

	var sum float64
	for kind := range running {
		w := weights[kind]
		if w < 0 {
			w = 0
		}
		normalized[kind] = w
		sum += w
	}

	if sum <= 0 {
		// All-zero weights: fall back to equal shares.
		for kind := range normalized {
			normalized[kind] = 1
		}
		sum = float64(len(normalized))
	}
	for kind, w := range normalized {
		normalized[kind] = w / sum
	}

	return &ProgressAggregator{
		weights:   normalized,
		fractions: make(map[types.AnalysisKind]float64, len(normalized)),
		emit:      emit,
	}
}

// Update records the latest fraction for one sub-analysis and emits the
// recomputed combined fraction.
func (p *ProgressAggregator) Update(kind types.AnalysisKind, fraction float64) {
	p.mu.Lock()
	if _, ok := p.weights[kind]; !ok {
		p.mu.Unlock()
		return
	}
	p.fractions[kind] = clampFraction(fraction)

	var combined float64
	for k, w := range p.weights {
		combined += w * p.fractions[k]
	}
	p.mu.Unlock()

	if p.emit != nil {
		p.emit(clampFraction(combined))
	}
}

// Combined returns the current weighted fraction without emitting.
func (p *ProgressAggregator) Combined() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var combined float64
	for k, w := range p.weights {
		combined += w * p.fractions[k]
	}
	return clampFraction(combined)
}
