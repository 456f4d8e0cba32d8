package analysis

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mediacache/mediacache/internal/cache"
	"github.com/mediacache/mediacache/internal/config"
	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// MetricsRecorder receives analysis timing and in-flight gauge updates.
type MetricsRecorder interface {
	ObserveAnalysis(kind string, duration time.Duration, err error)
	AddInFlight(delta int)
}

// AggregateResult carries whatever sub-analyses of a batch request
// succeeded. Fields for kinds that did not run (or failed) stay nil.
type AggregateResult struct {
	Waveform  *types.WaveformResult
	Peaks     *types.PeakResult
	Keyframes *types.KeyframeResult
}

// Orchestrator deduplicates concurrent analysis requests per (identity,
// kind, variant), runs applicable analyzers in parallel for batch requests,
// aggregates weighted progress, and writes results through the cache
// coordinator.
type Orchestrator struct {
	decoder  types.Decoder
	store    *cache.Coordinator
	cfg      config.AnalysisConfig
	log      zerolog.Logger
	recorder MetricsRecorder

	registry *inflightRegistry

	waveform *WaveformAnalyzer
	peak     *PeakAnalyzer
	keyframe *KeyframeAnalyzer
}

// NewOrchestrator wires the analyzers, cache and decoder together.
func NewOrchestrator(decoder types.Decoder, store *cache.Coordinator, cfg config.AnalysisConfig, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		decoder:  decoder,
		store:    store,
		cfg:      cfg,
		log:      log,
		registry: newInflightRegistry(),
		waveform: NewWaveformAnalyzer(decoder),
		peak:     NewPeakAnalyzer(decoder),
		keyframe: NewKeyframeAnalyzer(decoder),
	}
}

// SetMetricsRecorder attaches an optional metrics recorder.
func (o *Orchestrator) SetMetricsRecorder(r MetricsRecorder) {
	o.recorder = r
}

// Generate returns the artifact of the given kind for the identity, serving
// it from cache when possible. Concurrent requests for the same key share a
// single computation: the first request registers the in-flight task before
// any blocking point; later ones await its settled result. The registry
// entry is cleared on every exit path, so a retry after failure always
// starts fresh.
func (o *Orchestrator) Generate(ctx context.Context, kind types.AnalysisKind, identity types.MediaIdentity, params Params, progress ProgressFunc) (any, error) {
	params = o.withDefaults(params)
	key := types.CacheKey{Identity: identity, Kind: kind, Variant: params.Variant}

	entry, ok, err := o.store.Retrieve(key)
	if err != nil {
		o.log.Warn().Err(err).Str("key", key.String()).Msg("cache lookup failed, recomputing")
	} else if ok {
		if progress != nil {
			progress(1.0)
		}
		return entry.Value, nil
	}

	task, created := o.registry.lookupOrRegister(key)
	task.subscribe(progress)

	if created {
		if o.recorder != nil {
			o.recorder.AddInFlight(1)
		}
		go o.runTask(task, kind, identity, params)
	}

	return task.await(ctx)
}

// GenerateWaveform is a typed wrapper over Generate.
func (o *Orchestrator) GenerateWaveform(ctx context.Context, identity types.MediaIdentity, params Params, progress ProgressFunc) (*types.WaveformResult, error) {
	v, err := o.Generate(ctx, types.KindWaveform, identity, params, progress)
	if err != nil {
		return nil, err
	}
	r, ok := v.(*types.WaveformResult)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeTypeMismatch, "expected waveform result, got %T", v)
	}
	return r, nil
}

// GeneratePeaks is a typed wrapper over Generate.
func (o *Orchestrator) GeneratePeaks(ctx context.Context, identity types.MediaIdentity, params Params, progress ProgressFunc) (*types.PeakResult, error) {
	v, err := o.Generate(ctx, types.KindPeak, identity, params, progress)
	if err != nil {
		return nil, err
	}
	r, ok := v.(*types.PeakResult)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeTypeMismatch, "expected peak result, got %T", v)
	}
	return r, nil
}

// GenerateKeyframeIndex is a typed wrapper over Generate.
func (o *Orchestrator) GenerateKeyframeIndex(ctx context.Context, identity types.MediaIdentity, params Params, progress ProgressFunc) (*types.KeyframeResult, error) {
	v, err := o.Generate(ctx, types.KindKeyframeIndex, identity, params, progress)
	if err != nil {
		return nil, err
	}
	r, ok := v.(*types.KeyframeResult)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeTypeMismatch, "expected keyframe result, got %T", v)
	}
	return r, nil
}

// GenerateAll launches every applicable analyzer concurrently, gated by the
// asset's tracks and the caller's kind selection (nil selects all).
// Sub-analyses report into a weighted progress aggregator; the weights are
// renormalized over the subset actually running. A failing sub-analysis does
// not discard its siblings' results: whatever completed is already cached
// and returned in the aggregate, while the first error is surfaced.
func (o *Orchestrator) GenerateAll(ctx context.Context, identity types.MediaIdentity, kinds types.AnalysisKindSet, params Params, progress ProgressFunc) (*AggregateResult, error) {
	if kinds == nil {
		kinds = types.AllAnalysisKinds()
	}

	info, err := o.decoder.Probe(ctx, identity)
	if err != nil {
		return nil, classifyStreamErr(ctx, err, "probing media")
	}

	running := make(types.AnalysisKindSet)
	if info.HasAudio {
		if kinds.Contains(types.KindWaveform) {
			running.Add(types.KindWaveform)
		}
		if kinds.Contains(types.KindPeak) {
			running.Add(types.KindPeak)
		}
	}
	if info.HasVideo && kinds.Contains(types.KindKeyframeIndex) {
		running.Add(types.KindKeyframeIndex)
	}
	if len(running) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoApplicableTrack, "no requested analysis applies to %s", identity)
	}

	weights := map[types.AnalysisKind]float64{
		types.KindWaveform:      o.cfg.ProgressWeights.Waveform,
		types.KindPeak:          o.cfg.ProgressWeights.Peak,
		types.KindKeyframeIndex: o.cfg.ProgressWeights.Keyframe,
	}
	agg := NewProgressAggregator(weights, running, progress)

	var (
		result AggregateResult
		g      errgroup.Group
	)

	// A plain errgroup, deliberately without a shared cancel: one failing
	// sub-analysis must not convert its siblings into cancellations.
	if running.Contains(types.KindWaveform) {
		g.Go(func() error {
			r, err := o.GenerateWaveform(ctx, identity, params, func(f float64) { agg.Update(types.KindWaveform, f) })
			if err != nil {
				return err
			}
			result.Waveform = r
			return nil
		})
	}
	if running.Contains(types.KindPeak) {
		g.Go(func() error {
			r, err := o.GeneratePeaks(ctx, identity, params, func(f float64) { agg.Update(types.KindPeak, f) })
			if err != nil {
				return err
			}
			result.Peaks = r
			return nil
		})
	}
	if running.Contains(types.KindKeyframeIndex) {
		g.Go(func() error {
			r, err := o.GenerateKeyframeIndex(ctx, identity, params, func(f float64) { agg.Update(types.KindKeyframeIndex, f) })
			if err != nil {
				return err
			}
			result.Keyframes = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return &result, err
	}
	return &result, nil
}

// Cancel requests cooperative cancellation of every in-flight task for the
// identity. Unrelated tasks are unaffected.
func (o *Orchestrator) Cancel(identity types.MediaIdentity) {
	if n := o.registry.cancelIdentity(identity); n > 0 {
		o.log.Debug().Str("identity", string(identity)).Int("tasks", n).Msg("analysis cancellation requested")
	}
}

// CancelAll requests cancellation of every in-flight task.
func (o *Orchestrator) CancelAll() {
	if n := o.registry.cancelAll(); n > 0 {
		o.log.Debug().Int("tasks", n).Msg("cancelling all in-flight analyses")
	}
}

// IsAnalyzing reports whether any analysis for the identity is in flight.
func (o *Orchestrator) IsAnalyzing(identity types.MediaIdentity) bool {
	return o.registry.isAnalyzing(identity)
}

// runTask executes one computation on its own goroutine. Settlement wakes
// the waiters first, then the result is stored; the deferred registry
// removal runs last so late arrivals during the store still share this
// task's settled result instead of recomputing.
func (o *Orchestrator) runTask(task *inflightTask, kind types.AnalysisKind, identity types.MediaIdentity, params Params) {
	defer func() {
		o.registry.remove(task.key, task)
		if o.recorder != nil {
			o.recorder.AddInFlight(-1)
		}
	}()

	task.markRunning()
	start := time.Now()

	result, err := o.dispatch(task.ctx, kind, identity, params, task.report)

	if o.recorder != nil {
		o.recorder.ObserveAnalysis(kind.String(), time.Since(start), err)
	}

	task.settle(result, err)

	if err != nil {
		return
	}
	entry := entryFor(result, kind)
	if storeErr := o.store.Store(task.key, entry); storeErr != nil {
		o.log.Warn().Err(storeErr).Str("key", task.key.String()).Msg("caching analysis result failed")
	}
}

// dispatch is the only per-kind branch in the orchestrator; the dedup logic
// above is kind-agnostic.
func (o *Orchestrator) dispatch(ctx context.Context, kind types.AnalysisKind, identity types.MediaIdentity, params Params, progress ProgressFunc) (any, error) {
	switch kind {
	case types.KindWaveform:
		return o.waveform.Analyze(ctx, identity, params.SamplesPerSecond, progress)
	case types.KindPeak:
		return o.peak.Analyze(ctx, identity, params.PeakWindowSamples, progress)
	case types.KindKeyframeIndex:
		return o.keyframe.Analyze(ctx, identity, params.KeyframeScanThreshold, params.KeyframeSampleInterval, progress)
	default:
		return nil, errors.Newf(errors.ErrCodeUnsupportedKind, "no analyzer for kind %s", kind)
	}
}

func (o *Orchestrator) withDefaults(params Params) Params {
	if params.SamplesPerSecond <= 0 {
		params.SamplesPerSecond = o.cfg.WaveformSamplesPerSecond
	}
	if params.PeakWindowSamples <= 0 {
		params.PeakWindowSamples = o.cfg.PeakWindowSamples
	}
	if params.KeyframeScanThreshold <= 0 {
		params.KeyframeScanThreshold = o.cfg.KeyframeScanThreshold
	}
	if params.KeyframeSampleInterval <= 0 {
		params.KeyframeSampleInterval = o.cfg.KeyframeSampleInterval
	}
	return params
}

type sized interface {
	SizeBytes() int64
}

func entryFor(result any, kind types.AnalysisKind) *types.CacheEntry {
	var size int64
	if s, ok := result.(sized); ok {
		size = s.SizeBytes()
	}
	return types.NewCacheEntry(result, kind, size)
}
