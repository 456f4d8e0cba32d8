package analysis

import (
	"context"
	"io"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// WaveformAnalyzer computes per-window min/max amplitude envelopes from the
// audio track of an asset.
type WaveformAnalyzer struct {
	decoder types.Decoder
}

// NewWaveformAnalyzer creates a waveform analyzer over the given decoder.
func NewWaveformAnalyzer(decoder types.Decoder) *WaveformAnalyzer {
	return &WaveformAnalyzer{decoder: decoder}
}

// Analyze consumes the asset's audio stream and produces one (min, max)
// pair per window of sampleRate/samplesPerSecond samples. Only the first
// channel contributes; multi-channel input is stride-extracted. The final
// partial window is flushed if the stream ends mid-window.
func (a *WaveformAnalyzer) Analyze(ctx context.Context, identity types.MediaIdentity, samplesPerSecond int, progress ProgressFunc) (*types.WaveformResult, error) {
	info, err := a.decoder.Probe(ctx, identity)
	if err != nil {
		return nil, classifyStreamErr(ctx, err, "probing media")
	}
	if !info.HasAudio {
		return nil, errors.Newf(errors.ErrCodeNoApplicableTrack, "waveform analysis requires an audio track (%s)", identity)
	}

	reader, err := a.decoder.OpenAudio(ctx, identity)
	if err != nil {
		return nil, classifyStreamErr(ctx, err, "opening audio stream")
	}
	defer reader.Close()

	sampleRate := reader.SampleRate()
	channels := reader.Channels()
	if channels < 1 {
		channels = 1
	}

	window := sampleRate / samplesPerSecond
	if window < 1 {
		window = 1
	}

	totalSamples := int64(info.Duration.Seconds() * float64(sampleRate))
	every := reportEvery(totalSamples)

	var (
		mins, maxs []float32
		pending    []float32
		processed  int64
		lastReport int64
		blockCount int
	)

	for {
		block, err := reader.ReadBlock(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, classifyStreamErr(ctx, err, "reading audio block")
		}

		blockCount++
		if blockCount%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(errors.ErrCodeCancelled, "waveform analysis cancelled", err)
			}
		}

		pending = appendChannel(pending, block, channels)

		offset := 0
		for len(pending)-offset >= window {
			lo, hi := windowMinMax(pending[offset : offset+window])
			mins = append(mins, lo)
			maxs = append(maxs, hi)
			offset += window
		}
		pending = append(pending[:0], pending[offset:]...)

		processed += int64(len(block) / channels)
		if progress != nil && totalSamples > 0 && processed-lastReport >= every {
			lastReport = processed
			progress(clampFraction(float64(processed) / float64(totalSamples)))
		}
	}

	if len(pending) > 0 {
		lo, hi := windowMinMax(pending)
		mins = append(mins, lo)
		maxs = append(maxs, hi)
	}

	if progress != nil {
		progress(1.0)
	}

	return &types.WaveformResult{
		SamplesPerSecond: samplesPerSecond,
		Min:              mins,
		Max:              maxs,
		Channels:         channels,
	}, nil
}

// appendChannel extracts the first channel from an interleaved block. The
// stride starts at the block head because blocks carry whole frames.
func appendChannel(dst []float32, block []float32, channels int) []float32 {
	if channels == 1 {
		return append(dst, block...)
	}
	for i := 0; i+channels <= len(block); i += channels {
		dst = append(dst, block[i])
	}
	return dst
}

// windowMinMax reduces one window to its minimum and maximum sample value.
// Window-aligned runs of at least batchMinLen samples take the unrolled
// four-lane path, which vectorizes cleanly; anything shorter falls back to
// the scalar comparison loop.
func windowMinMax(samples []float32) (float32, float32) {
	if len(samples) >= batchMinLen {
		return batchMinMax(samples)
	}
	return scalarMinMax(samples)
}

func scalarMinMax(samples []float32) (float32, float32) {
	lo, hi := samples[0], samples[0]
	for _, s := range samples[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return lo, hi
}

func batchMinMax(samples []float32) (float32, float32) {
	lo0, lo1, lo2, lo3 := samples[0], samples[1], samples[2], samples[3]
	hi0, hi1, hi2, hi3 := samples[0], samples[1], samples[2], samples[3]

	n := len(samples) &^ 3
	for i := 4; i < n; i += 4 {
		if s := samples[i]; s < lo0 {
			lo0 = s
		} else if s > hi0 {
			hi0 = s
		}
		if s := samples[i+1]; s < lo1 {
			lo1 = s
		} else if s > hi1 {
			hi1 = s
		}
		if s := samples[i+2]; s < lo2 {
			lo2 = s
		} else if s > hi2 {
			hi2 = s
		}
		if s := samples[i+3]; s < lo3 {
			lo3 = s
		} else if s > hi3 {
			hi3 = s
		}
	}

	lo, hi := samples[n-1], samples[n-1]
	for _, s := range samples[n:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}

	if lo0 < lo {
		lo = lo0
	}
	if lo1 < lo {
		lo = lo1
	}
	if lo2 < lo {
		lo = lo2
	}
	if lo3 < lo {
		lo = lo3
	}
	if hi0 > hi {
		hi = hi0
	}
	if hi1 > hi {
		hi = hi1
	}
	if hi2 > hi {
		hi = hi2
	}
	if hi3 > hi {
		hi = hi3
	}
	return lo, hi
}

// classifyStreamErr wraps a decoder error, distinguishing cancellation from
// genuine decode failure.
func classifyStreamErr(ctx context.Context, err error, what string) error {
	if errors.IsCancelled(err) || ctx.Err() != nil {
		return errors.Wrap(errors.ErrCodeCancelled, what+" cancelled", err)
	}
	return errors.Wrap(errors.ErrCodeDecodeFailure, what+" failed", err)
}
