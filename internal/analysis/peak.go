package analysis

import (
	"context"
	"io"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// PeakAnalyzer computes normalized per-window peak magnitudes from the audio
// track of an asset.
type PeakAnalyzer struct {
	decoder types.Decoder
}

// NewPeakAnalyzer creates a peak analyzer over the given decoder.
func NewPeakAnalyzer(decoder types.Decoder) *PeakAnalyzer {
	return &PeakAnalyzer{decoder: decoder}
}

// Analyze consumes the asset's audio stream and produces one peak value in
// [0, 1] per windowSamples samples, normalized to the source format's
// full-scale range. The final partial window is computed and appended even
// if shorter than the nominal window.
func (a *PeakAnalyzer) Analyze(ctx context.Context, identity types.MediaIdentity, windowSamples int, progress ProgressFunc) (*types.PeakResult, error) {
	info, err := a.decoder.Probe(ctx, identity)
	if err != nil {
		return nil, classifyStreamErr(ctx, err, "probing media")
	}
	if !info.HasAudio {
		return nil, errors.Newf(errors.ErrCodeNoApplicableTrack, "peak analysis requires an audio track (%s)", identity)
	}

	reader, err := a.decoder.OpenAudio(ctx, identity)
	if err != nil {
		return nil, classifyStreamErr(ctx, err, "opening audio stream")
	}
	defer reader.Close()

	channels := reader.Channels()
	if channels < 1 {
		channels = 1
	}
	fullScale := reader.FullScale()
	if fullScale <= 0 {
		fullScale = 1.0
	}

	if windowSamples < 1 {
		windowSamples = 1
	}

	totalSamples := int64(info.Duration.Seconds() * float64(reader.SampleRate()))
	every := reportEvery(totalSamples)

	var (
		peaks      []float32
		windowPeak float32
		inWindow   int
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
				return nil, errors.Wrap(errors.ErrCodeCancelled, "peak analysis cancelled", err)
			}
		}

		for i := 0; i+channels <= len(block); i += channels {
			s := block[i]
			if s < 0 {
				s = -s
			}
			if s > windowPeak {
				windowPeak = s
			}
			inWindow++
			if inWindow == windowSamples {
				peaks = append(peaks, normalizePeak(windowPeak, fullScale))
				windowPeak = 0
				inWindow = 0
			}
		}

		processed += int64(len(block) / channels)
		if progress != nil && totalSamples > 0 && processed-lastReport >= every {
			lastReport = processed
			progress(clampFraction(float64(processed) / float64(totalSamples)))
		}
	}

	if inWindow > 0 {
		peaks = append(peaks, normalizePeak(windowPeak, fullScale))
	}

	if progress != nil {
		progress(1.0)
	}

	return &types.PeakResult{
		WindowSize: windowSamples,
		Peaks:      peaks,
	}, nil
}

func normalizePeak(peak float32, fullScale float64) float32 {
	v := float64(peak) / fullScale
	if v > 1 {
		v = 1
	}
	return float32(v)
}
