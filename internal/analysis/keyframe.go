package analysis

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// KeyframeAnalyzer builds an index of keyframe positions from the video
// track of an asset. It uses a hybrid duration-based strategy: short assets
// get an exhaustive per-frame scan; long assets are sampled at fixed seek
// intervals, approximating the nearest keyframe at each point.
type KeyframeAnalyzer struct {
	decoder types.Decoder
}

// NewKeyframeAnalyzer creates a keyframe analyzer over the given decoder.
func NewKeyframeAnalyzer(decoder types.Decoder) *KeyframeAnalyzer {
	return &KeyframeAnalyzer{decoder: decoder}
}

// Analyze produces the keyframe index. scanThreshold selects the strategy;
// sampleInterval is the seek stride in sampled mode.
func (a *KeyframeAnalyzer) Analyze(ctx context.Context, identity types.MediaIdentity, scanThreshold, sampleInterval time.Duration, progress ProgressFunc) (*types.KeyframeResult, error) {
	info, err := a.decoder.Probe(ctx, identity)
	if err != nil {
		return nil, classifyStreamErr(ctx, err, "probing media")
	}
	if !info.HasVideo {
		return nil, errors.Newf(errors.ErrCodeNoApplicableTrack, "keyframe indexing requires a video track (%s)", identity)
	}

	reader, err := a.decoder.OpenVideo(ctx, identity)
	if err != nil {
		return nil, classifyStreamErr(ctx, err, "opening video stream")
	}
	defer reader.Close()

	var result *types.KeyframeResult
	if info.Duration <= scanThreshold {
		result, err = a.scanAll(ctx, reader, info, progress)
	} else {
		result, err = a.sample(ctx, reader, info, sampleInterval, progress)
	}
	if err != nil {
		return nil, err
	}

	if progress != nil {
		progress(1.0)
	}
	return result, nil
}

// scanAll reads every frame and records the ones flagged independently
// decodable. When the container cannot report the flag, only the first frame
// of the stream is treated as a keyframe.
func (a *KeyframeAnalyzer) scanAll(ctx context.Context, reader types.VideoReader, info *types.MediaInfo, progress ProgressFunc) (*types.KeyframeResult, error) {
	duration := info.Duration.Seconds()

	var (
		timestamps []float64
		frames     []int64
		frameIdx   int64
		lastReport float64
	)

	for {
		frame, err := reader.ReadFrame(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, classifyStreamErr(ctx, err, "reading video frame")
		}

		if frameIdx%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(errors.ErrCodeCancelled, "keyframe scan cancelled", err)
			}
		}

		isKey := frame.Keyframe
		if !frame.FlagKnown {
			isKey = frameIdx == 0
		}
		if isKey {
			timestamps = append(timestamps, frame.Timestamp)
			frames = append(frames, frameIdx)
		}

		if progress != nil && duration > 0 && frame.Timestamp-lastReport >= duration/progressUpdates {
			lastReport = frame.Timestamp
			progress(clampFraction(frame.Timestamp / duration))
		}
		frameIdx++
	}

	return &types.KeyframeResult{Timestamps: timestamps, FrameNumbers: frames}, nil
}

// sample seeks at fixed intervals and records the first frame at or after
// each point, skipping near-duplicates. Frame numbers are estimated from the
// nominal frame rate rather than read exactly.
func (a *KeyframeAnalyzer) sample(ctx context.Context, reader types.VideoReader, info *types.MediaInfo, interval time.Duration, progress ProgressFunc) (*types.KeyframeResult, error) {
	duration := info.Duration.Seconds()
	step := interval.Seconds()
	if step <= 0 {
		step = 2.0
	}

	var (
		timestamps []float64
		frames     []int64
	)
	lastRecorded := math.Inf(-1)

	for pos := 0.0; pos <= duration; pos += step {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeCancelled, "keyframe sampling cancelled", err)
		}

		if err := reader.Seek(ctx, pos); err != nil {
			return nil, classifyStreamErr(ctx, err, "seeking video stream")
		}
		frame, err := reader.ReadFrame(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, classifyStreamErr(ctx, err, "reading video frame")
		}

		if frame.Timestamp-lastRecorded < keyframeDedupeWindow {
			continue
		}
		lastRecorded = frame.Timestamp

		timestamps = append(timestamps, frame.Timestamp)
		frames = append(frames, int64(math.Round(frame.Timestamp*info.FrameRate)))

		if progress != nil && duration > 0 {
			progress(clampFraction(pos / duration))
		}
	}

	return &types.KeyframeResult{Timestamps: timestamps, FrameNumbers: frames}, nil
}
