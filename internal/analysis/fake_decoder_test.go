package analysis

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediacache/mediacache/pkg/types"
)

// fakeDecoder synthesizes deterministic audio and video streams. The audio
// stream repeats a constant first-channel amplitude so window reductions have
// exact expected values; the video stream replays a prebuilt frame list.
type fakeDecoder struct {
	info     types.MediaInfo
	probeErr error

	// Audio stream shape.
	amplitude   float32
	secondChan  float32
	fullScale   float64
	totalFrames int
	blockFrames int
	readErr     error // returned by the first ReadBlock when set

	// gate, when non-nil, blocks the first ReadBlock until closed (or the
	// context is cancelled). started is closed as soon as a reader reaches
	// that blocking point.
	gate    chan struct{}
	started chan struct{}
	once    sync.Once

	frames []types.VideoFrame

	audioOpens atomic.Int64
	videoOpens atomic.Int64
}

func newFakeDecoder(info types.MediaInfo) *fakeDecoder {
	return &fakeDecoder{
		info:        info,
		amplitude:   0.25,
		fullScale:   1.0,
		totalFrames: 48000,
		blockFrames: 1024,
		started:     make(chan struct{}),
	}
}

func (d *fakeDecoder) Probe(ctx context.Context, identity types.MediaIdentity) (*types.MediaInfo, error) {
	if d.probeErr != nil {
		return nil, d.probeErr
	}
	info := d.info
	return &info, nil
}

func (d *fakeDecoder) OpenAudio(ctx context.Context, identity types.MediaIdentity) (types.AudioReader, error) {
	d.audioOpens.Add(1)
	return &fakeAudioReader{d: d, remaining: d.totalFrames}, nil
}

func (d *fakeDecoder) OpenVideo(ctx context.Context, identity types.MediaIdentity) (types.VideoReader, error) {
	d.videoOpens.Add(1)
	return &fakeVideoReader{frames: d.frames}, nil
}

func (d *fakeDecoder) markStarted() {
	d.once.Do(func() { close(d.started) })
}

type fakeAudioReader struct {
	d         *fakeDecoder
	remaining int
	first     bool
}

func (r *fakeAudioReader) SampleRate() int { return r.d.info.SampleRate }

func (r *fakeAudioReader) Channels() int {
	if r.d.info.Channels < 1 {
		return 1
	}
	return r.d.info.Channels
}

func (r *fakeAudioReader) FullScale() float64 { return r.d.fullScale }

func (r *fakeAudioReader) ReadBlock(ctx context.Context) ([]float32, error) {
	if !r.first {
		r.first = true
		r.d.markStarted()
		if r.d.gate != nil {
			select {
			case <-r.d.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if r.d.readErr != nil {
			return nil, r.d.readErr
		}
	}
	if r.remaining <= 0 {
		return nil, io.EOF
	}

	frames := r.d.blockFrames
	if frames > r.remaining {
		frames = r.remaining
	}
	r.remaining -= frames

	channels := r.Channels()
	block := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		block[i*channels] = r.d.amplitude
		for c := 1; c < channels; c++ {
			block[i*channels+c] = r.d.secondChan
		}
	}
	return block, nil
}

func (r *fakeAudioReader) Close() error { return nil }

type fakeVideoReader struct {
	frames []types.VideoFrame
	pos    int
}

func (r *fakeVideoReader) ReadFrame(ctx context.Context) (*types.VideoFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.pos >= len(r.frames) {
		return nil, io.EOF
	}
	frame := r.frames[r.pos]
	r.pos++
	return &frame, nil
}

func (r *fakeVideoReader) Seek(ctx context.Context, seconds float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i, frame := range r.frames {
		if frame.Timestamp >= seconds {
			r.pos = i
			return nil
		}
	}
	r.pos = len(r.frames)
	return nil
}

func (r *fakeVideoReader) Close() error { return nil }

// makeFrames builds a constant-rate frame list with a keyframe every keyEvery
// frames. keyEvery <= 0 marks no frame as a keyframe.
func makeFrames(duration time.Duration, fps float64, keyEvery int, flagKnown bool) []types.VideoFrame {
	total := int(duration.Seconds() * fps)
	frames := make([]types.VideoFrame, 0, total)
	for i := 0; i < total; i++ {
		key := keyEvery > 0 && i%keyEvery == 0
		frames = append(frames, types.VideoFrame{
			Timestamp: float64(i) / fps,
			Keyframe:  key,
			FlagKnown: flagKnown,
		})
	}
	return frames
}

func audioInfo(duration time.Duration, sampleRate, channels int) types.MediaInfo {
	return types.MediaInfo{
		Duration:   duration,
		HasAudio:   true,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

func videoInfo(duration time.Duration, fps float64) types.MediaInfo {
	return types.MediaInfo{
		Duration:  duration,
		HasVideo:  true,
		FrameRate: fps,
	}
}
