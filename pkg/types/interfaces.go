package types

import "context"

// Cache is the operation surface shared by the cache tiers. Retrieve reports
// a miss as (nil, false, nil); errors are reserved for I/O and decode
// failures in the persistent tier.
type Cache interface {
	Store(key CacheKey, entry *CacheEntry) error
	Retrieve(key CacheKey) (*CacheEntry, bool, error)
	Remove(key CacheKey) error
	RemoveAll(identity MediaIdentity) error
	Clear() error
	Contains(key CacheKey) bool
	Statistics() CacheStats
}

// Decoder resolves a media identity into decodable streams and basic track
// facts. Implementations typically wrap an external demuxer/decoder; this
// package never decodes media itself.
type Decoder interface {
	// Probe returns duration, track presence and nominal rates for the asset.
	Probe(ctx context.Context, identity MediaIdentity) (*MediaInfo, error)

	// OpenAudio opens a sequential reader over the asset's audio samples.
	OpenAudio(ctx context.Context, identity MediaIdentity) (AudioReader, error)

	// OpenVideo opens a sequential reader over the asset's video frames.
	OpenVideo(ctx context.Context, identity MediaIdentity) (VideoReader, error)
}

// AudioReader yields sequential blocks of decoded, interleaved audio
// samples. Blocks always contain whole frames: len(block) is a multiple of
// Channels(). ReadBlock returns io.EOF once the stream is exhausted.
type AudioReader interface {
	SampleRate() int
	Channels() int

	// FullScale is the sample magnitude that represents 0 dBFS in the
	// source format (for example 32768 for signed 16-bit sources decoded
	// without rescaling). Peak normalization divides by this value.
	FullScale() float64

	ReadBlock(ctx context.Context) ([]float32, error)
	Close() error
}

// VideoFrame is the header of one decoded frame. FlagKnown is false when the
// container cannot report per-frame decodability; consumers then treat only
// the first frame of the stream as a keyframe.
type VideoFrame struct {
	Timestamp float64 // presentation time in seconds
	Keyframe  bool
	FlagKnown bool
}

// VideoReader yields sequential frame headers and supports coarse seeking.
// After Seek the next ReadFrame returns the first frame at or after the
// requested position. ReadFrame returns io.EOF once the stream is exhausted.
type VideoReader interface {
	ReadFrame(ctx context.Context) (*VideoFrame, error)
	Seek(ctx context.Context, seconds float64) error
	Close() error
}
