package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// SchemaVersion is bumped whenever the serialized artifact layout changes.
// Entries written under an older schema decode as stale and are purged.
const SchemaVersion = 1

const backendName = "mediacache-fs"

// errStaleEntry marks an on-disk entry that is no longer usable (old schema
// or past its embedded expiry). The persistent tier turns it into a miss.
var errStaleEntry = errors.New(errors.ErrCodeSerializationFailure, "stale cache entry")

// envelope is the on-disk framing of one cache entry. The payload is the
// lz4-compressed JSON encoding of the result value.
type envelope struct {
	Validity types.CacheValidity `json:"validity"`
	Kind     string              `json:"kind"`
	Payload  []byte              `json:"payload"`
}

// encodeEntry serializes an entry for the persistent tier.
func encodeEntry(entry *types.CacheEntry, expiresAt *time.Time) ([]byte, error) {
	raw, err := json.Marshal(entry.Value)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationFailure, "encoding cache value", err)
	}

	var compressed bytes.Buffer
	w := lz4.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationFailure, "compressing cache value", err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationFailure, "compressing cache value", err)
	}

	payload := compressed.Bytes()
	env := envelope{
		Validity: types.CacheValidity{
			SchemaVersion: SchemaVersion,
			Backend:       backendName,
			ContentHash:   payloadHash(payload),
			CreatedAt:     entry.CreatedAt,
			ExpiresAt:     expiresAt,
		},
		Kind:    entry.Kind.String(),
		Payload: payload,
	}

	data, err := json.Marshal(&env)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationFailure, "encoding cache envelope", err)
	}
	return data, nil
}

// decodeEntry deserializes an entry written by encodeEntry. Stale entries
// (schema drift, embedded expiry) return errStaleEntry.
func decodeEntry(data []byte) (*types.CacheEntry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationFailure, "decoding cache envelope", err)
	}

	if !env.Validity.IsUsable(time.Now(), SchemaVersion) {
		return nil, errStaleEntry
	}
	if env.Validity.ContentHash != "" && env.Validity.ContentHash != payloadHash(env.Payload) {
		return nil, errors.New(errors.ErrCodeSerializationFailure, "cache entry checksum mismatch")
	}

	kind, err := types.ParseAnalysisKind(env.Kind)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationFailure, "decoding cache envelope", err)
	}

	r := lz4.NewReader(bytes.NewReader(env.Payload))
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationFailure, "decompressing cache value", err)
	}

	value, size, err := decodeValue(kind, raw)
	if err != nil {
		return nil, err
	}

	return &types.CacheEntry{
		Value:      value,
		Kind:       kind,
		CreatedAt:  env.Validity.CreatedAt,
		LastAccess: time.Now(),
		SizeBytes:  size,
	}, nil
}

// payloadHash fingerprints the compressed payload so bit rot in the backing
// file surfaces as a purge-and-miss instead of a garbled result.
func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func decodeValue(kind types.AnalysisKind, raw []byte) (any, int64, error) {
	switch kind {
	case types.KindWaveform:
		var v types.WaveformResult
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, 0, errors.Wrap(errors.ErrCodeSerializationFailure, "decoding waveform result", err)
		}
		return &v, v.SizeBytes(), nil
	case types.KindPeak:
		var v types.PeakResult
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, 0, errors.Wrap(errors.ErrCodeSerializationFailure, "decoding peak result", err)
		}
		return &v, v.SizeBytes(), nil
	case types.KindKeyframeIndex:
		var v types.KeyframeResult
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, 0, errors.Wrap(errors.ErrCodeSerializationFailure, "decoding keyframe result", err)
		}
		return &v, v.SizeBytes(), nil
	default:
		return nil, 0, errors.Newf(errors.ErrCodeSerializationFailure, "no codec for analysis kind %s", kind)
	}
}
