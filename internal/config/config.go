// Package config loads, validates and defaults the mediacache configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/mediacache/mediacache/internal/cache"
	"github.com/mediacache/mediacache/pkg/errors"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Cache    CacheConfig    `yaml:"cache"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// CacheConfig groups the settings of both tiers and the coordinator policy.
type CacheConfig struct {
	Memory     MemoryTierConfig     `yaml:"memory"`
	Persistent PersistentTierConfig `yaml:"persistent"`
	Policy     PolicyConfig         `yaml:"policy"`
}

// MemoryTierConfig represents the in-process tier settings.
type MemoryTierConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// ToTierConfig converts the loaded settings into the memory tier's
// constructor config.
func (c MemoryTierConfig) ToTierConfig() *cache.MemoryTierConfig {
	return &cache.MemoryTierConfig{
		MaxEntries: c.MaxEntries,
		MaxAge:     c.MaxAge,
	}
}

// PersistentTierConfig represents the file-backed tier settings. MaxSize is
// a human-readable byte size ("256MB", "2GB") resolved via MaxSizeBytes.
type PersistentTierConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Directory     string        `yaml:"directory"`
	MaxSize       string        `yaml:"max_size"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MaxSizeBytes resolves the configured byte budget.
func (c PersistentTierConfig) MaxSizeBytes() (int64, error) {
	return ParseByteSize(c.MaxSize)
}

// ToTierConfig converts the loaded settings into the persistent tier's
// constructor config, resolving the human-readable byte size. A disabled
// tier yields nil.
func (c PersistentTierConfig) ToTierConfig(log zerolog.Logger) (*cache.PersistentTierConfig, error) {
	if !c.Enabled {
		return nil, nil
	}
	size, err := c.MaxSizeBytes()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "persistent tier max_size", err)
	}
	return &cache.PersistentTierConfig{
		Directory:     c.Directory,
		MaxBytes:      size,
		MaxAge:        c.MaxAge,
		SweepInterval: c.SweepInterval,
		Logger:        log,
	}, nil
}

// PolicyConfig represents the coordinator's tiering policy.
type PolicyConfig struct {
	WritePersistent        bool `yaml:"write_persistent"`
	PromoteOnPersistentHit bool `yaml:"promote_on_persistent_hit"`
	AsyncPersistentWrites  bool `yaml:"async_persistent_writes"`
	AsyncWriteWorkers      int  `yaml:"async_write_workers"`
}

// ToPolicy converts the loaded settings into the coordinator policy.
func (c PolicyConfig) ToPolicy() cache.Policy {
	return cache.Policy{
		WritePersistent:        c.WritePersistent,
		PromoteOnPersistentHit: c.PromoteOnPersistentHit,
		AsyncPersistentWrites:  c.AsyncPersistentWrites,
		AsyncWriteWorkers:      c.AsyncWriteWorkers,
	}
}

// AnalysisConfig represents the analyzer parameters and progress weights.
type AnalysisConfig struct {
	WaveformSamplesPerSecond int           `yaml:"waveform_samples_per_second"`
	PeakWindowSamples        int           `yaml:"peak_window_samples"`
	KeyframeScanThreshold    time.Duration `yaml:"keyframe_scan_threshold"`
	KeyframeSampleInterval   time.Duration `yaml:"keyframe_sample_interval"`
	ProgressWeights          WeightConfig  `yaml:"progress_weights"`
}

// WeightConfig holds the relative progress weights of the parallel
// sub-analyses. The weights are renormalized to whichever subset actually
// runs, so they only need to be positive, not sum to one.
type WeightConfig struct {
	Waveform float64 `yaml:"waveform"`
	Peak     float64 `yaml:"peak"`
	Keyframe float64 `yaml:"keyframe"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfiguration returns the configuration used when no file is given.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Cache: CacheConfig{
			Memory: MemoryTierConfig{
				MaxEntries: 256,
				MaxAge:     30 * time.Minute,
			},
			Persistent: PersistentTierConfig{
				Enabled:       true,
				Directory:     defaultCacheDir(),
				MaxSize:       "512MB",
				MaxAge:        30 * 24 * time.Hour,
				SweepInterval: 10 * time.Minute,
			},
			Policy: PolicyConfig{
				WritePersistent:        true,
				PromoteOnPersistentHit: true,
				AsyncPersistentWrites:  false,
				AsyncWriteWorkers:      2,
			},
		},
		Analysis: AnalysisConfig{
			WaveformSamplesPerSecond: 100,
			PeakWindowSamples:        4410, // ~0.1s at 44.1kHz
			KeyframeScanThreshold:    300 * time.Second,
			KeyframeSampleInterval:   2 * time.Second,
			ProgressWeights: WeightConfig{
				Waveform: 0.4,
				Peak:     0.3,
				Keyframe: 0.3,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "mediacache",
		},
	}
}

// Load reads the configuration from path, applies environment overrides and
// validates the result. An empty path yields the defaults (still subject to
// environment overrides).
func Load(path string) (*Configuration, error) {
	cfg := DefaultConfiguration()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfigLoad, "reading configuration file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrCodeConfigLoad, "parsing configuration file", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the caches and analyzers
// cannot operate with.
func (c *Configuration) Validate() error {
	if c.Cache.Memory.MaxEntries <= 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "memory tier max_entries must be positive, got %d", c.Cache.Memory.MaxEntries)
	}
	if c.Cache.Persistent.Enabled {
		if c.Cache.Persistent.Directory == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "persistent tier directory must be set")
		}
		size, err := c.Cache.Persistent.MaxSizeBytes()
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, "persistent tier max_size", err)
		}
		if size <= 0 {
			return errors.Newf(errors.ErrCodeInvalidConfig, "persistent tier max_size must be positive, got %d", size)
		}
	}
	if c.Cache.Policy.AsyncWriteWorkers < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "async_write_workers must not be negative")
	}
	if c.Analysis.WaveformSamplesPerSecond <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "waveform_samples_per_second must be positive")
	}
	if c.Analysis.PeakWindowSamples <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "peak_window_samples must be positive")
	}
	if c.Analysis.KeyframeSampleInterval <= 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "keyframe_sample_interval must be positive")
	}
	w := c.Analysis.ProgressWeights
	if w.Waveform < 0 || w.Peak < 0 || w.Keyframe < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "progress weights must not be negative")
	}
	if w.Waveform+w.Peak+w.Keyframe == 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "at least one progress weight must be positive")
	}
	return nil
}

// ParseByteSize parses human-readable sizes like "512", "64KB", "256MB",
// "2GB". The unit suffix is case-insensitive.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return value * multiplier, nil
}

func applyEnvOverrides(cfg *Configuration) {
	if v := os.Getenv("MEDIACACHE_CACHE_DIR"); v != "" {
		cfg.Cache.Persistent.Directory = v
	}
	if v := os.Getenv("MEDIACACHE_CACHE_MAX_SIZE"); v != "" {
		cfg.Cache.Persistent.MaxSize = v
	}
	if v := os.Getenv("MEDIACACHE_MEMORY_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Memory.MaxEntries = n
		}
	}
	if v := os.Getenv("MEDIACACHE_ASYNC_WRITES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Policy.AsyncPersistentWrites = b
		}
	}
	if v := os.Getenv("MEDIACACHE_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/mediacache"
	}
	return os.TempDir() + "/mediacache"
}
