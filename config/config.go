// Package config holds the immutable configuration snapshot the cache core
// runs against.
//
// Parsing configuration files and environment variables belongs to the
// surrounding CLI; this package only defines the snapshot shape, its
// defaults, and validation. The yaml tags let an external loader unmarshal
// straight into it.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the complete configuration snapshot for one invocation. It is
// treated as immutable once handed to the core.
type Config struct {
	// CacheDir is the root of the local on-disk cache.
	CacheDir string `yaml:"cache_dir"`

	// MaxCacheSize bounds the local store in bytes. Eviction brings the
	// store back under this bound after commits.
	MaxCacheSize int64 `yaml:"max_cache_size"`

	// Compress stores entry blobs zstd-compressed.
	Compress bool `yaml:"compress"`

	// HardLinks permits hard-linking blobs instead of copying when the
	// wrapper also declares the capability.
	HardLinks bool `yaml:"hard_links"`

	// DirectMode permits direct-mode lookups when the wrapper also declares
	// the capability.
	DirectMode bool `yaml:"direct_mode"`

	// ReadOnly forbids every mutation of the cache root.
	ReadOnly bool `yaml:"read_only"`

	// TerminateOnMiss exits with a failure code instead of running the
	// wrapped program when both lookups miss.
	TerminateOnMiss bool `yaml:"terminate_on_miss"`

	// HashExtraFiles lists files whose contents are mixed into every
	// fingerprint.
	HashExtraFiles []string `yaml:"hash_extra_files"`

	// Remotes lists remote cache endpoints, probed in order after the local
	// tier.
	Remotes []Remote `yaml:"remotes"`

	// ProgramIDTTL bounds how long a memoized program identity stays valid.
	ProgramIDTTL time.Duration `yaml:"program_id_ttl"`

	// LockTimeout bounds how long lock acquisition may block before the
	// degraded path is taken.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// Log configures the debug log sink.
	Log Log `yaml:"log"`
}

// Remote describes one remote cache tier.
type Remote struct {
	// URL is the endpoint base, e.g. "http://cache.example.com:8080".
	URL string `yaml:"url"`

	// ReadOnly disables commits to this tier.
	ReadOnly bool `yaml:"read_only"`
}

// Log configures the debug log file sink. An empty File disables logging.
type Log struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns the configuration defaults. CacheDir is left empty; the
// caller must supply it.
func Default() Config {
	return Config{
		MaxCacheSize: 5 << 30,
		Compress:     true,
		ProgramIDTTL: 5 * time.Minute,
		LockTimeout:  10 * time.Second,
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 2,
		},
	}
}

// Validate reports the first problem with the snapshot.
func (c Config) Validate() error {
	if c.CacheDir == "" {
		return errors.New("config: cache_dir is empty")
	}
	if c.MaxCacheSize <= 0 {
		return errors.New("config: max_cache_size must be positive")
	}
	if c.ProgramIDTTL <= 0 {
		return errors.New("config: program_id_ttl must be positive")
	}
	if c.LockTimeout < 0 {
		return errors.New("config: lock_timeout must not be negative")
	}
	for i, r := range c.Remotes {
		if r.URL == "" {
			return fmt.Errorf("config: remotes[%d]: url is empty", i)
		}
	}
	return nil
}
