// Package cache defines the contract shared by cache tiers: the entry and
// manifest model, direct-mode records, and the wire payload exchanged with
// remote tiers.
//
// The local tier lives in cache/disk and remote tiers in cache/remote. The
// buildcache root package orders them behind a single facade.
package cache

import (
	"context"
	"errors"

	"github.com/meigma/buildcache/internal/cachetype"
)

// Re-export the shared types for public use.
type (
	// Fingerprint is the hex digest of a 128-bit hash identifying a cache key.
	Fingerprint = cachetype.Fingerprint

	// Compression identifies the compression algorithm used for a stored blob.
	Compression = cachetype.Compression

	// CompressionMode selects per-entry compression.
	CompressionMode = cachetype.CompressionMode

	// Entry describes a cache entry to be committed.
	Entry = cachetype.Entry

	// ExpectedFile describes one output the wrapped program should produce.
	ExpectedFile = cachetype.ExpectedFile

	// ExpectedFiles maps file ids to their descriptors.
	ExpectedFiles = cachetype.ExpectedFiles
)

// Re-export the shared constants.
const (
	CompressionNone = cachetype.CompressionNone
	CompressionZstd = cachetype.CompressionZstd

	CompressNone = cachetype.CompressNone
	CompressAll  = cachetype.CompressAll
)

// Sentinel errors shared by the tiers.
var (
	// ErrMiss is returned by tier fetches when the fingerprint is absent.
	ErrMiss = errors.New("cache: miss")

	// ErrCorruptEntry is returned when an entry's manifest or blobs cannot
	// be read back consistently.
	ErrCorruptEntry = errors.New("cache: corrupt entry")

	// ErrManifestVersion is returned when a manifest requires a newer reader.
	ErrManifestVersion = errors.New("cache: unsupported manifest version")

	// ErrReadOnly is returned when a mutation is attempted on a read-only
	// store.
	ErrReadOnly = errors.New("cache: read-only")
)

// Outcome is the result of a lookup: a hit carrying the stored exit code, or
// a miss.
type Outcome struct {
	Hit      bool
	ExitCode int
}

// Miss is the canonical miss outcome.
var Miss = Outcome{}

// MaterializeOptions controls how a hit's files are placed at their target
// paths.
type MaterializeOptions struct {
	// HardLinks permits hard-linking blobs to targets on the same
	// filesystem instead of copying.
	HardLinks bool

	// CreateDirs creates missing parent directories of target paths.
	CreateDirs bool
}

// Tier is a cache backend that can exchange whole entries. The local store
// implements it for back-population; remote stores implement it over their
// transport.
//
// Fetches return ErrMiss when the fingerprint is absent. Any other error is
// a tier failure; the facade logs it and treats the tier as missing.
type Tier interface {
	// Name identifies the tier in logs.
	Name() string

	// Writable reports whether commits to this tier are permitted.
	Writable() bool

	// FetchEntry returns the full payload stored under pf.
	FetchEntry(ctx context.Context, pf Fingerprint) (*Payload, error)

	// StoreEntry commits a payload under pf. Losing a commit race is not an
	// error.
	StoreEntry(ctx context.Context, pf Fingerprint, p *Payload) error

	// FetchDirect returns the direct-mode record stored under df.
	FetchDirect(ctx context.Context, df Fingerprint) (*DirectRecord, error)

	// StoreDirect commits a direct-mode record under df, replacing any
	// previous record.
	StoreDirect(ctx context.Context, df Fingerprint, rec *DirectRecord) error
}
