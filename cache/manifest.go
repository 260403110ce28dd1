package cache

import (
	"encoding/json"
	"fmt"
)

// ManifestVersion is the schema version written by this reader/writer.
const ManifestVersion = 1

// Manifest describes a committed cache entry: the captured program results
// and one blob descriptor per stored file id.
//
// The format is forward compatible: unknown fields are ignored on decode,
// and a manifest whose MinReaderVersion exceeds ManifestVersion is rejected,
// which is how a future writer marks fields this reader must not ignore.
type Manifest struct {
	Version          int    `json:"version"`
	MinReaderVersion int    `json:"min_reader_version,omitempty"`
	ExitCode         int    `json:"exit_code"`
	Stdout           []byte `json:"stdout,omitempty"`
	Stderr           []byte `json:"stderr,omitempty"`

	Files map[string]BlobInfo `json:"files"`
}

// BlobInfo describes one stored blob.
type BlobInfo struct {
	// Blob is the blob's filename inside the fingerprint directory.
	Blob string `json:"blob"`

	// Compression is how the blob's bytes are stored.
	Compression Compression `json:"compression"`

	// Size is the uncompressed size in bytes.
	Size int64 `json:"size"`

	// StoredSize is the on-disk (possibly compressed) size in bytes.
	StoredSize int64 `json:"stored_size"`
}

// EncodeManifest serializes m, stamping the current schema version.
func EncodeManifest(m *Manifest) ([]byte, error) {
	m.Version = ManifestVersion
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses and validates a manifest.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if m.Version < 1 {
		return nil, fmt.Errorf("%w: missing version", ErrCorruptEntry)
	}
	if m.MinReaderVersion > ManifestVersion {
		return nil, fmt.Errorf("%w: requires reader version %d", ErrManifestVersion, m.MinReaderVersion)
	}
	for id, info := range m.Files {
		if info.Blob == "" || info.Size < 0 || info.StoredSize < 0 {
			return nil, fmt.Errorf("%w: malformed blob descriptor for %q", ErrCorruptEntry, id)
		}
	}
	return &m, nil
}
