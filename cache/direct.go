package cache

import (
	"encoding/json"
	"fmt"

	"github.com/meigma/buildcache/internal/hashutil"
)

// DirectRecordVersion is the schema version for direct-mode records.
const DirectRecordVersion = 1

// DirectInput is one implicit input pinned by a direct-mode record: the file
// the preprocessor would have discovered, and its content fingerprint at
// commit time.
type DirectInput struct {
	Path string      `json:"path"`
	Hash Fingerprint `json:"hash"`
}

// DirectRecord resolves a direct fingerprint to its preprocessor fingerprint.
// The record is only usable while every pinned input still exists with the
// recorded content; otherwise it is stale.
type DirectRecord struct {
	Version          int           `json:"version"`
	MinReaderVersion int           `json:"min_reader_version,omitempty"`
	PF               Fingerprint   `json:"pf"`
	Inputs           []DirectInput `json:"inputs,omitempty"`
}

// NewDirectRecord pins the current content of each implicit input and binds
// it to pf. Fails if any input cannot be hashed.
func NewDirectRecord(pf Fingerprint, implicitInputs []string) (*DirectRecord, error) {
	rec := &DirectRecord{
		Version: DirectRecordVersion,
		PF:      pf,
	}
	for _, path := range implicitInputs {
		h, err := hashutil.HashFile(path)
		if err != nil {
			return nil, fmt.Errorf("pin implicit input: %w", err)
		}
		rec.Inputs = append(rec.Inputs, DirectInput{Path: path, Hash: h})
	}
	return rec, nil
}

// Stale reports whether any pinned input is missing or has changed content.
func (r *DirectRecord) Stale() bool {
	for _, in := range r.Inputs {
		h, err := hashutil.HashFile(in.Path)
		if err != nil || h != in.Hash {
			return true
		}
	}
	return false
}

// EncodeDirectRecord serializes rec, stamping the current schema version.
func EncodeDirectRecord(rec *DirectRecord) ([]byte, error) {
	rec.Version = DirectRecordVersion
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode direct record: %w", err)
	}
	return data, nil
}

// DecodeDirectRecord parses and validates a direct-mode record.
func DecodeDirectRecord(data []byte) (*DirectRecord, error) {
	var rec DirectRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if rec.Version < 1 || !rec.PF.Valid() {
		return nil, fmt.Errorf("%w: malformed direct record", ErrCorruptEntry)
	}
	if rec.MinReaderVersion > DirectRecordVersion {
		return nil, fmt.Errorf("%w: requires reader version %d", ErrManifestVersion, rec.MinReaderVersion)
	}
	return &rec, nil
}
