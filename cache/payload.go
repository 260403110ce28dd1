package cache

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Payload is a whole cache entry in transferable form: the manifest plus
// each blob's bytes exactly as stored (post-compression). It is the unit
// exchanged between tiers.
type Payload struct {
	Manifest *Manifest
	Blobs    map[string][]byte
}

// payloadMagic starts every encoded payload.
var payloadMagic = [4]byte{'b', 'c', 'p', '1'}

const maxManifestLen = 16 << 20

// Encode writes the payload: magic, uvarint manifest length, manifest JSON,
// then blob bytes in sorted file-id order. Blob lengths come from the
// manifest's StoredSize fields, so no per-blob framing is needed.
func (p *Payload) Encode(w io.Writer) error {
	data, err := EncodeManifest(p.Manifest)
	if err != nil {
		return err
	}
	if _, err := w.Write(payloadMagic[:]); err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	for _, id := range sortedIDs(p.Manifest.Files) {
		blob := p.Blobs[id]
		info := p.Manifest.Files[id]
		if int64(len(blob)) != info.StoredSize {
			return fmt.Errorf("encode payload: blob %q is %d bytes, manifest says %d", id, len(blob), info.StoredSize)
		}
		if _, err := w.Write(blob); err != nil {
			return err
		}
	}
	return nil
}

// DecodePayload reads a payload produced by Encode.
func DecodePayload(r io.Reader) (*Payload, error) {
	br := byteReader{r: r}
	var magic [4]byte
	if _, err := io.ReadFull(&br, magic[:]); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if magic != payloadMagic {
		return nil, fmt.Errorf("%w: bad payload magic", ErrCorruptEntry)
	}
	mlen, err := binary.ReadUvarint(&br)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if mlen > maxManifestLen {
		return nil, fmt.Errorf("%w: manifest length %d", ErrCorruptEntry, mlen)
	}
	mdata := make([]byte, mlen)
	if _, err := io.ReadFull(&br, mdata); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	manifest, err := DecodeManifest(mdata)
	if err != nil {
		return nil, err
	}

	p := &Payload{
		Manifest: manifest,
		Blobs:    make(map[string][]byte, len(manifest.Files)),
	}
	for _, id := range sortedIDs(manifest.Files) {
		blob := make([]byte, manifest.Files[id].StoredSize)
		if _, err := io.ReadFull(&br, blob); err != nil {
			return nil, fmt.Errorf("%w: truncated blob %q", ErrCorruptEntry, id)
		}
		p.Blobs[id] = blob
	}
	return p, nil
}

func sortedIDs(files map[string]BlobInfo) []string {
	ids := make([]string, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// byteReader adapts an io.Reader for binary.ReadUvarint without buffering
// past the varint.
type byteReader struct {
	r io.Reader
}

func (b *byteReader) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
