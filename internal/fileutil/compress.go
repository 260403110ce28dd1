package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encoder and decoder instances are expensive to construct, so they are
// pooled and reset onto each stream.
var (
	encoderPool = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil)
			if err != nil {
				return nil
			}
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil
			}
			return dec
		},
	}
)

// CompressTo streams src through zstd into a temp file next to dst and
// renames it into place. Returns the uncompressed size.
func CompressTo(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	enc := getEncoder(tmp)
	buf := make([]byte, copyBufSize)
	n, err := io.CopyBuffer(enc, in, buf)
	if err != nil {
		enc.Close()
		putEncoder(enc)
		tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := enc.Close(); err != nil {
		putEncoder(enc)
		tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("close zstd encoder: %w", err)
	}
	putEncoder(enc)

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}

// DecompressTo streams the zstd-framed file at src into a temp file next to
// dst and renames it into place.
func DecompressTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	dec, release, err := getDecoder(in)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}

	buf := make([]byte, copyBufSize)
	_, err = io.CopyBuffer(tmp, dec, buf)
	release()
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("decompress %s: %w", src, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Compress returns the zstd-framed form of data.
func Compress(data []byte) []byte {
	enc := getEncoder(nil)
	out := enc.EncodeAll(data, nil)
	putEncoder(enc)
	return out
}

// Decompress returns the uncompressed form of zstd-framed data.
func Decompress(data []byte) ([]byte, error) {
	dec, release, err := getDecoder(nil)
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(data, nil)
	release()
	return out, err
}

func getEncoder(w io.Writer) *zstd.Encoder {
	if enc, ok := encoderPool.Get().(*zstd.Encoder); ok && enc != nil {
		enc.Reset(w)
		return enc
	}
	enc, _ := zstd.NewWriter(w)
	return enc
}

func putEncoder(enc *zstd.Encoder) {
	enc.Reset(nil)
	encoderPool.Put(enc)
}

func getDecoder(r io.Reader) (*zstd.Decoder, func(), error) {
	if dec, ok := decoderPool.Get().(*zstd.Decoder); ok && dec != nil {
		if err := dec.Reset(r); err != nil {
			dec.Close()
		} else {
			return dec, func() {
				_ = dec.Reset(nil)
				decoderPool.Put(dec)
			}, nil
		}
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return dec, dec.Close, nil
}
