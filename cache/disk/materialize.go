package disk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/meigma/buildcache/cache"
	"github.com/meigma/buildcache/internal/fileutil"
)

// MaterializePayload places a fetched payload's files at their target paths
// and emits its captured streams, without committing anything to the store.
// Used when the local tier is read-only and a remote tier hits.
func (c *Cache) MaterializePayload(p *cache.Payload, files cache.ExpectedFiles, opts cache.MaterializeOptions) (cache.Outcome, error) {
	for id, ef := range files {
		if _, ok := p.Manifest.Files[id]; !ok && ef.Required {
			return cache.Miss, nil
		}
	}

	for id, info := range p.Manifest.Files {
		ef, ok := files[id]
		if !ok {
			continue
		}
		data := p.Blobs[id]
		if int64(len(data)) != info.StoredSize {
			return cache.Miss, fmt.Errorf("%w: payload blob %q inconsistent with manifest", cache.ErrCorruptEntry, id)
		}
		if info.Compression == cache.CompressionZstd {
			raw, err := fileutil.Decompress(data)
			if err != nil {
				return cache.Miss, fmt.Errorf("%w: blob %q: %v", cache.ErrCorruptEntry, id, err)
			}
			data = raw
		}
		if opts.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(ef.Path), c.dirPerm); err != nil {
				return cache.Miss, err
			}
		}
		if err := fileutil.WriteAtomic(ef.Path, data, 0o644); err != nil {
			return cache.Miss, err
		}
	}

	if len(p.Manifest.Stdout) > 0 {
		_, _ = c.stdout.Write(p.Manifest.Stdout)
	}
	if len(p.Manifest.Stderr) > 0 {
		_, _ = c.stderr.Write(p.Manifest.Stderr)
	}
	return cache.Outcome{Hit: true, ExitCode: p.Manifest.ExitCode}, nil
}
