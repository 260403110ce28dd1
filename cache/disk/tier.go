package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meigma/buildcache/cache"
	"github.com/meigma/buildcache/internal/fileutil"
	"github.com/meigma/buildcache/internal/lockfile"
)

var _ cache.Tier = (*Cache)(nil)

// FetchEntry implements cache.Tier: it reads the whole entry stored under pf
// into a transferable payload. Used when pushing a locally committed entry
// to remote tiers.
func (c *Cache) FetchEntry(ctx context.Context, pf cache.Fingerprint) (*cache.Payload, error) {
	if !pf.Valid() {
		return nil, fmt.Errorf("disk: invalid fingerprint %q", pf)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock, err := c.lockBucket(pf)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	manifest, err := c.readManifest(pf)
	if err != nil {
		return nil, err
	}

	p := &cache.Payload{
		Manifest: manifest,
		Blobs:    make(map[string][]byte, len(manifest.Files)),
	}
	for id, info := range manifest.Files {
		if err := validateBlobName(info.Blob); err != nil {
			return nil, err
		}
		blob, err := os.ReadFile(filepath.Join(c.entryDir(pf), info.Blob))
		if err != nil {
			return nil, fmt.Errorf("%w: read blob %q: %v", cache.ErrCorruptEntry, id, err)
		}
		if int64(len(blob)) != info.StoredSize {
			return nil, fmt.Errorf("%w: blob %q is %d bytes, manifest says %d", cache.ErrCorruptEntry, id, len(blob), info.StoredSize)
		}
		p.Blobs[id] = blob
	}
	c.touch(pf)
	return p, nil
}

// StoreEntry implements cache.Tier: it commits a payload fetched from
// another tier, following the same temp-dir-plus-rename protocol as Add.
// Used to back-populate the local tier after a remote hit.
func (c *Cache) StoreEntry(ctx context.Context, pf cache.Fingerprint, p *cache.Payload) error {
	if c.readOnly {
		return cache.ErrReadOnly
	}
	if !pf.Valid() {
		return fmt.Errorf("disk: invalid fingerprint %q", pf)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bucket := c.bucketDir(pf)
	lock, err := lockfile.Acquire(c.bucketLockPath(pf), c.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	final := c.entryDir(pf)
	if _, err := os.Stat(final); err == nil {
		return nil
	}

	tmp, err := os.MkdirTemp(bucket, commitDirPrefix+"*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	for id, info := range p.Manifest.Files {
		if err := validateBlobName(info.Blob); err != nil {
			return err
		}
		blob, ok := p.Blobs[id]
		if !ok || int64(len(blob)) != info.StoredSize {
			return fmt.Errorf("%w: payload blob %q inconsistent with manifest", cache.ErrCorruptEntry, id)
		}
		if err := fileutil.WriteAtomic(filepath.Join(tmp, info.Blob), blob, 0o644); err != nil {
			return err
		}
	}

	data, err := cache.EncodeManifest(p.Manifest)
	if err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(filepath.Join(tmp, manifestName), data, 0o644); err != nil {
		return err
	}

	if err := os.Rename(tmp, final); err != nil {
		if _, statErr := os.Stat(final); statErr == nil {
			return nil
		}
		return err
	}

	lock.Release()
	if err := c.enforceSize(ctx, pf); err != nil {
		c.log.Warn("eviction failed", "error", err)
	}
	return nil
}
