package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/meigma/buildcache/cache"
	"github.com/meigma/buildcache/internal/fileutil"
	"github.com/meigma/buildcache/internal/lockfile"
)

// LookupDirect resolves df to its candidate preprocessor fingerprint,
// re-validates every pinned implicit input, and on success delegates to
// Lookup. A stale or unreadable record is a miss.
func (c *Cache) LookupDirect(ctx context.Context, df cache.Fingerprint, files cache.ExpectedFiles, opts cache.MaterializeOptions) (cache.Outcome, error) {
	rec, err := c.FetchDirect(ctx, df)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return cache.Miss, nil
		}
		c.log.Warn("discarding unreadable direct-mode record", "fingerprint", df, "error", err)
		c.removeDirect(df)
		return cache.Miss, nil
	}
	if rec.Stale() {
		c.log.Debug("direct-mode record is stale", "fingerprint", df, "pf", rec.PF)
		return cache.Miss, nil
	}
	return c.Lookup(ctx, rec.PF, files, opts)
}

// AddDirect stores rec under df, superseding any previous record.
func (c *Cache) AddDirect(ctx context.Context, df cache.Fingerprint, rec *cache.DirectRecord) error {
	return c.StoreDirect(ctx, df, rec)
}

// FetchDirect implements cache.Tier.
func (c *Cache) FetchDirect(ctx context.Context, df cache.Fingerprint) (*cache.DirectRecord, error) {
	if !df.Valid() {
		return nil, fmt.Errorf("disk: invalid fingerprint %q", df)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock, err := c.lockBucket(df)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	data, err := os.ReadFile(c.dmPath(df))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cache.ErrMiss
		}
		return nil, err
	}
	return cache.DecodeDirectRecord(data)
}

// StoreDirect implements cache.Tier.
func (c *Cache) StoreDirect(ctx context.Context, df cache.Fingerprint, rec *cache.DirectRecord) error {
	if c.readOnly {
		return cache.ErrReadOnly
	}
	if !df.Valid() {
		return fmt.Errorf("disk: invalid fingerprint %q", df)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := cache.EncodeDirectRecord(rec)
	if err != nil {
		return err
	}

	lock, err := lockfile.Acquire(c.bucketLockPath(df), c.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	path := c.dmPath(df)
	if err := os.MkdirAll(filepath.Dir(path), c.dirPerm); err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, data, 0o644)
}

// removeDirect unlinks a direct-mode record. Best effort; no-op in
// read-only mode.
func (c *Cache) removeDirect(df cache.Fingerprint) {
	if c.readOnly {
		return
	}
	lock, err := lockfile.Acquire(c.bucketLockPath(df), c.lockTimeout)
	if err != nil {
		return
	}
	defer lock.Release()
	_ = os.Remove(c.dmPath(df))
}
