package disk

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/buildcache/cache"
	"github.com/meigma/buildcache/internal/cachetype"
	"github.com/meigma/buildcache/internal/fileutil"
	"github.com/meigma/buildcache/internal/lockfile"
)

// staleCommitAge is how old an orphaned commit temp directory must be before
// housekeeping removes it. Young temp dirs may belong to an in-flight
// commit.
const staleCommitAge = time.Hour

// entryInfo is one scanned cache entry: its fingerprint, total size, and
// last-access time.
type entryInfo struct {
	pf       cache.Fingerprint
	size     int64
	accessed time.Time
}

// enforceSize brings the store back under the size bound after a commit,
// evicting least-recently-used entries down to the eviction target. The
// entry named by keep is spared so a commit can always satisfy one
// immediately following lookup.
func (c *Cache) enforceSize(ctx context.Context, keep cache.Fingerprint) error {
	if c.readOnly {
		return nil
	}
	entries, total, err := c.scanEntries(ctx)
	if err != nil {
		return err
	}
	if total <= c.maxSize {
		return nil
	}

	lock, err := lockfile.Acquire(c.housekeepingLockPath(), c.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	return c.evict(ctx, entries, total, keep)
}

// evict removes oldest-access entries until the store is at or below the
// eviction target. Must be called with the housekeeping lock held.
func (c *Cache) evict(ctx context.Context, entries []entryInfo, total int64, keep cache.Fingerprint) error {
	target := c.maxSize / evictTargetDen * evictTargetNum
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].accessed.Before(entries[j].accessed)
	})

	for _, e := range entries {
		if total <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.pf == keep {
			continue
		}
		if err := c.removeEntry(e.pf); err != nil {
			c.log.Warn("failed to evict cache entry", "fingerprint", e.pf, "error", err)
			continue
		}
		c.log.Debug("evicted cache entry", "fingerprint", e.pf, "size", e.size)
		total -= e.size
	}
	return nil
}

// removeEntry deletes one entry: under its bucket lock the entry directory
// is renamed into quarantine, so readers never observe a half-deleted entry,
// then the quarantined copy is unlinked without any lock held.
func (c *Cache) removeEntry(pf cache.Fingerprint) error {
	qdir, err := os.MkdirTemp(c.quarantineRoot(), string(pf)+"-*")
	if err != nil {
		return err
	}

	lock, err := lockfile.Acquire(c.bucketLockPath(pf), c.lockTimeout)
	if err != nil {
		_ = os.Remove(qdir)
		return err
	}
	renameErr := os.Rename(c.entryDir(pf), filepath.Join(qdir, "entry"))
	lock.Release()

	if renameErr != nil {
		_ = os.Remove(qdir)
		if errors.Is(renameErr, fs.ErrNotExist) {
			return nil
		}
		return renameErr
	}
	return os.RemoveAll(qdir)
}

// scanEntries walks every bucket concurrently and returns all entries with
// their sizes and access times, plus the total size.
func (c *Cache) scanEntries(ctx context.Context) ([]entryInfo, int64, error) {
	buckets, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var (
		mu      sync.Mutex
		entries []entryInfo
		total   int64
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, b := range buckets {
		if !b.IsDir() || !isBucketName(b.Name()) {
			continue
		}
		bucket := filepath.Join(c.root, b.Name())
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			found, err := scanBucket(bucket)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range found {
				entries = append(entries, e)
				total += e.size
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// scanBucket lists the committed entries in one bucket directory.
func scanBucket(bucket string) ([]entryInfo, error) {
	dirents, err := os.ReadDir(bucket)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var found []entryInfo
	for _, de := range dirents {
		pf := cache.Fingerprint(de.Name())
		if !de.IsDir() || !pf.Valid() {
			continue
		}
		dir := filepath.Join(bucket, de.Name())
		info, err := de.Info()
		if err != nil {
			continue
		}
		size, err := fileutil.TreeSize(dir)
		if err != nil {
			continue
		}
		found = append(found, entryInfo{pf: pf, size: size, accessed: info.ModTime()})
	}
	return found, nil
}

// Housekeep performs a full maintenance sweep under the housekeeping lock:
// it removes quarantine leftovers, abandoned commit temp directories and
// entries without a readable manifest, then enforces the size bound.
func (c *Cache) Housekeep(ctx context.Context) error {
	if c.readOnly {
		return cache.ErrReadOnly
	}
	lock, err := lockfile.Acquire(c.housekeepingLockPath(), c.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := os.RemoveAll(filepath.Join(c.root, quarantineDir)); err != nil {
		c.log.Warn("failed to clear quarantine", "error", err)
	}
	if err := c.sweepBuckets(ctx); err != nil {
		return err
	}

	entries, total, err := c.scanEntries(ctx)
	if err != nil {
		return err
	}
	if total > c.maxSize {
		return c.evict(ctx, entries, total, "")
	}
	return nil
}

// sweepBuckets removes crash leftovers from every bucket: old commit temp
// directories and entry directories whose manifest is missing or malformed.
func (c *Cache) sweepBuckets(ctx context.Context) error {
	buckets, err := os.ReadDir(c.root)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-staleCommitAge)

	for _, b := range buckets {
		if !b.IsDir() || !isBucketName(b.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bucket := filepath.Join(c.root, b.Name())
		dirents, err := os.ReadDir(bucket)
		if err != nil {
			continue
		}
		for _, de := range dirents {
			name := de.Name()
			switch {
			case strings.HasPrefix(name, commitDirPrefix):
				info, err := de.Info()
				if err == nil && info.ModTime().Before(cutoff) {
					c.removeUnderBucketLock(bucket, name)
				}
			case de.IsDir() && cache.Fingerprint(name).Valid():
				// The directory exists, so any manifest error, including a
				// missing manifest, marks a partial or corrupt entry.
				if _, err := c.readManifest(cache.Fingerprint(name)); err != nil {
					c.log.Warn("removing partial cache entry", "fingerprint", name, "error", err)
					c.removeUnderBucketLock(bucket, name)
				}
			}
		}
	}
	return nil
}

// removeUnderBucketLock unlinks one bucket member while holding the bucket's
// lock. Best effort.
func (c *Cache) removeUnderBucketLock(bucket, name string) {
	lock, err := lockfile.Acquire(filepath.Join(bucket, ".lock"), c.lockTimeout)
	if err != nil {
		return
	}
	defer lock.Release()
	_ = os.RemoveAll(filepath.Join(bucket, name))
}

func isBucketName(name string) bool {
	if len(name) != 2 {
		return false
	}
	return cachetype.Fingerprint(name + strings.Repeat("0", cachetype.FingerprintHexLen-2)).Valid()
}

// Size returns the total byte size of all committed entries.
func (c *Cache) Size(ctx context.Context) (int64, error) {
	_, total, err := c.scanEntries(ctx)
	return total, err
}
