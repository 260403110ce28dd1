// Package disk implements the local on-disk cache tier.
//
// Entries live under <root>/<XX>/<fingerprint>/ where XX is the first hex
// byte of the fingerprint. Each entry directory holds a manifest plus one
// blob file per stored file id. Commits build the entry in a temp directory
// inside the bucket and rename it into place, so concurrent readers observe
// either no entry or a complete one. A per-bucket lock file serializes all
// mutation within a bucket; a root-level housekeeping lock serializes
// eviction.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meigma/buildcache/cache"
	"github.com/meigma/buildcache/internal/fileutil"
	"github.com/meigma/buildcache/internal/lockfile"
	"github.com/meigma/buildcache/internal/slogutil"
)

const (
	defaultMaxSize     = 5 << 30
	defaultDirPerm     = 0o755
	defaultLockTimeout = 10 * time.Second

	manifestName    = "manifest"
	commitDirPrefix = ".commit-"
	quarantineDir   = ".quarantine"
	dmDirName       = "dm"

	// evictTargetNum/Den is the fill level eviction reduces the store to,
	// relative to the size bound.
	evictTargetNum = 9
	evictTargetDen = 10
)

// Cache is the local content-addressed store.
type Cache struct {
	root        string
	maxSize     int64
	readOnly    bool
	lockTimeout time.Duration
	dirPerm     os.FileMode
	log         *slog.Logger
	stdout      io.Writer
	stderr      io.Writer
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxSize sets the byte-size bound enforced by eviction.
func WithMaxSize(n int64) Option {
	return func(c *Cache) {
		c.maxSize = n
	}
}

// WithReadOnly forbids every mutation of the cache root, including LRU
// touches and eviction.
func WithReadOnly(readOnly bool) Option {
	return func(c *Cache) {
		c.readOnly = readOnly
	}
}

// WithLockTimeout sets the timeout for bucket and housekeeping locks.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.lockTimeout = d
	}
}

// WithLogger sets the debug logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// WithStdStreams sets the writers that receive an entry's captured stdout
// and stderr on a hit. Defaults to the process's standard streams.
func WithStdStreams(stdout, stderr io.Writer) Option {
	return func(c *Cache) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// New creates a local store rooted at root, creating the directory if
// needed.
func New(root string, opts ...Option) (*Cache, error) {
	if root == "" {
		return nil, errors.New("disk: cache root is empty")
	}
	c := &Cache{
		root:        root,
		maxSize:     defaultMaxSize,
		lockTimeout: defaultLockTimeout,
		dirPerm:     defaultDirPerm,
		log:         slog.New(slogutil.DiscardHandler),
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxSize <= 0 {
		return nil, errors.New("disk: max size must be positive")
	}
	if !c.readOnly {
		if err := os.MkdirAll(root, c.dirPerm); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Name implements cache.Tier.
func (c *Cache) Name() string {
	return "local"
}

// Writable implements cache.Tier.
func (c *Cache) Writable() bool {
	return !c.readOnly
}

// Add commits an entry under pf, reading each listed file id's bytes from
// its expected-file path. Losing a commit race to another process is not an
// error: the entry that got there first stays.
func (c *Cache) Add(ctx context.Context, pf cache.Fingerprint, entry cache.Entry, files cache.ExpectedFiles, allowHardLinks bool) error {
	if c.readOnly {
		return cache.ErrReadOnly
	}
	if !pf.Valid() {
		return fmt.Errorf("disk: invalid fingerprint %q", pf)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Acquiring the bucket lock also creates the bucket directory.
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

	manifest := &cache.Manifest{
		ExitCode: entry.ExitCode,
		Stdout:   entry.Stdout,
		Stderr:   entry.Stderr,
		Files:    make(map[string]cache.BlobInfo, len(entry.FileIDs)),
	}
	for _, id := range entry.FileIDs {
		ef, ok := files[id]
		if !ok {
			return fmt.Errorf("disk: no expected file for id %q", id)
		}
		info, err := c.stageBlob(tmp, id, ef.Path, allowHardLinks, entry.Mode.BlobCompression())
		if err != nil {
			if !ef.Required && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("disk: stage %q: %w", id, err)
		}
		manifest.Files[id] = info
	}

	data, err := cache.EncodeManifest(manifest)
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

	// Enforce the size bound outside the bucket lock; eviction takes the
	// housekeeping lock and spares the entry just committed.
	lock.Release()
	if err := c.enforceSize(ctx, pf); err != nil {
		c.log.Warn("eviction failed", "error", err)
	}
	return nil
}

// Lookup materializes the entry stored under pf: every stored file that the
// caller expects is placed at its target path, the captured stdout and
// stderr are emitted, and the stored exit code is surfaced. A corrupt entry
// is quarantined and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, pf cache.Fingerprint, files cache.ExpectedFiles, opts cache.MaterializeOptions) (cache.Outcome, error) {
	if !pf.Valid() {
		return cache.Miss, fmt.Errorf("disk: invalid fingerprint %q", pf)
	}
	if err := ctx.Err(); err != nil {
		return cache.Miss, err
	}

	lock, err := c.lockBucket(pf)
	if err != nil {
		return cache.Miss, err
	}
	defer lock.Release()

	manifest, err := c.readManifest(pf)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return cache.Miss, nil
		}
		c.quarantine(pf, err)
		return cache.Miss, nil
	}

	for id, ef := range files {
		if _, ok := manifest.Files[id]; !ok && ef.Required {
			return cache.Miss, nil
		}
	}

	for id, info := range manifest.Files {
		ef, ok := files[id]
		if !ok {
			continue
		}
		if err := c.materializeBlob(pf, info, ef.Path, opts); err != nil {
			c.quarantine(pf, err)
			return cache.Miss, nil
		}
	}

	if len(manifest.Stdout) > 0 {
		_, _ = c.stdout.Write(manifest.Stdout)
	}
	if len(manifest.Stderr) > 0 {
		_, _ = c.stderr.Write(manifest.Stderr)
	}

	c.touch(pf)
	return cache.Outcome{Hit: true, ExitCode: manifest.ExitCode}, nil
}

// stageBlob copies, links, or compresses the produced file at src into the
// commit directory and returns its descriptor.
func (c *Cache) stageBlob(tmp, id, src string, allowHardLinks bool, compression cache.Compression) (cache.BlobInfo, error) {
	if err := validateFileID(id); err != nil {
		return cache.BlobInfo{}, err
	}
	blob := blobName(id)
	dst := filepath.Join(tmp, blob)

	srcInfo, err := os.Stat(src)
	if err != nil {
		return cache.BlobInfo{}, err
	}

	switch compression {
	case cache.CompressionZstd:
		if _, err := fileutil.CompressTo(src, dst); err != nil {
			return cache.BlobInfo{}, err
		}
	default:
		if allowHardLinks {
			err = fileutil.LinkOrCopy(src, dst)
		} else {
			err = fileutil.CopyFile(src, dst)
		}
		if err != nil {
			return cache.BlobInfo{}, err
		}
	}

	stored, err := os.Stat(dst)
	if err != nil {
		return cache.BlobInfo{}, err
	}
	return cache.BlobInfo{
		Blob:        blob,
		Compression: compression,
		Size:        srcInfo.Size(),
		StoredSize:  stored.Size(),
	}, nil
}

// materializeBlob places one stored blob at its target path. Target writes
// go through temp-plus-rename so the caller's build system never observes a
// partial file.
func (c *Cache) materializeBlob(pf cache.Fingerprint, info cache.BlobInfo, target string, opts cache.MaterializeOptions) error {
	if err := validateBlobName(info.Blob); err != nil {
		return err
	}
	src := filepath.Join(c.entryDir(pf), info.Blob)
	if !fileutil.FileExists(src) {
		return fmt.Errorf("%w: missing blob %s", cache.ErrCorruptEntry, info.Blob)
	}
	if opts.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(target), c.dirPerm); err != nil {
			return err
		}
	}
	if info.Compression == cache.CompressionZstd {
		return fileutil.DecompressTo(src, target)
	}
	if opts.HardLinks {
		return fileutil.LinkOrCopy(src, target)
	}
	return fileutil.CopyFile(src, target)
}

// readManifest loads and validates the manifest for pf. Returns
// cache.ErrMiss when the entry directory or manifest does not exist.
func (c *Cache) readManifest(pf cache.Fingerprint) (*cache.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(c.entryDir(pf), manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cache.ErrMiss
		}
		return nil, fmt.Errorf("%w: %v", cache.ErrCorruptEntry, err)
	}
	return cache.DecodeManifest(data)
}

// touch refreshes the entry's recency for LRU eviction. Best effort, and
// suppressed entirely in read-only mode.
func (c *Cache) touch(pf cache.Fingerprint) {
	if c.readOnly {
		return
	}
	now := time.Now()
	_ = os.Chtimes(c.entryDir(pf), now, now)
}

// quarantine moves a corrupt entry out of the fingerprint namespace so the
// next lookup misses cleanly, then unlinks it. Called with the bucket lock
// held.
func (c *Cache) quarantine(pf cache.Fingerprint, cause error) {
	c.log.Warn("quarantining corrupt cache entry", "fingerprint", pf, "error", cause)
	if c.readOnly {
		return
	}
	qdir, err := os.MkdirTemp(c.quarantineRoot(), string(pf)+"-*")
	if err != nil {
		return
	}
	if err := os.Rename(c.entryDir(pf), filepath.Join(qdir, "entry")); err != nil {
		_ = os.Remove(qdir)
		return
	}
	_ = os.RemoveAll(qdir)
}

// lockBucket acquires the bucket lock for f. In read-only mode nothing may
// be created under the cache root: if no writer has ever produced the lock
// file the bucket is locklessly readable (commits appear via atomic rename),
// and otherwise the lock is taken without touching the file.
func (c *Cache) lockBucket(f cache.Fingerprint) (*lockfile.Lock, error) {
	path := c.bucketLockPath(f)
	if !c.readOnly {
		return lockfile.Acquire(path, c.lockTimeout)
	}
	lock, err := lockfile.AcquireReadOnly(path, c.lockTimeout)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return lock, nil
}

func (c *Cache) bucketDir(f cache.Fingerprint) string {
	return filepath.Join(c.root, f.Bucket())
}

func (c *Cache) entryDir(pf cache.Fingerprint) string {
	return filepath.Join(c.root, pf.Bucket(), string(pf))
}

func (c *Cache) bucketLockPath(f cache.Fingerprint) string {
	return filepath.Join(c.root, f.Bucket(), ".lock")
}

func (c *Cache) housekeepingLockPath() string {
	return filepath.Join(c.root, ".housekeeping.lock")
}

func (c *Cache) quarantineRoot() string {
	dir := filepath.Join(c.root, quarantineDir)
	_ = os.MkdirAll(dir, c.dirPerm)
	return dir
}

func (c *Cache) dmPath(df cache.Fingerprint) string {
	return filepath.Join(c.root, dmDirName, df.Bucket(), string(df))
}

func blobName(id string) string {
	return "blob-" + id
}

func validateFileID(id string) error {
	if id == "" || len(id) > 128 {
		return fmt.Errorf("disk: invalid file id %q", id)
	}
	if strings.ContainsAny(id, "/\\\x00") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("disk: invalid file id %q", id)
	}
	return nil
}

func validateBlobName(name string) error {
	if name == "" || name == manifestName || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: invalid blob name %q", cache.ErrCorruptEntry, name)
	}
	return nil
}
