package buildcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/meigma/buildcache/cache"
	"github.com/meigma/buildcache/config"
	"github.com/meigma/buildcache/internal/hashutil"
	"github.com/meigma/buildcache/internal/kvstore"
	"github.com/meigma/buildcache/internal/slogutil"
)

// programIDStoreName is the data-store subtree used for program-id
// memoization.
const programIDStoreName = "prgid"

// Driver runs the lookup/commit state machine for one wrapper invocation.
type Driver struct {
	cfg    config.Config
	facade *Facade
	prgid  *kvstore.Store
	log    *slog.Logger
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithLogger sets the debug logger.
func WithLogger(log *slog.Logger) DriverOption {
	return func(d *Driver) {
		d.log = log
	}
}

// NewDriver creates a driver over the given facade.
func NewDriver(cfg config.Config, facade *Facade, opts ...DriverOption) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prgid, err := kvstore.New(
		filepath.Join(cfg.CacheDir, programIDStoreName),
		kvstore.WithReadOnly(cfg.ReadOnly),
	)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		cfg:    cfg,
		facade: facade,
		prgid:  prgid,
		log:    slog.New(slogutil.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Handle executes the invocation against the cache. On success it returns
// the exit code the process should exit with, which is the wrapped program's
// exit code on both hits and misses.
//
// When handled is false the cache could not take responsibility for the
// invocation — because of an internal failure or a panic — and the caller
// must run the wrapped program unmodified.
func (d *Driver) Handle(ctx context.Context, w Wrapper, inv Invocation) (exitCode int, handled bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("unexpected panic, falling through to the program", "panic", r)
			exitCode, handled = 1, false
		}
	}()

	rc, err := d.handle(ctx, w, inv)
	if err != nil {
		d.log.Error("invocation not handled", "error", err)
		return 1, false
	}
	return rc, true
}

func (d *Driver) handle(ctx context.Context, w Wrapper, inv Invocation) (int, error) {
	if inv.ExePath == "" {
		return 1, ErrNoCommand
	}

	args, err := w.ResolveArgs(ctx, inv)
	if err != nil {
		return 1, fmt.Errorf("resolve args: %w", err)
	}

	caps := d.negotiate(w.Capabilities())
	matOpts := cache.MaterializeOptions{
		HardLinks:  caps.hardLinks,
		CreateDirs: caps.createTargetDirs,
	}

	expected, err := w.BuildFiles(args)
	if err != nil {
		return 1, fmt.Errorf("build files: %w", err)
	}

	h := hashutil.New()
	for _, extra := range d.cfg.HashExtraFiles {
		if err := h.UpdateFile(extra); err != nil {
			return 1, fmt.Errorf("hash extra file: %w", err)
		}
	}

	prgID, err := d.programIDCached(ctx, w, inv.ExePath)
	if err != nil {
		return 1, fmt.Errorf("program id: %w", err)
	}
	h.UpdateString(prgID)
	h.Separator()

	relevantArgs, err := w.RelevantArguments(args)
	if err != nil {
		return 1, fmt.Errorf("relevant arguments: %w", err)
	}
	updateList(h, relevantArgs)

	envVars, err := w.RelevantEnvVars()
	if err != nil {
		return 1, fmt.Errorf("relevant env vars: %w", err)
	}
	updateMap(h, envVars)

	// A non-empty df means a direct-mode record can be committed after the
	// preprocessor-mode entry.
	var df Fingerprint
	if caps.directMode {
		fp, outcome, ok := d.tryDirectMode(ctx, w, h, inv, args, expected, matOpts)
		df = fp
		if ok && outcome.Hit {
			d.log.Info("direct mode cache hit", "fingerprint", df)
			return outcome.ExitCode, nil
		}
	}

	preprocessed, err := w.PreprocessSource(ctx, args)
	if err != nil {
		return 1, fmt.Errorf("preprocess source: %w", err)
	}
	h.Update(preprocessed)
	pf := h.Sum()

	outcome, err := d.facade.Lookup(ctx, pf, expected, matOpts)
	if err != nil {
		return 1, err
	}
	if outcome.Hit {
		d.log.Info("cache hit", "fingerprint", pf)
		if df != "" && !d.cfg.ReadOnly {
			if err := d.facade.AddDirect(ctx, df, pf, w.ImplicitInputFiles()); err != nil {
				d.log.Warn("direct-mode commit failed", "fingerprint", df, "error", err)
			}
		}
		return outcome.ExitCode, nil
	}
	d.log.Info("cache miss", "fingerprint", pf)

	if d.cfg.TerminateOnMiss {
		d.log.Info("terminating on miss", "expected_files", expectedPaths(expected))
		return 1, nil
	}

	result, err := w.RunForMiss(ctx)
	if err != nil {
		return 1, fmt.Errorf("run for miss: %w", err)
	}

	// Failed runs are not cached: that would risk preserving transient
	// faults. Read-only mode forbids commits outright.
	if result.ExitCode == 0 && !d.cfg.ReadOnly {
		entry := Entry{
			FileIDs:  producedFileIDs(expected),
			Mode:     cache.CompressNone,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			ExitCode: result.ExitCode,
		}
		if d.cfg.Compress {
			entry.Mode = cache.CompressAll
		}
		if err := d.facade.Add(ctx, pf, entry, expected, caps.hardLinks); err != nil {
			d.log.Warn("cache commit failed", "fingerprint", pf, "error", err)
		} else if df != "" {
			if err := d.facade.AddDirect(ctx, df, pf, w.ImplicitInputFiles()); err != nil {
				d.log.Warn("direct-mode commit failed", "fingerprint", df, "error", err)
			}
		}
	}
	return result.ExitCode, nil
}

// tryDirectMode computes the direct fingerprint and attempts a direct-mode
// lookup. The returned fingerprint is empty when direct mode does not apply
// to this invocation or when hashing failed; ok reports whether the lookup
// ran.
func (d *Driver) tryDirectMode(ctx context.Context, w Wrapper, common *hashutil.Hasher, inv Invocation, args []string, expected ExpectedFiles, matOpts cache.MaterializeOptions) (Fingerprint, Outcome, bool) {
	inputs, err := w.InputFiles(args)
	if err != nil {
		d.log.Warn("direct mode demoted: input files unavailable", "error", err)
		return "", cache.Miss, false
	}
	if len(inputs) == 0 {
		return "", cache.Miss, false
	}

	// The hash so far is common to both modes. The separator keeps the two
	// fingerprint kinds from ever colliding.
	dm := common.Clone()
	dm.Separator()

	// The full command line goes in, because direct mode cannot rely on
	// the preprocessed source to carry defines and include paths that
	// RelevantArguments filters out.
	dm.UpdateString(inv.ExePath)
	dm.Separator()
	updateList(dm, inv.Args)

	for _, input := range inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			d.log.Warn("direct mode demoted: cannot resolve input path", "file", input, "error", err)
			return "", cache.Miss, false
		}
		// The absolute source path is part of the key, so builds in
		// different work trees get distinct direct-mode records instead
		// of thrashing a shared one.
		dm.UpdateString(abs)
		dm.Separator()
		if err := dm.UpdateFile(input); err != nil {
			d.log.Warn("direct mode demoted: cannot hash input", "file", input, "error", err)
			return "", cache.Miss, false
		}
	}
	df := dm.Sum()

	outcome, err := d.facade.LookupDirect(ctx, df, expected, matOpts)
	if err != nil {
		d.log.Warn("direct mode lookup failed", "fingerprint", df, "error", err)
		return df, cache.Miss, false
	}
	return df, outcome, true
}

// negotiate intersects the wrapper's declared capabilities with the
// configuration gates.
func (d *Driver) negotiate(caps []Capability) capabilitySet {
	var set capabilitySet
	for _, c := range caps {
		switch c {
		case CapCreateTargetDirs:
			set.createTargetDirs = true
		case CapDirectMode:
			if !set.directMode {
				set.directMode = d.cfg.DirectMode
			}
		case CapForceDirectMode:
			set.directMode = true
		case CapHardLinks:
			set.hardLinks = d.cfg.HardLinks
		default:
			d.log.Error("invalid capability", "capability", string(c))
		}
	}
	return set
}

// programIDCached memoizes the wrapper's program identity in the data store,
// keyed by the executable's path, size and modification time. Store failures
// fall back to querying the wrapper directly.
func (d *Driver) programIDCached(ctx context.Context, w Wrapper, exePath string) (string, error) {
	info, err := os.Stat(exePath)
	if err != nil {
		d.log.Warn("cannot stat program binary, skipping program-id cache", "path", exePath, "error", err)
		return w.ProgramID(ctx)
	}
	key := hashutil.HashString(fmt.Sprintf("%s:%d:%d", exePath, info.Size(), info.ModTime().UnixNano()))

	if id, ok := d.prgid.Get(string(key)); ok {
		d.log.Debug("program id cache hit", "path", exePath)
		return id, nil
	}

	id, err := w.ProgramID(ctx)
	if err != nil {
		return "", err
	}
	if !d.cfg.ReadOnly {
		if err := d.prgid.Put(string(key), id, d.cfg.ProgramIDTTL); err != nil {
			d.log.Warn("program id store write failed", "error", err)
		}
	}
	return id, nil
}

// updateList mixes an ordered list into the hash, separating elements so
// that element boundaries are unambiguous.
func updateList(h *hashutil.Hasher, items []string) {
	for _, item := range items {
		h.UpdateString(item)
		h.Separator()
	}
}

// updateMap mixes a string map into the hash in sorted key order.
func updateMap(h *hashutil.Hasher, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.UpdateString(k)
		h.Separator()
		h.UpdateString(m[k])
		h.Separator()
	}
}

// producedFileIDs lists the ids worth committing: required files always, and
// optional files only when the run actually produced them.
func producedFileIDs(expected ExpectedFiles) []string {
	ids := make([]string, 0, len(expected))
	for id, ef := range expected {
		if ef.Required || fileExists(ef.Path) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func expectedPaths(expected ExpectedFiles) string {
	paths := make([]string, 0, len(expected))
	for _, ef := range expected {
		paths = append(paths, ef.Path)
	}
	sort.Strings(paths)
	return strings.Join(paths, ", ")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
