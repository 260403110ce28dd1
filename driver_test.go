package buildcache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/buildcache/cache/disk"
	"github.com/meigma/buildcache/config"
)

// fakeWrapper is a scriptable Wrapper for driver tests. It emulates a
// compiler that reads source + header and produces one object file.
type fakeWrapper struct {
	caps       []Capability
	sourceFile string
	headerFile string
	objectFile string
	programID  string
	runExit    int
	runErr     error
	noInputs   bool

	programIDCalls  int
	preprocessCalls int
	runCalls        int
}

func (w *fakeWrapper) CanHandleCommand(Invocation) bool { return true }

func (w *fakeWrapper) ResolveArgs(_ context.Context, inv Invocation) ([]string, error) {
	return inv.Args, nil
}

func (w *fakeWrapper) Capabilities() []Capability { return w.caps }

func (w *fakeWrapper) BuildFiles([]string) (ExpectedFiles, error) {
	return ExpectedFiles{"object": {Path: w.objectFile, Required: true}}, nil
}

func (w *fakeWrapper) ProgramID(context.Context) (string, error) {
	w.programIDCalls++
	return w.programID, nil
}

func (w *fakeWrapper) RelevantArguments(args []string) ([]string, error) {
	return args, nil
}

func (w *fakeWrapper) RelevantEnvVars() (map[string]string, error) {
	return map[string]string{"LANG": "C"}, nil
}

func (w *fakeWrapper) InputFiles([]string) ([]string, error) {
	if w.noInputs || w.sourceFile == "" {
		return nil, nil
	}
	return []string{w.sourceFile}, nil
}

// PreprocessSource emulates include expansion by concatenating the source
// with its header.
func (w *fakeWrapper) PreprocessSource(context.Context, []string) ([]byte, error) {
	w.preprocessCalls++
	src, err := os.ReadFile(w.sourceFile)
	if err != nil {
		return nil, err
	}
	hdr, err := os.ReadFile(w.headerFile)
	if err != nil {
		return nil, err
	}
	return append(hdr, src...), nil
}

func (w *fakeWrapper) ImplicitInputFiles() []string {
	return []string{w.headerFile}
}

func (w *fakeWrapper) RunForMiss(context.Context) (RunResult, error) {
	w.runCalls++
	if w.runErr != nil {
		return RunResult{}, w.runErr
	}
	if w.runExit != 0 {
		return RunResult{ExitCode: w.runExit, Stderr: []byte("error: it broke\n")}, nil
	}
	// Deterministic "compilation": object bytes derived from the
	// preprocessed input.
	pre, err := w.PreprocessSource(context.Background(), nil)
	if err != nil {
		return RunResult{}, err
	}
	if err := os.WriteFile(w.objectFile, append([]byte("OBJ:"), pre...), 0o644); err != nil {
		return RunResult{}, err
	}
	return RunResult{ExitCode: 0, Stdout: []byte("compiled\n")}, nil
}

type driverFixture struct {
	driver  *Driver
	wrapper *fakeWrapper
	inv     Invocation
	cfg     config.Config
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
}

func newDriverFixture(t *testing.T, mutate func(*config.Config)) *driverFixture {
	t.Helper()

	work := t.TempDir()
	source := filepath.Join(work, "foo.c")
	header := filepath.Join(work, "foo.h")
	object := filepath.Join(work, "foo.o")
	exe := filepath.Join(work, "cc")
	require.NoError(t, os.WriteFile(source, []byte(`#include "foo.h"`+"\nint main(){}\n"), 0o644))
	require.NoError(t, os.WriteFile(header, []byte("#define VERSION 1\n"), 0o644))
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/true\n"), 0o755))

	cfg := config.Default()
	cfg.CacheDir = filepath.Join(work, "cache")
	cfg.DirectMode = true
	if mutate != nil {
		mutate(&cfg)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	local, err := disk.New(cfg.CacheDir,
		disk.WithMaxSize(cfg.MaxCacheSize),
		disk.WithReadOnly(cfg.ReadOnly),
		disk.WithStdStreams(stdout, stderr),
	)
	require.NoError(t, err)

	driver, err := NewDriver(cfg, NewFacade(local))
	require.NoError(t, err)

	return &driverFixture{
		driver: driver,
		wrapper: &fakeWrapper{
			caps:       []Capability{CapDirectMode, CapCreateTargetDirs},
			sourceFile: source,
			headerFile: header,
			objectFile: object,
			programID:  "cc version 12.2.0",
		},
		inv:    Invocation{ExePath: exe, Args: []string{"-c", "foo.c", "-o", "foo.o"}},
		cfg:    cfg,
		stdout: stdout,
		stderr: stderr,
	}
}

func TestColdMissThenWarmHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, nil)

	rc, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 0, rc)
	require.Equal(t, 1, fx.wrapper.runCalls)

	object, err := os.ReadFile(fx.wrapper.objectFile)
	require.NoError(t, err)
	require.NoError(t, os.Remove(fx.wrapper.objectFile))

	rc, handled = fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 0, rc)
	require.Equal(t, 1, fx.wrapper.runCalls, "warm hit must not run the program")

	restored, err := os.ReadFile(fx.wrapper.objectFile)
	require.NoError(t, err)
	require.Equal(t, object, restored)
	require.Equal(t, "compiled\n", fx.stdout.String(), "captured stdout must be replayed")
}

func TestDirectModeHitSkipsPreprocessor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, nil)

	_, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	callsAfterMiss := fx.wrapper.preprocessCalls

	rc, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 0, rc)
	require.Equal(t, callsAfterMiss, fx.wrapper.preprocessCalls,
		"direct-mode hit must not invoke the preprocessor")
	require.Equal(t, 1, fx.wrapper.runCalls)
}

func TestDirectModeInvalidatedByHeaderChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, nil)

	_, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 1, fx.wrapper.runCalls)

	// Changing an included header invalidates the direct record and the
	// preprocessor fingerprint alike: the compiler runs again.
	require.NoError(t, os.WriteFile(fx.wrapper.headerFile, []byte("#define VERSION 2\n"), 0o644))

	rc, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 0, rc)
	require.Equal(t, 2, fx.wrapper.runCalls)

	// With the new header in place the very next invocation is a direct hit
	// against the refreshed record.
	preprocessCalls := fx.wrapper.preprocessCalls
	_, handled = fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 2, fx.wrapper.runCalls)
	require.Equal(t, preprocessCalls, fx.wrapper.preprocessCalls)
}

func TestDirectModeDisabledByConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, func(cfg *config.Config) {
		cfg.DirectMode = false
	})
	fx.wrapper.caps = []Capability{CapDirectMode}

	_, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	_, handled = fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)

	// Without direct mode every invocation goes through the preprocessor.
	require.Equal(t, 1, fx.wrapper.runCalls)
	require.GreaterOrEqual(t, fx.wrapper.preprocessCalls, 2)
}

func TestForceDirectModeOverridesConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, func(cfg *config.Config) {
		cfg.DirectMode = false
	})
	fx.wrapper.caps = []Capability{CapForceDirectMode}

	_, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	calls := fx.wrapper.preprocessCalls

	_, handled = fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, calls, fx.wrapper.preprocessCalls, "forced direct mode must bypass the preprocessor")
}

func TestDirectModeSkippedWithoutInputs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, nil)
	fx.wrapper.noInputs = true

	rc, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 0, rc)

	// No direct fingerprint was computed, so no record was committed.
	require.NoDirExists(t, filepath.Join(fx.cfg.CacheDir, "dm"))
}

func TestTerminateOnMiss(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, func(cfg *config.Config) {
		cfg.TerminateOnMiss = true
	})

	rc, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 1, rc)
	require.Zero(t, fx.wrapper.runCalls, "terminate-on-miss must not run the program")
	require.NoFileExists(t, fx.wrapper.objectFile)
}

func TestReadOnlyMissDoesNotCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, func(cfg *config.Config) {
		cfg.ReadOnly = true
	})

	rc, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 0, rc)
	require.Equal(t, 1, fx.wrapper.runCalls)

	// The cache root was never created, let alone written.
	require.NoDirExists(t, fx.cfg.CacheDir)

	// And the next invocation misses again.
	_, handled = fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 2, fx.wrapper.runCalls)
}

func TestNonzeroExitNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, nil)
	fx.wrapper.runExit = 2

	rc, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 2, rc)

	rc, handled = fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	require.Equal(t, 2, rc)
	require.Equal(t, 2, fx.wrapper.runCalls, "failed runs must not be served from the cache")
}

func TestEmptyCommandNotHandled(t *testing.T) {
	t.Parallel()
	fx := newDriverFixture(t, nil)

	_, handled := fx.driver.Handle(context.Background(), fx.wrapper, Invocation{})
	require.False(t, handled)
}

func TestRunFailureNotHandled(t *testing.T) {
	t.Parallel()
	fx := newDriverFixture(t, nil)
	fx.wrapper.runErr = errors.New("exec format error")

	_, handled := fx.driver.Handle(context.Background(), fx.wrapper, fx.inv)
	require.False(t, handled)
}

func TestProgramIDMemoized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newDriverFixture(t, nil)

	_, handled := fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)
	_, handled = fx.driver.Handle(ctx, fx.wrapper, fx.inv)
	require.True(t, handled)

	require.Equal(t, 1, fx.wrapper.programIDCalls, "program id must be served from the data store")
}

func TestPanicInWrapperNotHandled(t *testing.T) {
	t.Parallel()
	fx := newDriverFixture(t, nil)

	panicking := &panickingWrapper{fakeWrapper: fx.wrapper}
	_, handled := fx.driver.Handle(context.Background(), panicking, fx.inv)
	require.False(t, handled)
}

type panickingWrapper struct {
	*fakeWrapper
}

func (w *panickingWrapper) BuildFiles([]string) (ExpectedFiles, error) {
	panic("wrapper bug")
}
