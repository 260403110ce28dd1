package buildcache

import (
	"context"

	"github.com/meigma/buildcache/internal/hashutil"
)

// Capability is an opt-in feature a wrapper may declare. A capability is
// active only when the wrapper lists it and the configuration permits it;
// CapForceDirectMode overrides the configuration gate for direct mode.
type Capability string

const (
	// CapCreateTargetDirs creates missing parent directories of target
	// paths when materializing a hit.
	CapCreateTargetDirs Capability = "create_target_dirs"

	// CapDirectMode enables direct-mode lookups, subject to configuration.
	CapDirectMode Capability = "direct_mode"

	// CapForceDirectMode enables direct-mode lookups regardless of
	// configuration.
	CapForceDirectMode Capability = "force_direct_mode"

	// CapHardLinks permits hard-linking cached blobs, subject to
	// configuration.
	CapHardLinks Capability = "hard_links"
)

// RunResult is the observed outcome of executing the wrapped program.
type RunResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Invocation is the original command line the cache was invoked for.
type Invocation struct {
	// ExePath is the resolved path of the wrapped program binary.
	ExePath string

	// Args is the full, unresolved argument list, excluding the program
	// itself.
	Args []string
}

// Wrapper is the capability contract a per-program wrapper implements. The
// driver dispatches through this interface only; there is no default
// behavior, so wrappers return empty results explicitly.
//
// Methods that spawn the wrapped program or its preprocessor take a context
// covering the subprocess.
type Wrapper interface {
	// CanHandleCommand reports whether this wrapper understands the
	// invocation. Used by the surrounding CLI to select a wrapper.
	CanHandleCommand(inv Invocation) bool

	// ResolveArgs expands response-file indirections into a canonical
	// argument list.
	ResolveArgs(ctx context.Context, inv Invocation) ([]string, error)

	// Capabilities declares the wrapper's opt-in features.
	Capabilities() []Capability

	// BuildFiles maps file ids to the files the command is expected to
	// generate.
	BuildFiles(args []string) (ExpectedFiles, error)

	// ProgramID returns a canonical identifier of the program binary, such
	// as a content hash or --version output.
	ProgramID(ctx context.Context) (string, error)

	// RelevantArguments returns the subset of args that affects the output
	// bits.
	RelevantArguments(args []string) ([]string, error)

	// RelevantEnvVars returns the environment variables that affect the
	// output bits.
	RelevantEnvVars() (map[string]string, error)

	// InputFiles returns the explicit source inputs, for direct mode.
	InputFiles(args []string) ([]string, error)

	// PreprocessSource runs the program's preprocessor and returns the
	// expanded source.
	PreprocessSource(ctx context.Context, args []string) ([]byte, error)

	// ImplicitInputFiles returns the input files discovered after a
	// successful run or hit, such as headers listed in a depfile.
	ImplicitInputFiles() []string

	// RunForMiss executes the wrapped program, streaming its output to the
	// process's standard streams while capturing it for the cache.
	RunForMiss(ctx context.Context) (RunResult, error)
}

// HashProgramBinary returns the default program identity: the fingerprint of
// the program binary's contents. Wrappers without a cheaper identity (such
// as --version output) can delegate to this.
func HashProgramBinary(exePath string) (string, error) {
	fp, err := hashutil.HashFile(exePath)
	if err != nil {
		return "", err
	}
	return fp.String(), nil
}

// capabilitySet is the negotiated result of wrapper capabilities and
// configuration gates.
type capabilitySet struct {
	createTargetDirs bool
	directMode       bool
	hardLinks        bool
}
