// Package buildcache accelerates repeated invocations of deterministic
// build programs by mapping each invocation to a content-addressed
// fingerprint and reusing previously produced outputs.
//
// The package sits between a build driver and a wrapped program, pretending
// to be that program: on a cache hit it materializes the previously captured
// outputs (stdout, stderr, exit code, generated files) in place; on a miss
// it runs the program through the wrapper, observes the outputs, and commits
// them.
//
// Per-compiler knowledge lives outside this module, behind the Wrapper
// interface. The cache tiers live in cache/disk (local store) and
// cache/remote (HTTP store); Facade orders them, and Driver runs the
// lookup/commit state machine for one invocation.
package buildcache

import (
	"errors"

	"github.com/meigma/buildcache/cache"
)

// Re-export the shared cache types for callers that only import the root
// package.
type (
	// Fingerprint is the hex digest of a 128-bit hash identifying a cache key.
	Fingerprint = cache.Fingerprint

	// Entry describes a cache entry to be committed.
	Entry = cache.Entry

	// ExpectedFile describes one output the wrapped program should produce.
	ExpectedFile = cache.ExpectedFile

	// ExpectedFiles maps file ids to their descriptors.
	ExpectedFiles = cache.ExpectedFiles

	// Outcome is the result of a cache lookup.
	Outcome = cache.Outcome
)

// ErrNoCommand is returned when an invocation names no program to run.
var ErrNoCommand = errors.New("buildcache: empty command line")
