// Package wrapper defines the compiler wrapper contract and its
// implementations. A wrapper turns a captured compiler invocation into the
// material a cache driver needs: relevant arguments, relevant environment
// variables, input files, implicit input files and expected build artifacts.
package wrapper

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Capability names declared by wrapper implementations.
const (
	// CapPreprocessSource indicates that PreprocessSource is supported and
	// a preprocessed-source digest may be used as part of the cache key.
	CapPreprocessSource = "preprocess-source"

	// CapDirectMode indicates that hashing the raw source plus implicit
	// input files is a sound substitute for preprocessing.
	CapDirectMode = "direct-mode"
)

// Wrapper is the contract every supported compiler family implements. The
// driver picks a variant via ordered CanHandleCommand checks, calls
// ResolveArgs exactly once, then combines the query results into a cache key.
type Wrapper interface {
	// CanHandleCommand returns true if this wrapper applies to the
	// invocation. It is pure and side-effect free; false is a routing
	// signal, not an error.
	CanHandleCommand() bool

	// Capabilities declares the optional behaviors this wrapper supports.
	Capabilities() []string

	// ResolveArgs expands response files, detects the compiler dialect and
	// records implicit inputs discovered along the way. It must run before
	// any of the query methods below.
	ResolveArgs() error

	// BuildFiles returns the artifacts this invocation is expected to
	// produce, keyed by logical name ("object", "dep", ...).
	BuildFiles() (map[string]BuildFile, error)

	// ProgramID returns a stable identity of the compiler binary (resolved
	// absolute path plus reported version). It leads the cache key so that
	// different compiler versions never collide.
	ProgramID(ctx context.Context) (string, error)

	// RelevantArguments returns the order-preserving subset of arguments
	// that affects compiled output.
	RelevantArguments() ([]string, error)

	// RelevantEnvVars returns the environment subset that affects compiled
	// output.
	RelevantEnvVars() (map[string]string, error)

	// InputFiles returns the source files named on the command line.
	InputFiles() ([]string, error)

	// PreprocessSource returns a canonical preprocessed representation of
	// the translation unit, and captures implicit input files as a side
	// effect of the preprocessor run.
	PreprocessSource(ctx context.Context) (string, error)

	// ImplicitInputFiles returns dependencies not named on the command
	// line (typically headers) that must invalidate a cache entry when
	// changed. When PreprocessSource has not run, implementations discover
	// them on demand (e.g. via the compiler's dependency generation).
	ImplicitInputFiles(ctx context.Context) ([]string, error)
}

// BuildFile describes one expected output artifact of an invocation.
type BuildFile struct {
	// Path is where the compiler writes the artifact.
	Path string

	// Required marks artifacts that must exist after a successful compile.
	// A missing required artifact is a hard failure; a missing optional
	// one is not.
	Required bool
}

// CompatMode is the compiler-flag dialect of an invocation. It is assigned
// exactly once during argument resolution and never reassigned.
type CompatMode int

const (
	CompatNotSpecified CompatMode = iota
	CompatGcc
	CompatClang
)

// String returns a human-readable dialect name.
func (m CompatMode) String() string {
	switch m {
	case CompatGcc:
		return "gcc"
	case CompatClang:
		return "clang"
	default:
		return "not-specified"
	}
}

// ErrNotResolved is returned by query methods invoked before ResolveArgs.
var ErrNotResolved = errors.New("invocation is not resolved")

// ParseError reports an unreadable or malformed response file. It aborts key
// derivation for the whole invocation; the caller falls back to uncached
// compilation.
type ParseError struct {
	File  string
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse response file %s: %v", e.File, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Option configures a wrapper at construction time.
type Option func(*options)

type options struct {
	preprocessHash bool
}

// WithPreprocessHash declares that the driver will include a
// preprocessed-source digest in the cache key. Families that consume macro
// definitions during preprocessing then drop -D flags from the relevant
// argument set to avoid double-counting.
func WithPreprocessHash(enabled bool) Option {
	return func(o *options) {
		o.preprocessHash = enabled
	}
}

// Select returns the first registered wrapper variant that accepts the
// invocation, or nil when no variant applies and the command should run
// uncached.
func Select(inv Invocation, opts ...Option) Wrapper {
	candidates := []Wrapper{
		NewGCC(inv, opts...),
	}
	for _, w := range candidates {
		if w.CanHandleCommand() {
			return w
		}
	}
	return nil
}
