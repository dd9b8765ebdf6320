// Package driver orchestrates a cached compiler invocation: wrapper
// selection, cache key derivation, artifact replay on a hit and compiler
// execution plus ingestion on a miss.
package driver

import (
	"context"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/compcache/compcache/pkg/cache"
	"github.com/compcache/compcache/pkg/sys"
	"github.com/compcache/compcache/pkg/wrapper"
)

// Driver ties a wrapper and a cache store together for one process.
type Driver struct {
	store          cache.Store
	fs             afero.Fs
	preprocessHash bool
	disabled       bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithFs overrides the filesystem used for hashing inputs and verifying
// artifacts.
func WithFs(fs afero.Fs) Option {
	return func(d *Driver) {
		d.fs = fs
	}
}

// WithPreprocessHash selects whether cache keys include a preprocessed-source
// digest (more precise, costs a preprocessor run per miss) or hash the raw
// sources plus discovered headers directly.
func WithPreprocessHash(enabled bool) Option {
	return func(d *Driver) {
		d.preprocessHash = enabled
	}
}

// WithDisabled bypasses the cache entirely; every invocation runs the real
// compiler.
func WithDisabled(disabled bool) Option {
	return func(d *Driver) {
		d.disabled = disabled
	}
}

// New creates a driver backed by the given store.
func New(store cache.Store, opts ...Option) *Driver {
	d := &Driver{
		store:          store,
		fs:             afero.NewOsFs(),
		preprocessHash: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one compiler invocation through the cache and returns the
// exit code to propagate. Invocations the cache cannot handle fall back to
// direct compiler execution; only infrastructure failures (an unreadable
// store, a missing required artifact after a successful compile) surface as
// errors.
func (d *Driver) Run(ctx context.Context, args, environ []string) (int, error) {
	if d.disabled {
		return d.runDirect(ctx, args)
	}

	inv := wrapper.NewInvocation(args, environ)
	w := wrapper.Select(inv, wrapper.WithPreprocessHash(d.preprocessHash))
	if w == nil {
		log.Debug().Strs("cmd", args).Msg("no wrapper accepts this command, running uncached")
		return d.runDirect(ctx, args)
	}

	if err := w.ResolveArgs(); err != nil {
		log.Warn().Err(err).Msg("unable to resolve the invocation, running uncached")
		return d.runDirect(ctx, args)
	}

	buildFiles, err := w.BuildFiles()
	if err != nil {
		log.Debug().Err(err).Msg("invocation is not cacheable, running uncached")
		return d.runDirect(ctx, args)
	}

	key, err := d.deriveKey(ctx, w)
	if err != nil {
		log.Warn().Err(err).Msg("unable to derive a cache key, running uncached")
		return d.runDirect(ctx, args)
	}

	entry, err := d.store.Get(ctx, key)
	switch {
	case err == nil:
		code, replayErr := d.replay(ctx, key, entry, buildFiles)
		if replayErr == nil {
			log.Debug().Stringer("key", key).Msg("cache hit")
			return code, nil
		}
		log.Warn().Err(replayErr).Stringer("key", key).Msg("unable to replay the cache entry, recompiling")
	case errors.Is(err, cache.ErrMiss):
		log.Debug().Stringer("key", key).Msg("cache miss")
	default:
		return 0, errors.Wrap(err, "unable to query the cache")
	}

	return d.compileAndStore(ctx, key, args, buildFiles)
}

// deriveKey collects key material from the wrapper and digests it. The
// preprocessed-source digest is included when both the configuration and the
// wrapper's capabilities allow it.
func (d *Driver) deriveKey(ctx context.Context, w wrapper.Wrapper) (digest.Digest, error) {
	programID, err := w.ProgramID(ctx)
	if err != nil {
		return "", err
	}

	material := cache.Material{ProgramID: programID}
	if material.Arguments, err = w.RelevantArguments(); err != nil {
		return "", err
	}
	if material.EnvVars, err = w.RelevantEnvVars(); err != nil {
		return "", err
	}
	if material.InputFiles, err = w.InputFiles(); err != nil {
		return "", err
	}

	if d.preprocessHash && hasCapability(w, wrapper.CapPreprocessSource) {
		if material.PreprocessedSource, err = w.PreprocessSource(ctx); err != nil {
			return "", err
		}
	}
	if material.ImplicitInputFiles, err = w.ImplicitInputFiles(ctx); err != nil {
		return "", err
	}

	return material.Digest(ctx, d.fs)
}

// replay copies the stored artifacts to the paths this invocation expects and
// re-emits the captured compiler output.
func (d *Driver) replay(ctx context.Context, key digest.Digest, entry *cache.Entry, buildFiles map[string]wrapper.BuildFile) (int, error) {
	for name, bf := range buildFiles {
		stored, ok := entry.Files[name]
		if !ok {
			if bf.Required {
				return 0, errors.Errorf("cache entry lacks the required artifact %q", name)
			}
			continue
		}
		if err := d.store.CopyOut(ctx, key, stored, bf.Path); err != nil {
			return 0, err
		}
	}

	_, _ = os.Stdout.WriteString(entry.Stdout)
	_, _ = os.Stderr.WriteString(entry.Stderr)
	return 0, nil
}

// compileAndStore runs the real compiler and, on success, ingests the
// produced artifacts under the key. A failed Put is logged but does not fail
// the build.
func (d *Driver) compileAndStore(ctx context.Context, key digest.Digest, args []string, buildFiles map[string]wrapper.BuildFile) (int, error) {
	result, err := sys.RunWithPrefix(ctx, args, sys.RunOptions{})
	if err != nil {
		return 0, err
	}
	if result.ExitCode != 0 {
		return result.ExitCode, nil
	}

	put := cache.PutEntry{
		Files:  make(map[string]string, len(buildFiles)),
		Stdout: result.Stdout,
		Stderr: result.Stderr,
	}
	for name, bf := range buildFiles {
		exists, err := afero.Exists(d.fs, bf.Path)
		if err != nil {
			return 0, errors.Wrapf(err, "unable to probe the artifact %s", bf.Path)
		}
		if !exists {
			if bf.Required {
				return 0, errors.Errorf("the compiler did not produce the required artifact %s", bf.Path)
			}
			continue
		}
		put.Files[name] = bf.Path
	}

	if err := d.store.Put(ctx, key, put); err != nil {
		log.Warn().Err(err).Stringer("key", key).Msg("unable to store the cache entry")
	}
	return 0, nil
}

// runDirect executes the compiler without cache involvement, forwarding its
// output.
func (d *Driver) runDirect(ctx context.Context, args []string) (int, error) {
	result, err := sys.RunWithPrefix(ctx, args, sys.RunOptions{})
	if err != nil {
		return 0, err
	}
	return result.ExitCode, nil
}

// hasCapability reports whether a wrapper declares the named capability.
func hasCapability(w wrapper.Wrapper, name string) bool {
	for _, c := range w.Capabilities() {
		if c == name {
			return true
		}
	}
	return false
}
