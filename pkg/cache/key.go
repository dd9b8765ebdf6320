package cache

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Material is everything that goes into a cache key. It is a deterministic
// function of a resolved compiler invocation; the same material always
// digests to the same key.
type Material struct {
	// ProgramID is the compiler identity (absolute path plus version). It
	// leads the key so that different compiler versions never collide.
	ProgramID string

	// Arguments is the order-preserving relevant argument subset.
	Arguments []string

	// EnvVars is the relevant environment subset.
	EnvVars map[string]string

	// InputFiles are the source files named on the command line. Their
	// contents are hashed into the key.
	InputFiles []string

	// ImplicitInputFiles are discovered dependencies (headers); their
	// contents are hashed into the key as well.
	ImplicitInputFiles []string

	// PreprocessedSource optionally carries the canonical preprocessed
	// translation unit. Empty means direct mode.
	PreprocessedSource string
}

// Digest computes the cache key for the material. File contents are hashed
// concurrently; the resulting key is order-stable regardless.
func (m *Material) Digest(ctx context.Context, fs afero.Fs) (digest.Digest, error) {
	inputIDs, err := hashFiles(ctx, fs, m.InputFiles)
	if err != nil {
		return "", err
	}
	implicitIDs, err := hashFiles(ctx, fs, m.ImplicitInputFiles)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	section := func(name string, values []string) {
		fmt.Fprintf(&sb, "%s:%d\n", name, len(values))
		for _, v := range values {
			sb.WriteString(v)
			sb.WriteByte('\n')
		}
	}

	section("program", []string{m.ProgramID})
	section("args", m.Arguments)

	envKeys := make([]string, 0, len(m.EnvVars))
	for k := range m.EnvVars {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	env := make([]string, 0, len(envKeys))
	for _, k := range envKeys {
		env = append(env, k+"="+m.EnvVars[k])
	}
	section("env", env)

	section("inputs", inputIDs)
	section("implicit", implicitIDs)

	if m.PreprocessedSource != "" {
		section("preprocessed", []string{fmt.Sprintf("%016x", xxhash.Sum64String(m.PreprocessedSource))})
	}

	return digest.FromString(sb.String()), nil
}

// hashFiles computes "path=contenthash" identities for the given files,
// fanning the reads out across goroutines while preserving input order.
func hashFiles(ctx context.Context, fs afero.Fs, paths []string) ([]string, error) {
	ids := make([]string, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := hashFile(fs, path)
			if err != nil {
				return err
			}
			ids[i] = fmt.Sprintf("%s=%016x", path, sum)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// hashFile returns the xxhash of a file's content.
func hashFile(fs afero.Fs, path string) (uint64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to hash input file %s", path)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, errors.Wrapf(err, "unable to read input file %s", path)
	}
	return h.Sum64(), nil
}
