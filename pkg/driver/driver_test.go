package driver

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/compcache/compcache/pkg/cache"
)

// fakeCompiler installs a shell script that behaves like a gcc driver:
// it answers --version, writes a fixed translation unit in preprocess mode
// (tracing the header named by FAKECC_HDR), writes a make rule in
// dependency-generation mode and a fixed object file in compile mode.
// Compile runs are appended to the file named by FAKECC_COUNT, and
// FAKECC_FAIL=1 makes compilation fail.
func fakeCompiler(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	script := `#!/bin/sh
out=""
mode="link"
while [ $# -gt 0 ]; do
  case "$1" in
    --version) echo "fakegcc (cache driver test) 1.0.0"; exit 0 ;;
    -E) mode="preprocess" ;;
    -M) mode="depgen" ;;
    -c) mode="compile" ;;
    -MF) out="$2"; shift ;;
    -o) out="$2"; shift ;;
  esac
  shift
done
case "$mode" in
  preprocess)
    echo "preprocessed unit" > "$out"
    if [ -n "$FAKECC_HDR" ]; then echo ". $FAKECC_HDR" >&2; fi
    ;;
  depgen)
    echo "foo.o: $FAKECC_HDR" > "$out"
    ;;
  compile)
    if [ -n "$FAKECC_COUNT" ]; then echo run >> "$FAKECC_COUNT"; fi
    if [ "$FAKECC_FAIL" = "1" ]; then echo "boom" >&2; exit 7; fi
    echo "object-bytes" > "$out"
    ;;
esac
exit 0
`
	path := filepath.Join(t.TempDir(), "fakegcc")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

type fixture struct {
	driver   *Driver
	store    *cache.LocalStore
	compiler string
	counter  string
	src      string
	hdr      string
	obj      string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	compiler := fakeCompiler(t)

	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	t.Setenv("FAKECC_COUNT", counter)

	src := filepath.Join(dir, "foo.c")
	if err := os.WriteFile(src, []byte("int main(void){return 0;}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	hdr := filepath.Join(dir, "foo.h")
	if err := os.WriteFile(hdr, []byte("#define VALUE 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("FAKECC_HDR", hdr)

	store, err := cache.NewLocalStore(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	return &fixture{
		driver:   New(store, opts...),
		store:    store,
		compiler: compiler,
		counter:  counter,
		src:      src,
		hdr:      hdr,
		obj:      filepath.Join(dir, "foo.o"),
	}
}

func (f *fixture) compileArgs() []string {
	return []string{f.compiler, "-c", "-o", f.obj, f.src}
}

func (f *fixture) compileCount(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(f.counter)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return strings.Count(string(data), "run")
}

func TestMissThenHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.driver.Run(ctx, f.compileArgs(), os.Environ())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if f.compileCount(t) != 1 {
		t.Fatalf("compile count = %d after the first run, want 1", f.compileCount(t))
	}

	// Drop the object and run again: the artifact must come back from the
	// cache without another compile.
	if err := os.Remove(f.obj); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	code, err = f.driver.Run(ctx, f.compileArgs(), os.Environ())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if f.compileCount(t) != 1 {
		t.Errorf("compile count = %d after the second run, want 1", f.compileCount(t))
	}
	data, err := os.ReadFile(f.obj)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "object-bytes\n" {
		t.Errorf("replayed object = %q", data)
	}
}

func TestSourceChangeInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.driver.Run(ctx, f.compileArgs(), os.Environ()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := os.WriteFile(f.src, []byte("int main(void){return 1;}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := f.driver.Run(ctx, f.compileArgs(), os.Environ()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.compileCount(t) != 2 {
		t.Errorf("compile count = %d after a source change, want 2", f.compileCount(t))
	}
}

func TestHeaderChangeInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.driver.Run(ctx, f.compileArgs(), os.Environ()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Editing a header discovered through the include trace must change the
	// key even though the command line is identical.
	if err := os.WriteFile(f.hdr, []byte("#define VALUE 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := f.driver.Run(ctx, f.compileArgs(), os.Environ()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.compileCount(t) != 2 {
		t.Errorf("compile count = %d after a header change, want 2", f.compileCount(t))
	}
}

func TestHeaderChangeInvalidatesDirectMode(t *testing.T) {
	f := newFixture(t, WithPreprocessHash(false))
	ctx := context.Background()

	if _, err := f.driver.Run(ctx, f.compileArgs(), os.Environ()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Direct mode never preprocesses, so the headers found by dependency
	// generation are the only thing standing between a header edit and a
	// stale replay.
	if err := os.WriteFile(f.hdr, []byte("#define VALUE 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Remove(f.obj); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.driver.Run(ctx, f.compileArgs(), os.Environ()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.compileCount(t) != 2 {
		t.Errorf("compile count = %d after a header change, want 2", f.compileCount(t))
	}
}

func TestLinkRunsUncached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No -c: not a cacheable compile, must run directly and store nothing.
	code, err := f.driver.Run(ctx, []string{f.compiler, "-o", f.obj, f.src}, os.Environ())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	stats, err := f.store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("store holds %d entries after an uncacheable run, want 0", stats.Entries)
	}
}

func TestCompileFailurePropagates(t *testing.T) {
	f := newFixture(t)
	t.Setenv("FAKECC_FAIL", "1")
	ctx := context.Background()

	code, err := f.driver.Run(ctx, f.compileArgs(), os.Environ())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	stats, err := f.store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("store holds %d entries after a failed compile, want 0", stats.Entries)
	}
}

func TestDisabledAlwaysCompiles(t *testing.T) {
	f := newFixture(t, WithDisabled(true))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.driver.Run(ctx, f.compileArgs(), os.Environ()); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if f.compileCount(t) != 2 {
		t.Errorf("compile count = %d with the cache disabled, want 2", f.compileCount(t))
	}
}

func TestDirectModeHitsWithoutPreprocess(t *testing.T) {
	f := newFixture(t, WithPreprocessHash(false))
	ctx := context.Background()

	if _, err := f.driver.Run(ctx, f.compileArgs(), os.Environ()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := os.Remove(f.obj); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.driver.Run(ctx, f.compileArgs(), os.Environ()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.compileCount(t) != 1 {
		t.Errorf("compile count = %d, want 1", f.compileCount(t))
	}
	if _, err := os.Stat(f.obj); err != nil {
		t.Errorf("object not replayed: %v", err)
	}
}
