package filesys

import (
	"os"
	"path/filepath"
	"testing"
)

// resolvedDir works around symlinked temp dirs (e.g. /tmp on macOS) so that
// cwd comparisons are stable.
func resolvedDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	return dir
}

func TestSetCwdAndCwd(t *testing.T) {
	old, err := Cwd()
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}
	defer func() { _ = os.Chdir(old) }()

	target := resolvedDir(t)
	if err := SetCwd(target); err != nil {
		t.Fatalf("SetCwd: %v", err)
	}

	got, err := Cwd()
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}
	if got != target {
		t.Errorf("Cwd = %q, want %q", got, target)
	}
}

func TestSetCwdMissingTarget(t *testing.T) {
	if err := SetCwd(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Error("SetCwd to a missing directory succeeded")
	}
}

func TestWorkDirScope(t *testing.T) {
	old, err := Cwd()
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}

	target := resolvedDir(t)
	wd, err := EnterDir(target)
	if err != nil {
		t.Fatalf("EnterDir: %v", err)
	}

	got, err := Cwd()
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}
	if got != target {
		t.Errorf("Cwd inside scope = %q, want %q", got, target)
	}

	wd.Restore()

	got, err = Cwd()
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}
	if got != old {
		t.Errorf("Cwd after restore = %q, want %q", got, old)
	}
}

func TestWorkDirRestoresOnFailure(t *testing.T) {
	old, err := Cwd()
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}

	// Simulate a scope body that fails: Restore runs via defer regardless.
	func() {
		wd, err := EnterDir(resolvedDir(t))
		if err != nil {
			t.Fatalf("EnterDir: %v", err)
		}
		defer wd.Restore()

		// The body errors out here; the deferred restore must still run.
	}()

	got, err := Cwd()
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}
	if got != old {
		t.Errorf("Cwd after failed scope = %q, want %q", got, old)
	}
}

func TestEnterDirMissingTarget(t *testing.T) {
	old, err := Cwd()
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}

	if _, err := EnterDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("EnterDir to a missing directory succeeded")
	}

	// A failed entry must leave the working directory untouched.
	got, err := Cwd()
	if err != nil {
		t.Fatalf("Cwd: %v", err)
	}
	if got != old {
		t.Errorf("Cwd after failed EnterDir = %q, want %q", got, old)
	}
}
