package filesys

import (
	"os"

	"github.com/pkg/errors"
)

// Cwd returns the current working directory of the process.
func Cwd() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "unable to determine the current working directory")
	}
	return dir, nil
}

// SetCwd changes the current working directory of the process. It fails if
// the target does not exist or is not a directory.
func SetCwd(dir string) error {
	if err := os.Chdir(dir); err != nil {
		return errors.Wrapf(err, "unable to change the working directory to %s", dir)
	}
	return nil
}

// WorkDir is a scoped working directory change. The working directory is
// process-wide state: a WorkDir must not be used concurrently from multiple
// goroutines of the same process without external synchronization. It is safe
// across processes, since each process has its own working directory.
type WorkDir struct {
	prev string
}

// EnterDir records the current working directory and changes to dir. The
// returned WorkDir restores the previous directory via Restore, typically
// deferred so restoration also happens when an error propagates through the
// scope body.
func EnterDir(dir string) (*WorkDir, error) {
	prev, err := Cwd()
	if err != nil {
		return nil, err
	}
	if err := SetCwd(dir); err != nil {
		return nil, err
	}
	return &WorkDir{prev: prev}, nil
}

// Restore changes back to the working directory that was current when
// EnterDir was called. Restoration is unconditional and best-effort.
func (w *WorkDir) Restore() {
	_ = os.Chdir(w.prev)
}
