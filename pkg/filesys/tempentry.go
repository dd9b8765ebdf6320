package filesys

import (
	"os"

	"github.com/pkg/errors"
)

// maxPathAttempts bounds the defensive retry loop when a freshly generated
// temporary path unexpectedly already exists.
const maxPathAttempts = 10

// TempEntry owns a unique filesystem path of the form <base><id><extension>.
// Nothing exists at the path when the entry is created; the caller may create
// either a regular file or a directory tree at Path(). Cleanup removes
// whatever exists at the path and is intended to be deferred:
//
//	tmp, err := filesys.NewTempEntry(dir, ".o")
//	if err != nil { ... }
//	defer tmp.Cleanup()
//
// Concurrent processes never receive the same path, so creation needs no
// cross-process locking.
type TempEntry struct {
	path string
}

// NewTempEntry reserves a unique path starting with base and ending with ext.
// A collision with a pre-existing filesystem entry is retried with a fresh
// ID; repeated collisions escalate to an error.
func NewTempEntry(base, ext string) (*TempEntry, error) {
	for i := 0; i < maxPathAttempts; i++ {
		candidate := base + UniqueID() + ext
		_, err := os.Lstat(candidate)
		if os.IsNotExist(err) {
			return &TempEntry{path: candidate}, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "unable to probe temporary path %s", candidate)
		}
	}
	return nil, errors.Errorf("unable to find a free temporary path under %s after %d attempts", base, maxPathAttempts)
}

// Path returns the reserved path.
func (t *TempEntry) Path() string {
	return t.path
}

// Cleanup removes the file or directory tree at the reserved path, if any.
// Cleanup is best-effort: it may run during error unwinding and therefore
// never fails.
func (t *TempEntry) Cleanup() {
	_ = os.RemoveAll(t.path)
}
