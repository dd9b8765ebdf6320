// Package cache derives cache keys from compiler invocation material and
// stores build artifacts keyed by those digests.
package cache

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrMiss is returned by Store.Get when no entry exists for a key. It is a
// routing signal, not a failure.
var ErrMiss = errors.New("cache miss")

// Store persists and retrieves build artifacts keyed by digest. Many
// independent processes may share one store; implementations must tolerate
// concurrent population of distinct keys without locking.
type Store interface {
	// Get retrieves the entry for a key, or ErrMiss.
	Get(ctx context.Context, key digest.Digest) (*Entry, error)

	// Put ingests artifacts and captured compiler output under a key.
	Put(ctx context.Context, key digest.Digest, entry PutEntry) error

	// CopyOut copies a stored artifact to a destination path.
	CopyOut(ctx context.Context, key digest.Digest, name, dest string) error

	// Has reports whether an entry exists for a key.
	Has(ctx context.Context, key digest.Digest) (bool, error)

	// Remove deletes the entry for a key, if any.
	Remove(ctx context.Context, key digest.Digest) error

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Stats reports the entry count and total artifact size.
	Stats(ctx context.Context) (*Stats, error)
}

// Entry is a retrieved cache entry.
type Entry struct {
	// Key is the cache key the entry is stored under.
	Key digest.Digest `json:"key"`

	// Files maps logical artifact names ("object", "dep", ...) to stored
	// object names inside the store.
	Files map[string]string `json:"files"`

	// Stdout and Stderr replay the compiler output of the original run.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// CreatedAt is when the entry was ingested.
	CreatedAt time.Time `json:"created_at"`
}

// PutEntry describes what to ingest for a key.
type PutEntry struct {
	// Files maps logical artifact names to local paths to ingest.
	Files map[string]string

	// Stdout and Stderr are the captured compiler output.
	Stdout string
	Stderr string
}

// Stats reports store-wide totals.
type Stats struct {
	// Entries is the number of cached entries.
	Entries int64 `json:"entries"`

	// Size is the total size of stored artifacts in bytes.
	Size int64 `json:"size"`
}
