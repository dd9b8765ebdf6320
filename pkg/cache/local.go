package cache

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// LocalStore is a filesystem-backed Store. Entries live under two sharded
// trees:
//
//	<root>/manifests/<xx>/<hex>.json
//	<root>/objects/<xx>/<hex>/<logical name>
//
// where <xx> is the first two hex characters of the key. Distinct keys never
// share paths, so concurrent processes can populate the store without
// locking; last-writer-wins on identical keys is acceptable because identical
// keys imply identical artifacts.
type LocalStore struct {
	root    string
	fs      afero.Fs
	now     func() time.Time
	maxSize int64
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithFs overrides the filesystem implementation, e.g. an in-memory
// filesystem for tests.
func WithFs(fs afero.Fs) LocalOption {
	return func(s *LocalStore) {
		s.fs = fs
	}
}

// WithNowFunc overrides the clock used for entry timestamps.
func WithNowFunc(now func() time.Time) LocalOption {
	return func(s *LocalStore) {
		s.now = now
	}
}

// WithMaxSize bounds the total artifact size of the store; Put evicts the
// oldest entries past the bound. Zero means unbounded.
func WithMaxSize(limit int64) LocalOption {
	return func(s *LocalStore) {
		s.maxSize = limit
	}
}

// NewLocalStore opens (and creates if necessary) a local store rooted at the
// given directory.
func NewLocalStore(root string, opts ...LocalOption) (*LocalStore, error) {
	s := &LocalStore{
		root: root,
		fs:   afero.NewOsFs(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.fs.MkdirAll(s.manifestDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "unable to create the manifests directory")
	}
	if err := s.fs.MkdirAll(s.objectsDir(), 0o755); err != nil {
		return nil, errors.Wrap(err, "unable to create the objects directory")
	}
	return s, nil
}

func (s *LocalStore) manifestDir() string {
	return filepath.Join(s.root, "manifests")
}

func (s *LocalStore) objectsDir() string {
	return filepath.Join(s.root, "objects")
}

func (s *LocalStore) manifestPath(key digest.Digest) string {
	hex := key.Encoded()
	return filepath.Join(s.manifestDir(), hex[:2], hex+".json")
}

func (s *LocalStore) objectDir(key digest.Digest) string {
	hex := key.Encoded()
	return filepath.Join(s.objectsDir(), hex[:2], hex)
}

// Get implements Store.
func (s *LocalStore) Get(ctx context.Context, key digest.Digest) (*Entry, error) {
	data, err := afero.ReadFile(s.fs, s.manifestPath(key))
	if os.IsNotExist(err) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read the manifest for %s", key)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.Wrapf(err, "corrupt manifest for %s", key)
	}
	return &entry, nil
}

// Put implements Store. The object tree is written before the manifest, so a
// concurrent reader either misses the entry or sees it complete.
func (s *LocalStore) Put(ctx context.Context, key digest.Digest, put PutEntry) error {
	objDir := s.objectDir(key)
	if err := s.fs.MkdirAll(objDir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create the object directory for %s", key)
	}

	entry := &Entry{
		Key:       key,
		Files:     make(map[string]string, len(put.Files)),
		Stdout:    put.Stdout,
		Stderr:    put.Stderr,
		CreatedAt: s.now(),
	}
	for name, src := range put.Files {
		if err := s.copyFile(src, filepath.Join(objDir, name)); err != nil {
			return err
		}
		entry.Files[name] = name
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to marshal the manifest")
	}
	manifest := s.manifestPath(key)
	if err := s.fs.MkdirAll(filepath.Dir(manifest), 0o755); err != nil {
		return errors.Wrap(err, "unable to create the manifest directory")
	}
	if err := afero.WriteFile(s.fs, manifest, data, 0o644); err != nil {
		return errors.Wrapf(err, "unable to write the manifest for %s", key)
	}

	log.Debug().Stringer("key", key).Int("files", len(put.Files)).Msg("cache entry stored")

	// A full store is not a broken store; eviction failures are logged, not
	// propagated.
	if err := s.trim(ctx); err != nil {
		log.Warn().Err(err).Msg("unable to trim the cache")
	}
	return nil
}

// trim evicts the oldest entries until the total artifact size fits the
// configured bound.
func (s *LocalStore) trim(ctx context.Context) error {
	if s.maxSize <= 0 {
		return nil
	}

	type aged struct {
		key       digest.Digest
		createdAt time.Time
		size      int64
	}
	var entries []aged
	var total int64
	err := afero.Walk(s.fs, s.manifestDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			return err
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return errors.Wrapf(err, "corrupt manifest %s", path)
		}
		size, err := s.entrySize(entry.Key)
		if err != nil {
			return err
		}
		entries = append(entries, aged{key: entry.Key, createdAt: entry.CreatedAt, size: size})
		total += size
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unable to scan the store for eviction")
	}
	if total <= s.maxSize {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	for _, e := range entries {
		if total <= s.maxSize {
			break
		}
		if err := s.Remove(ctx, e.key); err != nil {
			return err
		}
		total -= e.size
		log.Debug().Stringer("key", e.key).Int64("size", e.size).Msg("cache entry evicted")
	}
	return nil
}

// entrySize sums the stored artifact sizes of one entry.
func (s *LocalStore) entrySize(key digest.Digest) (int64, error) {
	var size int64
	err := afero.Walk(s.fs, s.objectDir(key), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "unable to size the objects for %s", key)
	}
	return size, nil
}

// CopyOut implements Store.
func (s *LocalStore) CopyOut(ctx context.Context, key digest.Digest, name, dest string) error {
	return s.copyFile(filepath.Join(s.objectDir(key), name), dest)
}

// Has implements Store.
func (s *LocalStore) Has(ctx context.Context, key digest.Digest) (bool, error) {
	exists, err := afero.Exists(s.fs, s.manifestPath(key))
	if err != nil {
		return false, errors.Wrapf(err, "unable to probe the manifest for %s", key)
	}
	return exists, nil
}

// Remove implements Store.
func (s *LocalStore) Remove(ctx context.Context, key digest.Digest) error {
	if err := s.fs.Remove(s.manifestPath(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to remove the manifest for %s", key)
	}
	if err := s.fs.RemoveAll(s.objectDir(key)); err != nil {
		return errors.Wrapf(err, "unable to remove the objects for %s", key)
	}
	return nil
}

// Clear implements Store.
func (s *LocalStore) Clear(ctx context.Context) error {
	for _, dir := range []string{s.manifestDir(), s.objectsDir()} {
		if err := s.fs.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "unable to remove %s", dir)
		}
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "unable to recreate %s", dir)
		}
	}
	return nil
}

// Stats implements Store.
func (s *LocalStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := afero.Walk(s.fs, s.manifestDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		stats.Entries++
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to walk the manifests")
	}

	err = afero.Walk(s.fs, s.objectsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		stats.Size += info.Size()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to walk the objects")
	}
	return stats, nil
}

// copyFile copies a regular file within the store's filesystem.
func (s *LocalStore) copyFile(src, dest string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", src)
	}
	defer in.Close()

	if err := s.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "unable to create the directory for %s", dest)
	}
	out, err := s.fs.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", dest)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "unable to copy %s to %s", src, dest)
	}
	return out.Close()
}
