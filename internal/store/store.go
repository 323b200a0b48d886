package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no record exists for a (url, commit) key.
var ErrNotFound = errors.New("repository not found")

// ErrPathConflict is returned when an upsert would give a workspace path to a
// second key. A workspace path belongs to exactly one live record.
var ErrPathConflict = errors.New("workspace path already owned by another repository")

// CorruptionError reports persisted metadata that cannot be read back. It is
// fatal: the store refuses to operate rather than silently dropping records.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("metadata store %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Key is the composite identity of a cached repository version. An empty
// CommitID means "track latest" and is distinct from every pinned commit.
type Key struct {
	URL      string
	CommitID string
}

// String renders the key for logs and CLI output.
func (k Key) String() string {
	if k.CommitID == "" {
		return k.URL + " (latest)"
	}
	return k.URL + "@" + k.CommitID
}

// Repository is one cached repository version: a cloned workspace plus the
// knowledge graph built from it.
type Repository struct {
	URL           string
	CommitID      string
	WorkspacePath string
	GraphRootID   int64
	MaxASTDepth   int
	ChunkSize     int
	ChunkOverlap  int
	CreatedAt     time.Time
}

// Key returns the composite identity of the record.
func (r *Repository) Key() Key {
	return Key{URL: r.URL, CommitID: r.CommitID}
}

// IsLatest reports whether the record tracks the latest commit.
func (r *Repository) IsLatest() bool {
	return r.CommitID == ""
}

// CommitLabel returns the commit id, or "Latest" when none is pinned.
func (r *Repository) CommitLabel() string {
	if r.CommitID == "" {
		return "Latest"
	}
	return r.CommitID
}

// Store defines the metadata operations used by the repository cache.
// It is satisfied by *DB and *FileStore and can be replaced with a stub for testing.
type Store interface {
	// Find returns the record for the exact (url, commitID) key or ErrNotFound.
	Find(url, commitID string) (*Repository, error)

	// FindAllByURL returns every version cached for url, in no particular order.
	FindAllByURL(url string) ([]Repository, error)

	// Upsert inserts or overwrites the record stored under its key. It returns
	// only after the change is durable.
	Upsert(repo *Repository) error

	// Remove deletes the record for the key and reports whether one existed.
	Remove(url, commitID string) (bool, error)

	// ListAll returns every record.
	ListAll() ([]Repository, error)

	// Close releases the underlying resources.
	Close() error
}

// Compile-time checks that both backends satisfy the Store interface.
var (
	_ Store = (*DB)(nil)
	_ Store = (*FileStore)(nil)
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Open opens the metadata store for the named backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendJSON, "":
		fs, err := OpenFileStore(path)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case BackendSQLite:
		db, err := OpenDB(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported metadata backend: %q", backend)
	}
}
