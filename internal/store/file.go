package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// FileStore keeps the catalog as a single JSON array. Every operation loads
// the whole document and every mutation rewrites it, so the catalog must fit
// in memory. Writers in other processes are not detected.
type FileStore struct {
	fs   billy.Filesystem
	name string
	mu   sync.Mutex
}

// fileRecord is the on-disk shape of a Repository. Field names match the
// metadata documents written by earlier versions of the agent.
type fileRecord struct {
	URL            string     `json:"url"`
	CommitID       *string    `json:"commit_id"`
	PlaygroundPath string     `json:"playground_path"`
	KGRootNodeID   int64      `json:"kg_root_node_id"`
	KGMaxASTDepth  int        `json:"kg_max_ast_depth"`
	KGChunkSize    int        `json:"kg_chunk_size"`
	KGChunkOverlap int        `json:"kg_chunk_overlap"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// OpenFileStore opens the JSON catalog at path on the local filesystem,
// creating the parent directory if needed. A catalog that exists but cannot
// be parsed is reported as a *CorruptionError.
func OpenFileStore(path string) (*FileStore, error) {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}
	return NewFileStore(osfs.New(dir), name)
}

// NewFileStore opens the catalog named name inside fs.
func NewFileStore(fs billy.Filesystem, name string) (*FileStore, error) {
	s := &FileStore{fs: fs, name: name}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op; the file is only open for the duration of each call.
func (s *FileStore) Close() error { return nil }

// Find retrieves a repository by its (url, commit) key.
func (s *FileStore) Find(url, commitID string) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range repos {
		if repos[i].URL == url && repos[i].CommitID == commitID {
			r := repos[i]
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// FindAllByURL returns every cached version of url.
func (s *FileStore) FindAllByURL(url string) ([]Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []Repository
	for _, r := range repos {
		if r.URL == url {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAll returns all cached repositories in document order.
func (s *FileStore) ListAll() ([]Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Upsert inserts a repository or overwrites the one stored under the same key.
func (s *FileStore) Upsert(repo *Repository) error {
	if repo.URL == "" {
		return fmt.Errorf("upserting repository: url is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.load()
	if err != nil {
		return err
	}

	rec := *repo
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	replaced := false
	for i := range repos {
		sameKey := repos[i].Key() == rec.Key()
		if !sameKey && repos[i].WorkspacePath == rec.WorkspacePath {
			return fmt.Errorf("upserting %s: %w (%s)", rec.Key(), ErrPathConflict, repos[i].Key())
		}
		if sameKey {
			repos[i] = rec
			replaced = true
		}
	}
	if !replaced {
		repos = append(repos, rec)
	}

	return s.save(repos)
}

// Remove deletes the repository stored under (url, commitID).
func (s *FileStore) Remove(url, commitID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repos, err := s.load()
	if err != nil {
		return false, err
	}

	kept := repos[:0]
	removed := false
	for _, r := range repos {
		if r.URL == url && r.CommitID == commitID {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return false, nil
	}
	if err := s.save(kept); err != nil {
		return false, err
	}
	return true, nil
}

// load reads and validates the whole catalog. A missing file is an empty catalog.
func (s *FileStore) load() ([]Repository, error) {
	data, err := util.ReadFile(s.fs, s.name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata file: %w", err)
	}

	var records []fileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, s.corrupt(err)
	}

	repos := make([]Repository, 0, len(records))
	keys := make(map[Key]bool, len(records))
	paths := make(map[string]bool, len(records))
	for i, rec := range records {
		if rec.URL == "" {
			return nil, s.corrupt(fmt.Errorf("record %d has no url", i))
		}
		r := Repository{
			URL:           rec.URL,
			WorkspacePath: rec.PlaygroundPath,
			GraphRootID:   rec.KGRootNodeID,
			MaxASTDepth:   rec.KGMaxASTDepth,
			ChunkSize:     rec.KGChunkSize,
			ChunkOverlap:  rec.KGChunkOverlap,
		}
		if rec.CommitID != nil {
			r.CommitID = *rec.CommitID
		}
		if rec.CreatedAt != nil {
			r.CreatedAt = *rec.CreatedAt
		}
		if keys[r.Key()] {
			return nil, s.corrupt(fmt.Errorf("duplicate entry for %s", r.Key()))
		}
		if paths[r.WorkspacePath] {
			return nil, s.corrupt(fmt.Errorf("workspace path %s listed twice", r.WorkspacePath))
		}
		keys[r.Key()] = true
		paths[r.WorkspacePath] = true
		repos = append(repos, r)
	}
	return repos, nil
}

// save writes the catalog to a temporary file, syncs it and renames it over
// the previous document.
func (s *FileStore) save(repos []Repository) error {
	records := make([]fileRecord, 0, len(repos))
	for _, r := range repos {
		rec := fileRecord{
			URL:            r.URL,
			PlaygroundPath: r.WorkspacePath,
			KGRootNodeID:   r.GraphRootID,
			KGMaxASTDepth:  r.MaxASTDepth,
			KGChunkSize:    r.ChunkSize,
			KGChunkOverlap: r.ChunkOverlap,
		}
		if r.CommitID != "" {
			commit := r.CommitID
			rec.CommitID = &commit
		}
		if !r.CreatedAt.IsZero() {
			created := r.CreatedAt
			rec.CreatedAt = &created
		}
		records = append(records, rec)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	tmpName := s.name + ".tmp"
	f, err := s.fs.Create(tmpName)
	if err != nil {
		return fmt.Errorf("creating temporary metadata file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("writing temporary metadata file: %w", err)
	}
	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			f.Close()
			_ = s.fs.Remove(tmpName)
			return fmt.Errorf("syncing temporary metadata file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("closing temporary metadata file: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.name); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("replacing metadata file: %w", err)
	}
	return nil
}

func (s *FileStore) corrupt(err error) error {
	return &CorruptionError{Path: s.fs.Join(s.fs.Root(), s.name), Err: err}
}
