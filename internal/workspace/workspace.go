// Package workspace manages the on-disk directories that hold cloned
// repositories. Each cached repository version owns exactly one directory
// tree; this package creates, probes and releases those trees.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
)

const maxAllocateAttempts = 8

// FS is the workspace filesystem rooted at a repositories directory.
type FS struct {
	fs   billy.Filesystem
	root string
}

// ErrRelativeRoot is returned for a workspace root that is not absolute.
var ErrRelativeRoot = errors.New("workspace root must be an absolute path")

// New returns an FS on the local filesystem. Paths handed out and accepted
// are absolute.
func New(root string) (*FS, error) {
	return NewWithFilesystem(osfs.New("/"), root)
}

// NewWithFilesystem returns an FS backed by an arbitrary billy filesystem,
// typically memfs in tests. The filesystem is addressed from "/", so a
// relative root would silently resolve against it and is rejected.
func NewWithFilesystem(bfs billy.Filesystem, root string) (*FS, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: %q", ErrRelativeRoot, root)
	}
	return &FS{fs: bfs, root: filepath.Clean(root)}, nil
}

// Root returns the directory new workspaces are allocated under.
func (w *FS) Root() string {
	return w.root
}

// Filesystem exposes the underlying billy filesystem for go-git.
func (w *FS) Filesystem() billy.Filesystem {
	return w.fs
}

// Allocate creates a fresh, empty directory under the root and returns its path.
func (w *FS) Allocate() (string, error) {
	if err := w.fs.MkdirAll(w.root, 0o755); err != nil {
		return "", fmt.Errorf("creating workspace root: %w", err)
	}

	for i := 0; i < maxAllocateAttempts; i++ {
		id := uuid.New()
		path := filepath.Join(w.root, fmt.Sprintf("%x", id[:]))
		if w.Exists(path) {
			continue
		}
		if err := w.fs.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("creating workspace %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("allocating workspace under %s: no free name after %d attempts", w.root, maxAllocateAttempts)
}

// Exists reports whether path exists. Any stat failure counts as missing.
func (w *FS) Exists(path string) bool {
	_, err := w.fs.Stat(path)
	return err == nil
}

// RemoveTree deletes the tree at path. A missing path returns an error
// wrapping fs.ErrNotExist. Once the tree is gone, its parent directory is
// removed too if it is empty and is not the workspace root.
func (w *FS) RemoveTree(path string) error {
	clean := filepath.Clean(path)
	if path == "" || clean == "/" || clean == "." || clean == w.root {
		return fmt.Errorf("refusing to remove workspace path %q", path)
	}

	if _, err := w.fs.Stat(clean); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing workspace %s: %w", clean, fs.ErrNotExist)
		}
		return fmt.Errorf("inspecting workspace %s: %w", clean, err)
	}

	if err := util.RemoveAll(w.fs, clean); err != nil {
		return fmt.Errorf("removing workspace %s: %w", clean, err)
	}

	w.removeEmptyParent(clean)
	return nil
}

func (w *FS) removeEmptyParent(path string) {
	parent := filepath.Dir(path)
	if parent == w.root || parent == "/" || parent == "." {
		return
	}
	entries, err := w.fs.ReadDir(parent)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = w.fs.Remove(parent)
}

// List returns the allocated workspace directories directly under the
// root, sorted. A root that does not exist yet has none.
func (w *FS) List() ([]string, error) {
	entries, err := w.fs.ReadDir(w.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing workspaces: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(w.root, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Allocation returns the allocated directory that contains path, or "" when
// path is not inside the root.
func (w *FS) Allocation(path string) string {
	rel, err := filepath.Rel(w.root, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	return filepath.Join(w.root, first)
}

// Size returns the total size in bytes of the regular files under path.
func (w *FS) Size(path string) (int64, error) {
	var total int64
	err := util.Walk(w.fs, path, func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring workspace %s: %w", path, err)
	}
	return total, nil
}
