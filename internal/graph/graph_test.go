package graph

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goSource = `package main

import "fmt"

func main() {
	fmt.Println("hello")
}
`

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// writeTree creates a small working tree under /repo.
func writeTree(t *testing.T, fs billy.Filesystem) string {
	t.Helper()
	files := map[string]string{
		"/repo/main.go":           goSource,
		"/repo/README.md":         "# Demo\n\nA small repository.\n",
		"/repo/lib/util.py":       "def add(a, b):\n    return a + b\n",
		"/repo/.git/HEAD":         "ref: refs/heads/main\n",
		"/repo/vendor/dep/x.go":   "package dep\n",
		"/repo/assets/logo.bin":   "PNG\x00\x01\x02binary",
		"/repo/node_modules/m.js": "module.exports = 1\n",
	}
	for path, content := range files {
		require.NoError(t, util.WriteFile(fs, path, []byte(content), 0o644))
	}
	return "/repo"
}

func collectNodes(t *testing.T, s *Store, rootID int64) []Node {
	t.Helper()
	var nodes []Node
	require.NoError(t, s.Walk(context.Background(), rootID, func(n Node) error {
		nodes = append(nodes, n)
		return nil
	}))
	return nodes
}

// countNodeKeys counts every node key in the database regardless of root.
func countNodeKeys(t *testing.T, s *Store) int {
	t.Helper()
	count := 0
	require.NoError(t, s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(nodePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	}))
	return count
}

func TestNextIDNeverZero(t *testing.T) {
	s := openTestStore(t)

	prev := int64(0)
	for i := 0; i < 50; i++ {
		id, err := s.NextID()
		require.NoError(t, err)
		assert.NotZero(t, id)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestBuildIndexesWorkingTree(t *testing.T) {
	s := openTestStore(t)
	fs := memfs.New()
	root := writeTree(t, fs)

	res, err := NewBuilder(s, fs, WithChunking(16, 4)).Build(context.Background(), root)
	require.NoError(t, err)

	assert.NotZero(t, res.RootID)
	assert.Equal(t, DefaultMaxASTDepth, res.MaxASTDepth)
	assert.Equal(t, 16, res.ChunkSize)
	assert.Equal(t, 4, res.ChunkOverlap)

	exists, err := s.Exists(res.RootID)
	require.NoError(t, err)
	assert.True(t, exists)

	nodes := collectNodes(t, s, res.RootID)
	assert.Equal(t, res.Nodes, len(nodes))

	byPath := map[string]Node{}
	children := map[int64][]Node{}
	for _, n := range nodes {
		if n.Kind == KindFile || n.Kind == KindDirectory {
			byPath[n.Path] = n
		}
		children[n.Parent] = append(children[n.Parent], n)
		assert.False(t, strings.HasPrefix(n.Path, ".git"), "git metadata indexed: %s", n.Path)
		assert.False(t, strings.HasPrefix(n.Path, "vendor"), "vendor indexed: %s", n.Path)
		assert.False(t, strings.HasPrefix(n.Path, "node_modules"), "node_modules indexed: %s", n.Path)
	}

	repoNode, err := s.Node(res.RootID, res.RootID)
	require.NoError(t, err)
	assert.Equal(t, KindRepository, repoNode.Kind)

	mainGo, ok := byPath["main.go"]
	require.True(t, ok, "main.go not indexed")
	assert.Equal(t, "go", mainGo.Language)
	assert.Equal(t, res.RootID, mainGo.Parent)

	var sawSourceFile, sawFunc bool
	var mainText strings.Builder
	for _, c := range children[mainGo.ID] {
		if c.Kind == KindAST && c.Type == "source_file" {
			sawSourceFile = true
			assert.Equal(t, 1, c.Depth)
			for _, gc := range children[c.ID] {
				if gc.Type == "function_declaration" {
					sawFunc = true
					assert.Equal(t, 2, gc.Depth)
				}
			}
		}
	}
	assert.True(t, sawSourceFile, "missing source_file ast node")
	assert.True(t, sawFunc, "missing function_declaration ast node")

	// Text chunks overlap by 4 runes, so stitching them back drops the overlap.
	var chunks []Node
	for _, c := range children[mainGo.ID] {
		if c.Kind == KindText {
			chunks = append(chunks, c)
		}
	}
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		if i == 0 {
			mainText.WriteString(c.Text)
			continue
		}
		mainText.WriteString(string([]rune(c.Text)[4:]))
	}
	assert.Equal(t, goSource, mainText.String())

	utilPy, ok := byPath[filepath.Join("lib", "util.py")]
	require.True(t, ok)
	assert.Equal(t, "python", utilPy.Language)
	assert.Equal(t, byPath["lib"].ID, utilPy.Parent)

	logo, ok := byPath[filepath.Join("assets", "logo.bin")]
	require.True(t, ok, "binary files still get a file node")
	assert.Empty(t, children[logo.ID], "binary files are not parsed or chunked")
}

func TestBuildRespectsMaxASTDepth(t *testing.T) {
	s := openTestStore(t)
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/repo/main.go", []byte(goSource), 0o644))

	res, err := NewBuilder(s, fs, WithMaxASTDepth(1)).Build(context.Background(), "/repo")
	require.NoError(t, err)

	for _, n := range collectNodes(t, s, res.RootID) {
		if n.Kind == KindAST {
			assert.Equal(t, 1, n.Depth, "node %s deeper than limit", n.Type)
		}
	}
}

func TestBuildMissingPath(t *testing.T) {
	s := openTestStore(t)

	_, err := NewBuilder(s, memfs.New()).Build(context.Background(), "/does/not/exist")
	require.Error(t, err)

	var buildErr *GraphBuildError
	require.True(t, errors.As(err, &buildErr))
	assert.Equal(t, "/does/not/exist", buildErr.Path)

	roots, err := s.Roots()
	require.NoError(t, err)
	assert.Empty(t, roots)
	assert.Zero(t, countNodeKeys(t, s), "failed build left nodes behind")
}

func TestBuildCancelledLeavesNothing(t *testing.T) {
	s := openTestStore(t)
	fs := memfs.New()
	root := writeTree(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBuilder(s, fs).Build(ctx, root)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	roots, err := s.Roots()
	require.NoError(t, err)
	assert.Empty(t, roots)
	assert.Zero(t, countNodeKeys(t, s))
}

func TestBuildRejectsInvalidChunking(t *testing.T) {
	s := openTestStore(t)
	fs := memfs.New()
	root := writeTree(t, fs)

	_, err := NewBuilder(s, fs, WithChunking(10, 10)).Build(context.Background(), root)
	var buildErr *GraphBuildError
	assert.True(t, errors.As(err, &buildErr))
}

func TestDeleteSubtree(t *testing.T) {
	s := openTestStore(t)
	fs := memfs.New()
	root := writeTree(t, fs)
	b := NewBuilder(s, fs)

	first, err := b.Build(context.Background(), root)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), root)
	require.NoError(t, err)
	require.NotEqual(t, first.RootID, second.RootID)

	require.NoError(t, s.DeleteSubtree(context.Background(), first.RootID))

	exists, err := s.Exists(first.RootID)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, collectNodes(t, s, first.RootID), "subtree nodes must be gone")

	// The other graph is untouched.
	exists, err = s.Exists(second.RootID)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Len(t, collectNodes(t, s, second.RootID), second.Nodes)

	err = s.DeleteSubtree(context.Background(), first.RootID)
	assert.ErrorIs(t, err, ErrRootNotFound)

	roots, err := s.Roots()
	require.NoError(t, err)
	assert.Equal(t, []int64{second.RootID}, roots)
}

func TestDeleteSubtreeUnknownRoot(t *testing.T) {
	s := openTestStore(t)
	assert.ErrorIs(t, s.DeleteSubtree(context.Background(), 12345), ErrRootNotFound)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/repo/a.txt", []byte("abcdefghij"), 0o644))
	require.NoError(t, util.WriteFile(fs, "/repo/sub/b.txt", []byte("xyz"), 0o644))

	res, err := NewBuilder(s, fs, WithChunking(4, 1)).Build(context.Background(), "/repo")
	require.NoError(t, err)

	stats, err := s.Stats(context.Background(), res.RootID)
	require.NoError(t, err)
	assert.Equal(t, res.Nodes, stats.Total)
	assert.Equal(t, 1, stats.ByKind[KindRepository])
	assert.Equal(t, 1, stats.ByKind[KindDirectory])
	assert.Equal(t, 2, stats.ByKind[KindFile])
	assert.Equal(t, 4, stats.ByKind[KindText], "3 chunks for a.txt and 1 for b.txt")

	info, err := s.Root(res.RootID)
	require.NoError(t, err)
	assert.Equal(t, "/repo", info.SourcePath)
	assert.Equal(t, res.Nodes, info.Nodes)

	_, err = s.Stats(context.Background(), 999999)
	assert.ErrorIs(t, err, ErrRootNotFound)
}

func TestPersistentStoreReopen(t *testing.T) {
	dir := t.TempDir()
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/repo/a.txt", []byte("hello"), 0o644))

	s, err := Open(Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	res, err := NewBuilder(s, fs).Build(context.Background(), "/repo")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	exists, err := s.Exists(res.RootID)
	require.NoError(t, err)
	assert.True(t, exists)

	next, err := s.NextID()
	require.NoError(t, err)
	assert.Greater(t, next, res.RootID, "ids must not be reissued after reopen")
}

func TestReadOnlyStore(t *testing.T) {
	dir := t.TempDir()
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "/repo/a.txt", []byte("hello"), 0o644))

	assert.False(t, Initialized(dir))
	_, err := Open(Config{Path: dir, ReadOnly: true})
	assert.Error(t, err, "read-only open of an uncreated graph")

	s, err := Open(Config{Path: dir})
	require.NoError(t, err)
	res, err := NewBuilder(s, fs).Build(context.Background(), "/repo")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.True(t, Initialized(dir))

	ro, err := Open(Config{Path: dir, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()
	assert.True(t, ro.ReadOnly())

	// Readers share the lock.
	other, err := Open(Config{Path: dir, ReadOnly: true})
	require.NoError(t, err)
	require.NoError(t, other.Close())

	exists, err := ro.Exists(res.RootID)
	require.NoError(t, err)
	assert.True(t, exists)
	roots, err := ro.Roots()
	require.NoError(t, err)
	assert.Equal(t, []int64{res.RootID}, roots)
	stats, err := ro.Stats(context.Background(), res.RootID)
	require.NoError(t, err)
	assert.Equal(t, res.Nodes, stats.Total)

	_, err = ro.NextID()
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, ro.DeleteSubtree(context.Background(), res.RootID), ErrReadOnly)
	assert.ErrorIs(t, ro.CollectGarbage(), ErrReadOnly)
	_, err = NewBuilder(ro, fs).Build(context.Background(), "/repo")
	assert.ErrorIs(t, err, ErrReadOnly)

	exists, err = ro.Exists(res.RootID)
	require.NoError(t, err)
	assert.True(t, exists, "rejected writes must leave the graph intact")
}

func TestReadOnlyRejectsInMemory(t *testing.T) {
	_, err := Open(Config{InMemory: true, ReadOnly: true})
	assert.Error(t, err)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestCollectGarbageInMemory(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.CollectGarbage())
}

func TestChunkText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []chunk
	}{
		{"empty", "", 4, 1, nil},
		{"shorter than size", "abc", 4, 1, []chunk{{0, "abc"}}},
		{"exact size", "abcd", 4, 1, []chunk{{0, "abcd"}}},
		{"overlapping windows", "abcdefghij", 4, 1, []chunk{{0, "abcd"}, {3, "defg"}, {6, "ghij"}}},
		{"short tail", "abcdefgh", 4, 1, []chunk{{0, "abcd"}, {3, "defg"}, {6, "gh"}}},
		{"no overlap", "abcdef", 3, 0, []chunk{{0, "abc"}, {3, "def"}}},
		{"runes not bytes", "héllo wörld", 6, 0, []chunk{{0, "héllo "}, {6, "wörld"}}},
		{"invalid overlap", "abcdef", 3, 3, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chunkText(tt.text, tt.size, tt.overlap))
		})
	}
}

func TestIsBinary(t *testing.T) {
	assert.False(t, isBinary([]byte("plain text\n")))
	assert.True(t, isBinary([]byte("a\x00b")))
	assert.True(t, isBinary([]byte{0xff, 0xfe, 0xfd}))
	assert.False(t, isBinary(nil))
}
