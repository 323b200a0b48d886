package graph

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

const (
	DefaultMaxASTDepth  = 5
	DefaultChunkSize    = 10000
	DefaultChunkOverlap = 1000

	// maxIndexedFileSize bounds the files whose content is parsed and chunked.
	maxIndexedFileSize = 2 << 20

	// binarySniffLen is how much of a file is inspected for NUL bytes.
	binarySniffLen = 8000
)

// skipDirs are never indexed.
var skipDirs = map[string]bool{
	".git":         true,
	"vendor":       true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
}

type language struct {
	name string
	get  func() *sitter.Language
}

var languagesByExt = map[string]language{
	".go":   {"go", golang.GetLanguage},
	".py":   {"python", python.GetLanguage},
	".js":   {"javascript", javascript.GetLanguage},
	".jsx":  {"javascript", javascript.GetLanguage},
	".mjs":  {"javascript", javascript.GetLanguage},
	".cjs":  {"javascript", javascript.GetLanguage},
	".ts":   {"typescript", typescript.GetLanguage},
	".tsx":  {"typescript", tsx.GetLanguage},
	".java": {"java", java.GetLanguage},
	".rb":   {"ruby", ruby.GetLanguage},
}

// GraphBuildError reports a failed graph build. Nothing from the failed
// build remains in the store.
type GraphBuildError struct {
	Path string
	Err  error
}

func (e *GraphBuildError) Error() string {
	return fmt.Sprintf("building knowledge graph for %s: %v", e.Path, e.Err)
}

func (e *GraphBuildError) Unwrap() error { return e.Err }

// BuildResult describes a committed graph and the parameters it was built with.
type BuildResult struct {
	RootID       int64
	MaxASTDepth  int
	ChunkSize    int
	ChunkOverlap int
	Nodes        int
}

// Builder turns a working tree into a knowledge graph.
type Builder struct {
	store        *Store
	fs           billy.Filesystem
	maxASTDepth  int
	chunkSize    int
	chunkOverlap int
	logger       *slog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithMaxASTDepth limits how deep syntax trees are recorded.
func WithMaxASTDepth(depth int) BuilderOption {
	return func(b *Builder) {
		b.maxASTDepth = depth
	}
}

// WithChunking sets the text chunk size and overlap, in runes.
func WithChunking(size, overlap int) BuilderOption {
	return func(b *Builder) {
		b.chunkSize = size
		b.chunkOverlap = overlap
	}
}

// WithBuilderLogger sets the logger.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder returns a Builder that reads working trees from fsys and
// writes graphs to store.
func NewBuilder(store *Store, fsys billy.Filesystem, opts ...BuilderOption) *Builder {
	b := &Builder{
		store:        store,
		fs:           fsys,
		maxASTDepth:  DefaultMaxASTDepth,
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build indexes the working tree at root and returns the new graph's root.
// On failure any partially written subtree is removed and the error is a
// *GraphBuildError.
func (b *Builder) Build(ctx context.Context, root string) (BuildResult, error) {
	start := time.Now()
	root = filepath.Clean(root)

	if b.chunkSize <= 0 || b.chunkOverlap < 0 || b.chunkOverlap >= b.chunkSize {
		return BuildResult{}, &GraphBuildError{Path: root, Err: fmt.Errorf("invalid chunking %d/%d", b.chunkSize, b.chunkOverlap)}
	}

	rootID, err := b.store.NextID()
	if err != nil {
		return BuildResult{}, &GraphBuildError{Path: root, Err: err}
	}

	bt := b.store.newBatch(rootID)
	if err := b.index(ctx, bt, rootID, root); err != nil {
		bt.cancel()
		if perr := b.store.purge(context.WithoutCancel(ctx), rootID); perr != nil {
			b.logger.Error("removing partial graph", "root_id", rootID, "error", perr)
		}
		return BuildResult{}, &GraphBuildError{Path: root, Err: err}
	}

	err = bt.commit(RootInfo{
		ID:           rootID,
		SourcePath:   root,
		MaxASTDepth:  b.maxASTDepth,
		ChunkSize:    b.chunkSize,
		ChunkOverlap: b.chunkOverlap,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		bt.cancel()
		if perr := b.store.purge(context.WithoutCancel(ctx), rootID); perr != nil {
			b.logger.Error("removing partial graph", "root_id", rootID, "error", perr)
		}
		return BuildResult{}, &GraphBuildError{Path: root, Err: err}
	}

	b.logger.Debug("built knowledge graph",
		"path", root,
		"root_id", rootID,
		"nodes", bt.count,
		"duration", time.Since(start),
	)
	return BuildResult{
		RootID:       rootID,
		MaxASTDepth:  b.maxASTDepth,
		ChunkSize:    b.chunkSize,
		ChunkOverlap: b.chunkOverlap,
		Nodes:        bt.count,
	}, nil
}

func (b *Builder) index(ctx context.Context, bt *batch, rootID int64, root string) error {
	info, err := b.fs.Stat(root)
	if err != nil {
		return fmt.Errorf("reading working tree: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working tree %s is not a directory", root)
	}
	if err := bt.put(Node{ID: rootID, Kind: KindRepository, Path: "."}); err != nil {
		return err
	}

	parser := sitter.NewParser()
	defer parser.Close()

	dirIDs := map[string]int64{root: rootID}
	return util.Walk(b.fs, root, func(path string, fi fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if fi.IsDir() && skipDirs[fi.Name()] {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		id, err := b.store.NextID()
		if err != nil {
			return err
		}
		parent := dirIDs[filepath.Dir(path)]

		if fi.IsDir() {
			dirIDs[path] = id
			return bt.put(Node{ID: id, Parent: parent, Kind: KindDirectory, Path: rel})
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		lang := languagesByExt[strings.ToLower(filepath.Ext(path))]
		if err := bt.put(Node{ID: id, Parent: parent, Kind: KindFile, Path: rel, Language: lang.name}); err != nil {
			return err
		}
		if fi.Size() > maxIndexedFileSize {
			return nil
		}
		return b.indexFile(ctx, bt, parser, id, path, lang)
	})
}

func (b *Builder) indexFile(ctx context.Context, bt *batch, parser *sitter.Parser, fileID int64, path string, lang language) error {
	content, err := util.ReadFile(b.fs, path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if isBinary(content) {
		return nil
	}

	if lang.get != nil {
		parser.SetLanguage(lang.get())
		tree, err := parser.ParseCtx(ctx, nil, content)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			b.logger.Warn("parsing source file", "path", path, "error", err)
		default:
			err = b.emitAST(bt, tree.RootNode(), fileID, 1, lang.name)
			tree.Close()
			if err != nil {
				return err
			}
		}
	}

	for _, c := range chunkText(string(content), b.chunkSize, b.chunkOverlap) {
		id, err := b.store.NextID()
		if err != nil {
			return err
		}
		if err := bt.put(Node{ID: id, Parent: fileID, Kind: KindText, Offset: c.offset, Text: c.text}); err != nil {
			return err
		}
	}
	return nil
}

// emitAST records named syntax nodes down to the configured depth.
func (b *Builder) emitAST(bt *batch, n *sitter.Node, parentID int64, depth int, lang string) error {
	if n == nil || depth > b.maxASTDepth {
		return nil
	}
	id, err := b.store.NextID()
	if err != nil {
		return err
	}
	err = bt.put(Node{
		ID:        id,
		Parent:    parentID,
		Kind:      KindAST,
		Language:  lang,
		Type:      n.Type(),
		Depth:     depth,
		StartByte: n.StartByte(),
		EndByte:   n.EndByte(),
	})
	if err != nil {
		return err
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if err := b.emitAST(bt, n.NamedChild(i), id, depth+1, lang); err != nil {
			return err
		}
	}
	return nil
}

type chunk struct {
	offset int
	text   string
}

// chunkText splits s into windows of size runes, each overlapping the
// previous one by overlap runes. The last window may be shorter.
func chunkText(s string, size, overlap int) []chunk {
	if s == "" || size <= 0 || overlap >= size {
		return nil
	}
	runes := []rune(s)
	step := size - overlap
	var chunks []chunk
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		chunks = append(chunks, chunk{offset: start, text: string(runes[start:end])})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func isBinary(content []byte) bool {
	sniff := content
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	return bytes.IndexByte(sniff, 0) >= 0 || !utf8.Valid(content)
}
