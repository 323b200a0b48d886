// Package graph stores code knowledge graphs in BadgerDB and builds them
// from repository working trees.
//
// Every graph hangs off a root node. All nodes of a graph are stored under
// their root's key prefix, so the subtree reachable from a root is exactly
// that prefix and can be released without traversing edges.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrRootNotFound is returned when a root id has no stored graph.
	ErrRootNotFound = errors.New("graph root not found")

	// ErrNodeNotFound is returned when a node is not part of a graph.
	ErrNodeNotFound = errors.New("graph node not found")

	// ErrReadOnly is returned for writes to a store opened read-only.
	ErrReadOnly = errors.New("graph store is read-only")
)

const (
	rootPrefix  = "r/"
	nodePrefix  = "n/"
	sequenceKey = "!seq/node"

	// sequenceBandwidth is how many ids are leased from badger at a time.
	sequenceBandwidth = 1000

	// gcDiscardRatio is the garbage threshold for value log GC.
	gcDiscardRatio = 0.5
)

// Kind classifies graph nodes.
type Kind string

const (
	KindRepository Kind = "repository"
	KindDirectory  Kind = "directory"
	KindFile       Kind = "file"
	KindAST        Kind = "ast"
	KindText       Kind = "text"
)

// Node is a vertex of a knowledge graph. Edges are parent links.
type Node struct {
	ID        int64  `json:"id"`
	Parent    int64  `json:"parent,omitempty"`
	Kind      Kind   `json:"kind"`
	Path      string `json:"path,omitempty"`
	Language  string `json:"language,omitempty"`
	Type      string `json:"type,omitempty"`
	Depth     int    `json:"depth,omitempty"`
	StartByte uint32 `json:"start_byte,omitempty"`
	EndByte   uint32 `json:"end_byte,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Text      string `json:"text,omitempty"`
}

// RootInfo describes a committed graph.
type RootInfo struct {
	ID           int64     `json:"id"`
	SourcePath   string    `json:"source_path"`
	MaxASTDepth  int       `json:"max_ast_depth"`
	ChunkSize    int       `json:"chunk_size"`
	ChunkOverlap int       `json:"chunk_overlap"`
	Nodes        int       `json:"nodes"`
	CreatedAt    time.Time `json:"created_at"`
}

// NodeStats counts the nodes stored under a root.
type NodeStats struct {
	Total  int
	ByKind map[Kind]int
}

// Config holds configuration for the graph database.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence), for tests.
	InMemory bool

	// SyncWrites syncs every write to disk before it is acknowledged.
	SyncWrites bool

	// ReadOnly opens an existing database under a shared lock. Several
	// read-only stores may be open at once, but not alongside a writer.
	ReadOnly bool

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger
}

// Store is the knowledge graph store.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence // nil when read-only
	logger *slog.Logger
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Initialized reports whether a graph database has been created at path.
func Initialized(path string) bool {
	_, err := os.Stat(filepath.Join(path, badger.ManifestFilename))
	return err == nil
}

// Open opens the graph database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("graph path is required for a persistent database")
	}
	if cfg.InMemory && cfg.ReadOnly {
		return nil, errors.New("an in-memory graph database cannot be read-only")
	}

	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.ReadOnly:
		opts = badger.DefaultOptions(cfg.Path).WithReadOnly(true)
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("creating graph directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening graph database: %w", err)
	}
	if cfg.ReadOnly {
		return &Store{db: db, logger: logger}, nil
	}

	seq, err := db.GetSequence([]byte(sequenceKey), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("leasing node id sequence: %w", err)
	}

	return &Store{db: db, seq: seq, logger: logger}, nil
}

// Close releases unused ids and closes the database.
func (s *Store) Close() error {
	var seqErr error
	if s.seq != nil {
		seqErr = s.seq.Release()
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing graph database: %w", err)
	}
	if seqErr != nil {
		return fmt.Errorf("releasing node id sequence: %w", seqErr)
	}
	return nil
}

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool {
	return s.seq == nil
}

// NextID issues a new node id. Zero is never issued.
func (s *Store) NextID() (int64, error) {
	if s.seq == nil {
		return 0, ErrReadOnly
	}
	for {
		id, err := s.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("allocating node id: %w", err)
		}
		if id != 0 {
			return int64(id), nil
		}
	}
}

func rootKey(rootID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", rootPrefix, rootID))
}

func subtreePrefix(rootID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d/", nodePrefix, rootID))
}

func nodeKey(rootID, nodeID int64) []byte {
	return append(subtreePrefix(rootID), fmt.Sprintf("%020d", nodeID)...)
}

// Exists reports whether a committed graph has the given root.
func (s *Store) Exists(rootID int64) (bool, error) {
	_, err := s.Root(rootID)
	if errors.Is(err, ErrRootNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Root returns the descriptor of a committed graph.
func (s *Store) Root(rootID int64) (*RootInfo, error) {
	var info RootInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rootKey(rootID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("root %d: %w", rootID, ErrRootNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading root %d: %w", rootID, err)
	}
	return &info, nil
}

// Roots returns the ids of every committed graph in ascending order.
func (s *Store) Roots() ([]int64, error) {
	var roots []int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(rootPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id, err := strconv.ParseInt(string(it.Item().Key()[len(rootPrefix):]), 10, 64)
			if err != nil {
				return fmt.Errorf("malformed root key %q: %w", it.Item().Key(), err)
			}
			roots = append(roots, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing graph roots: %w", err)
	}
	return roots, nil
}

// Node returns a single node of a graph.
func (s *Store) Node(rootID, nodeID int64) (*Node, error) {
	var n Node
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(rootID, nodeID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("node %d under root %d: %w", nodeID, rootID, ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading node %d: %w", nodeID, err)
	}
	return &n, nil
}

// Walk calls fn for every node stored under rootID in key order.
func (s *Store) Walk(ctx context.Context, rootID int64, fn func(Node) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = subtreePrefix(rootID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var n Node
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return fmt.Errorf("decoding node %q: %w", it.Item().Key(), err)
			}
			if err := fn(n); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats counts the nodes of a committed graph by kind.
func (s *Store) Stats(ctx context.Context, rootID int64) (NodeStats, error) {
	if _, err := s.Root(rootID); err != nil {
		return NodeStats{}, err
	}
	stats := NodeStats{ByKind: make(map[Kind]int)}
	err := s.Walk(ctx, rootID, func(n Node) error {
		stats.Total++
		stats.ByKind[n.Kind]++
		return nil
	})
	if err != nil {
		return NodeStats{}, fmt.Errorf("counting nodes of root %d: %w", rootID, err)
	}
	return stats, nil
}

// DeleteSubtree removes the graph rooted at rootID: every node under its
// prefix and then its descriptor. ErrRootNotFound is returned when no
// committed graph has that root.
func (s *Store) DeleteSubtree(ctx context.Context, rootID int64) error {
	if s.ReadOnly() {
		return ErrReadOnly
	}
	if _, err := s.Root(rootID); err != nil {
		return err
	}
	if err := s.purge(ctx, rootID); err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(rootKey(rootID))
	}); err != nil {
		return fmt.Errorf("deleting root %d: %w", rootID, err)
	}
	s.logger.Debug("deleted graph subtree", "root_id", rootID)
	return nil
}

// purge deletes every node key under the root's prefix. The descriptor,
// if any, is left in place so an interrupted purge can be repeated.
func (s *Store) purge(ctx context.Context, rootID int64) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = subtreePrefix(rootID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning subtree of root %d: %w", rootID, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("deleting subtree of root %d: %w", rootID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("deleting subtree of root %d: %w", rootID, err)
	}
	return nil
}

// CollectGarbage reclaims value log space freed by deletions.
func (s *Store) CollectGarbage() error {
	if s.ReadOnly() {
		return ErrReadOnly
	}
	for {
		err := s.db.RunValueLogGC(gcDiscardRatio)
		switch {
		case err == nil:
			continue
		case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrGCInMemoryMode):
			return nil
		default:
			return fmt.Errorf("collecting graph garbage: %w", err)
		}
	}
}

// batch accumulates the nodes of one graph under construction.
type batch struct {
	store  *Store
	rootID int64
	wb     *badger.WriteBatch
	count  int
}

func (s *Store) newBatch(rootID int64) *batch {
	return &batch{store: s, rootID: rootID, wb: s.db.NewWriteBatch()}
}

func (b *batch) put(n Node) error {
	val, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding node %d: %w", n.ID, err)
	}
	if err := b.wb.Set(nodeKey(b.rootID, n.ID), val); err != nil {
		return fmt.Errorf("writing node %d: %w", n.ID, err)
	}
	b.count++
	return nil
}

// commit flushes the nodes and then writes the root descriptor, which makes
// the graph visible to Exists and Roots.
func (b *batch) commit(info RootInfo) error {
	if err := b.wb.Flush(); err != nil {
		return fmt.Errorf("flushing nodes: %w", err)
	}
	info.Nodes = b.count
	val, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding root %d: %w", info.ID, err)
	}
	return b.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rootKey(info.ID), val)
	})
}

func (b *batch) cancel() {
	b.wb.Cancel()
}
