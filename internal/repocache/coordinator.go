// Package repocache decides whether a cached clone and knowledge graph can be
// reused for a repository version, creates them on a miss, and cascades
// deletions across the workspace, graph and metadata stores.
package repocache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"time"

	"github.com/jacklau/repocache/internal/graph"
	"github.com/jacklau/repocache/internal/pubsub"
	"github.com/jacklau/repocache/internal/store"
)

// Workspace owns the on-disk clones.
type Workspace interface {
	Exists(path string) bool
	RemoveTree(path string) error
}

// Cloner materializes a repository version and returns the clone's path.
type Cloner interface {
	Clone(ctx context.Context, url, commitID, token string) (string, error)
}

// Builder indexes a working tree into the knowledge graph.
type Builder interface {
	Build(ctx context.Context, path string) (graph.BuildResult, error)
}

// GraphStore owns knowledge graph subtrees.
type GraphStore interface {
	DeleteSubtree(ctx context.Context, rootID int64) error
}

// Event is published on the broker for every lookup outcome and deletion.
type Event struct {
	Key           store.Key
	WorkspacePath string
	GraphRootID   int64
	Outcome       *DeletionOutcome
}

// Deps holds the collaborators of a Coordinator. Locker, Broker, Metrics and
// Logger are optional.
type Deps struct {
	Store     store.Store
	Workspace Workspace
	Cloner    Cloner
	Builder   Builder
	Graph     GraphStore

	// Locker serializes calls on the same key. Without it, two concurrent
	// misses for one key both clone and build and the last upsert wins,
	// leaking the other workspace and graph.
	Locker  Locker
	Broker  *pubsub.Broker[Event]
	Metrics *Metrics
	Logger  *slog.Logger
}

// Result is the answer to GetOrCreate.
type Result struct {
	WorkspacePath string
	GraphRootID   int64
	Created       bool
}

// Coordinator is safe for concurrent use on distinct keys.
type Coordinator struct {
	deps Deps
}

// New creates a Coordinator with the given dependencies.
func New(deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Coordinator{deps: deps}
}

// GetOrCreate returns the cached workspace and graph for (url, commitID),
// cloning and indexing the repository when no live record exists. An empty
// commitID tracks the latest commit and is its own cache entry.
//
// A record whose workspace path no longer exists is stale: it is replaced
// once the new clone and graph are ready and left untouched if creation
// fails. Its old graph subtree is not released.
func (c *Coordinator) GetOrCreate(ctx context.Context, url, commitID, token string) (Result, error) {
	key := store.Key{URL: url, CommitID: commitID}
	defer c.lock(key)()

	logger := c.deps.Logger.With("url", url, "commit", commitLabel(commitID))

	rec, err := c.deps.Store.Find(url, commitID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = nil
	case err != nil:
		return Result{}, fmt.Errorf("looking up %s: %w", key, err)
	}

	if rec != nil {
		if c.deps.Workspace.Exists(rec.WorkspacePath) {
			c.deps.Metrics.recordLookup("hit")
			c.publish(pubsub.Reused, Event{Key: key, WorkspacePath: rec.WorkspacePath, GraphRootID: rec.GraphRootID})
			logger.Debug("reusing cached repository", "path", rec.WorkspacePath, "graph_root_id", rec.GraphRootID)
			return Result{WorkspacePath: rec.WorkspacePath, GraphRootID: rec.GraphRootID}, nil
		}
		c.deps.Metrics.recordLookup("stale")
		c.publish(pubsub.Stale, Event{Key: key, WorkspacePath: rec.WorkspacePath, GraphRootID: rec.GraphRootID})
		logger.Warn("cached workspace is missing, recreating",
			"path", rec.WorkspacePath,
			"orphaned_graph_root_id", rec.GraphRootID,
		)
	} else {
		c.deps.Metrics.recordLookup("miss")
	}

	start := time.Now()
	path, err := c.deps.Cloner.Clone(ctx, url, commitID, token)
	if err != nil {
		c.deps.Metrics.recordCreation("clone_error", time.Since(start))
		return Result{}, fmt.Errorf("creating %s: %w", key, err)
	}

	built, err := c.deps.Builder.Build(ctx, path)
	if err != nil {
		c.deps.Metrics.recordCreation("build_error", time.Since(start))
		return Result{}, fmt.Errorf("creating %s: %w", key, err)
	}

	next := &store.Repository{
		URL:           url,
		CommitID:      commitID,
		WorkspacePath: path,
		GraphRootID:   built.RootID,
		MaxASTDepth:   built.MaxASTDepth,
		ChunkSize:     built.ChunkSize,
		ChunkOverlap:  built.ChunkOverlap,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.deps.Store.Upsert(next); err != nil {
		c.deps.Metrics.recordCreation("store_error", time.Since(start))
		logger.Error("recording repository failed, workspace and graph are unreferenced",
			"path", path,
			"graph_root_id", built.RootID,
			"error", err,
		)
		return Result{}, fmt.Errorf("recording %s: %w", key, err)
	}

	elapsed := time.Since(start)
	c.deps.Metrics.recordCreation("success", elapsed)
	c.publish(pubsub.Created, Event{Key: key, WorkspacePath: path, GraphRootID: built.RootID})
	logger.Info("cached repository",
		"path", path,
		"graph_root_id", built.RootID,
		"nodes", built.Nodes,
		"duration", elapsed,
	)
	return Result{WorkspacePath: path, GraphRootID: built.RootID, Created: true}, nil
}

// Delete releases the workspace, the graph subtree and the metadata record
// of (url, commitID). Every phase runs regardless of the others and its
// result is recorded in the outcome; the returned error only reports a
// failed lookup. A missing record yields an outcome with Found false.
func (c *Coordinator) Delete(ctx context.Context, url, commitID string) (*DeletionOutcome, error) {
	key := store.Key{URL: url, CommitID: commitID}
	defer c.lock(key)()

	rec, err := c.deps.Store.Find(url, commitID)
	if errors.Is(err, store.ErrNotFound) {
		return &DeletionOutcome{Key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", key, err)
	}
	return c.cascade(ctx, rec), nil
}

func (c *Coordinator) cascade(ctx context.Context, rec *store.Repository) *DeletionOutcome {
	out := &DeletionOutcome{Key: rec.Key(), Found: true, Record: *rec}

	err := c.deps.Workspace.RemoveTree(rec.WorkspacePath)
	out.Workspace = phaseResult(err, errors.Is(err, fs.ErrNotExist))

	err = c.deps.Graph.DeleteSubtree(ctx, rec.GraphRootID)
	out.Graph = phaseResult(err, errors.Is(err, graph.ErrRootNotFound))

	removed, err := c.deps.Store.Remove(rec.URL, rec.CommitID)
	out.Metadata = phaseResult(err, err == nil && !removed)

	c.deps.Metrics.recordDeletion(out)
	c.publish(pubsub.Deleted, Event{
		Key:           out.Key,
		WorkspacePath: rec.WorkspacePath,
		GraphRootID:   rec.GraphRootID,
		Outcome:       out,
	})

	logger := c.deps.Logger.With("url", rec.URL, "commit", rec.CommitLabel())
	if out.Complete() {
		logger.Info("deleted cached repository", "path", rec.WorkspacePath, "graph_root_id", rec.GraphRootID)
	} else {
		logger.Warn("deletion incomplete", "failed", out.FailedPhases(), "error", out.Err())
	}
	return out
}

func phaseResult(err error, absent bool) PhaseResult {
	switch {
	case absent:
		return PhaseResult{OK: true, Absent: true}
	case err != nil:
		return PhaseResult{Err: err}
	default:
		return PhaseResult{OK: true}
	}
}

// DeleteAllVersions runs an independent deletion cascade for every cached
// version of url, the latest-tracking version first and pinned commits in
// lexical order. A failed lookup stops the run and returns the outcomes
// collected so far together with the error.
func (c *Coordinator) DeleteAllVersions(ctx context.Context, url string) ([]*DeletionOutcome, error) {
	versions, err := c.FindAllByURL(url)
	if err != nil {
		return nil, err
	}

	outcomes := make([]*DeletionOutcome, 0, len(versions))
	for _, v := range versions {
		out, err := c.Delete(ctx, v.URL, v.CommitID)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// List returns every record ordered by URL, latest-tracking version first.
func (c *Coordinator) List() ([]store.Repository, error) {
	repos, err := c.deps.Store.ListAll()
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	sortRepos(repos)
	return repos, nil
}

// Find returns the record for (url, commitID) or store.ErrNotFound.
func (c *Coordinator) Find(url, commitID string) (*store.Repository, error) {
	return c.deps.Store.Find(url, commitID)
}

// FindAllByURL returns every cached version of url, latest-tracking first.
func (c *Coordinator) FindAllByURL(url string) ([]store.Repository, error) {
	repos, err := c.deps.Store.FindAllByURL(url)
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", url, err)
	}
	sortRepos(repos)
	return repos, nil
}

func sortRepos(repos []store.Repository) {
	slices.SortFunc(repos, func(a, b store.Repository) int {
		return cmp.Or(
			cmp.Compare(a.URL, b.URL),
			cmp.Compare(a.CommitID, b.CommitID),
		)
	})
}

func (c *Coordinator) lock(key store.Key) func() {
	if c.deps.Locker == nil {
		return func() {}
	}
	return c.deps.Locker.Lock(key.URL + "\x00" + key.CommitID)
}

func (c *Coordinator) publish(t pubsub.EventType, e Event) {
	if c.deps.Broker != nil {
		c.deps.Broker.Publish(t, e)
	}
}

func commitLabel(commitID string) string {
	if commitID == "" {
		return "latest"
	}
	return commitID
}
