// Package vcs clones remote repositories into workspace directories and
// checks out the requested commit.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/jacklau/repocache/internal/retry"
	"github.com/jacklau/repocache/internal/workspace"
)

// tokenUser is the username GitHub expects alongside an installation or
// personal access token over HTTPS.
const tokenUser = "x-access-token"

// CloneError reports a failed clone or checkout of a repository version.
type CloneError struct {
	URL      string
	CommitID string
	Err      error
}

func (e *CloneError) Error() string {
	rev := e.CommitID
	if rev == "" {
		rev = "latest"
	}
	return fmt.Sprintf("cloning %s at %s: %v", e.URL, rev, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// cloneFunc performs a single clone attempt into the given storage and worktree.
type cloneFunc func(ctx context.Context, s storage.Storer, worktree billy.Filesystem, opts *gogit.CloneOptions) (*gogit.Repository, error)

// Client clones repositories into freshly allocated workspaces.
type Client struct {
	ws          *workspace.FS
	depth       int
	maxAttempts int
	timeout     time.Duration
	logger      *slog.Logger
	clone       cloneFunc
}

// Option configures a Client.
type Option func(*Client)

// WithDepth requests shallow clones of the given depth. Ignored for pinned commits.
func WithDepth(depth int) Option {
	return func(c *Client) {
		c.depth = depth
	}
}

// WithMaxAttempts sets how many times a transient clone failure is retried.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithTimeout bounds each clone attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient returns a Client that allocates workspaces from ws.
func NewClient(ws *workspace.FS, opts ...Option) *Client {
	c := &Client{
		ws:          ws,
		maxAttempts: retry.DefaultMaxAttempts,
		logger:      slog.Default(),
		clone:       gogit.CloneContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Clone clones url into a new workspace and checks out commitID, or the
// default branch head when commitID is empty. A non-empty token is sent as
// HTTP basic auth. It returns the path of the working tree. On failure
// nothing is left on disk and the error is a *CloneError.
func (c *Client) Clone(ctx context.Context, url, commitID, token string) (string, error) {
	dir, err := c.ws.Allocate()
	if err != nil {
		return "", &CloneError{URL: url, CommitID: commitID, Err: err}
	}
	target := filepath.Join(dir, RepoName(url))

	start := time.Now()
	var repo *gogit.Repository
	attempt := 0
	err = retry.Do(ctx, c.maxAttempts, func() error {
		attempt++
		r, err := c.cloneOnce(ctx, target, c.cloneOptions(url, commitID, token))
		if err == nil {
			repo = r
			return nil
		}

		if rmErr := util.RemoveAll(c.ws.Filesystem(), target); rmErr != nil {
			c.logger.Warn("removing partial clone", "path", target, "error", rmErr)
		}
		if isPermanent(err) {
			return retry.Permanent(err)
		}
		c.logger.Warn("clone attempt failed", "url", url, "attempt", attempt, "error", err)
		return err
	})
	if err == nil && commitID != "" {
		err = Checkout(repo, commitID)
	}
	if err != nil {
		if rmErr := c.ws.RemoveTree(dir); rmErr != nil && c.ws.Exists(dir) {
			c.logger.Warn("removing failed workspace", "path", dir, "error", rmErr)
		}
		return "", &CloneError{URL: url, CommitID: commitID, Err: err}
	}

	c.logger.Debug("cloned repository",
		"url", url,
		"commit_id", commitID,
		"path", target,
		"attempts", attempt,
		"duration", time.Since(start),
	)
	return target, nil
}

func (c *Client) cloneOnce(ctx context.Context, target string, opts *gogit.CloneOptions) (*gogit.Repository, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	fs := c.ws.Filesystem()
	if err := fs.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("creating clone directory: %w", err)
	}
	worktree, err := fs.Chroot(target)
	if err != nil {
		return nil, fmt.Errorf("scoping filesystem to %s: %w", target, err)
	}
	dotGit, err := worktree.Chroot(gogit.GitDirName)
	if err != nil {
		return nil, fmt.Errorf("creating .git filesystem: %w", err)
	}
	storer := filesystem.NewStorage(dotGit, cache.NewObjectLRUDefault())

	repo, err := c.clone(ctx, storer, worktree, opts)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func (c *Client) cloneOptions(url, commitID, token string) *gogit.CloneOptions {
	opts := &gogit.CloneOptions{URL: url}
	if token != "" {
		opts.Auth = &http.BasicAuth{Username: tokenUser, Password: token}
	}
	// A pinned commit may be anywhere in history.
	if commitID == "" && c.depth > 0 {
		opts.Depth = c.depth
		opts.SingleBranch = true
	}
	return opts
}

// Checkout resolves rev (a full or abbreviated hash, branch or tag) and
// checks it out in the repository's worktree.
func Checkout(repo *gogit.Repository, rev string) error {
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return fmt.Errorf("resolving revision %s: %w", rev, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", hash, err)
	}
	return nil
}

// isPermanent reports errors that another attempt cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) ||
		errors.Is(err, transport.ErrRepositoryNotFound) ||
		errors.Is(err, transport.ErrEmptyRemoteRepository) ||
		errors.Is(err, transport.ErrInvalidAuthMethod) ||
		errors.Is(err, context.Canceled)
}

// RepoName derives a directory name from a repository URL.
func RepoName(url string) string {
	name := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	name = path.Clean(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "repo"
	}
	return name
}
