package github

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gogithub "github.com/google/go-github/v60/github"
)

// Repo is a repository reachable by the configured credentials.
type Repo struct {
	FullName      string
	CloneURL      string
	DefaultBranch string
	Private       bool
	Archived      bool
}

// Lister enumerates repositories through the GitHub REST API.
type Lister struct {
	client *gogithub.Client
	logger *slog.Logger
}

// NewLister creates a Lister. A nil logger falls back to slog.Default().
func NewLister(client *gogithub.Client, logger *slog.Logger) *Lister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lister{client: client, logger: logger}
}

// InstallationRepos lists every repository the app installation can access.
func (l *Lister) InstallationRepos(ctx context.Context) ([]Repo, error) {
	opts := &gogithub.ListOptions{PerPage: 100}
	var repos []Repo
	for {
		var page *gogithub.ListRepositories
		resp, err := l.withRetry(ctx, func() (*gogithub.Response, error) {
			var resp *gogithub.Response
			var err error
			page, resp, err = l.client.Apps.ListRepos(ctx, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing installation repositories: %w", err)
		}
		for _, r := range page.Repositories {
			repos = append(repos, convertRepo(r))
		}

		if err := l.throttle(ctx, resp); err != nil {
			return nil, err
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

// OrgRepos lists the repositories of an organization.
func (l *Lister) OrgRepos(ctx context.Context, org string) ([]Repo, error) {
	opts := &gogithub.RepositoryListByOrgOptions{
		Type:        "all",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}
	var repos []Repo
	for {
		var page []*gogithub.Repository
		resp, err := l.withRetry(ctx, func() (*gogithub.Response, error) {
			var resp *gogithub.Response
			var err error
			page, resp, err = l.client.Repositories.ListByOrg(ctx, org, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing repositories of %s: %w", org, err)
		}
		for _, r := range page {
			repos = append(repos, convertRepo(r))
		}

		if err := l.throttle(ctx, resp); err != nil {
			return nil, err
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

// withRetry runs call, repeating it on rate limits and server errors.
func (l *Lister) withRetry(ctx context.Context, call func() (*gogithub.Response, error)) (*gogithub.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}

		wait, retryable := retryWait(err, resp, attempt)
		if !retryable {
			return resp, err
		}
		l.logger.Warn("GitHub request failed, retrying", "attempt", attempt+1, "wait", wait, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return resp, err
		}
	}
}

func (l *Lister) throttle(ctx context.Context, resp *gogithub.Response) error {
	wait := throttleWait(resp)
	if wait == 0 {
		return nil
	}
	l.logger.Info("rate limit low, waiting", "remaining", resp.Rate.Remaining, "wait", wait)
	return sleep(ctx, wait)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func convertRepo(r *gogithub.Repository) Repo {
	return Repo{
		FullName:      r.GetFullName(),
		CloneURL:      r.GetCloneURL(),
		DefaultBranch: r.GetDefaultBranch(),
		Private:       r.GetPrivate(),
		Archived:      r.GetArchived(),
	}
}
