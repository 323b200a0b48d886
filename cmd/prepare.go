package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jacklau/repocache/internal/github"
	"github.com/jacklau/repocache/internal/store"
)

var (
	prepareWorkers         int
	prepareInstallation    bool
	prepareOrg             string
	prepareIncludeArchived bool
)

const defaultPrepareWorkers = 4

var prepareCmd = &cobra.Command{
	Use:   "prepare [manifest.yaml]",
	Short: "Get or create many repository versions concurrently",
	Long: `Prepare warms the cache for a list of repository versions. The list comes
from a YAML manifest, from every repository the GitHub App installation can
access (--installation), or from every repository of an organization (--org).
Repeated entries are processed once.

Manifest format:

  repositories:
    - url: https://github.com/acme/api.git
      commit: 4f2a9c1
    - url: https://github.com/acme/web.git`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPrepare,
}

func init() {
	prepareCmd.Flags().IntVar(&prepareWorkers, "workers", defaultPrepareWorkers, "number of concurrent workers")
	prepareCmd.Flags().BoolVar(&prepareInstallation, "installation", false, "include every repository of the GitHub App installation")
	prepareCmd.Flags().StringVar(&prepareOrg, "org", "", "include every repository of this GitHub organization")
	prepareCmd.Flags().BoolVar(&prepareIncludeArchived, "include-archived", false, "include archived GitHub repositories")
	rootCmd.AddCommand(prepareCmd)
}

// manifest lists repository versions to prepare.
type manifest struct {
	Repositories []manifestEntry `yaml:"repositories"`
}

type manifestEntry struct {
	URL    string `yaml:"url"`
	Commit string `yaml:"commit"`
}

// parseManifest decodes a manifest into keys. Every entry needs a url.
func parseManifest(data []byte) ([]store.Key, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest YAML: %w", err)
	}
	keys := make([]store.Key, 0, len(m.Repositories))
	for i, e := range m.Repositories {
		if e.URL == "" {
			return nil, fmt.Errorf("manifest entry %d: url is required", i+1)
		}
		keys = append(keys, store.Key{URL: e.URL, CommitID: e.Commit})
	}
	return keys, nil
}

// dedupeKeys drops repeated keys, keeping the first occurrence.
func dedupeKeys(keys []store.Key) []store.Key {
	seen := make(map[store.Key]bool, len(keys))
	out := make([]store.Key, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// githubKeys converts listed GitHub repositories into latest-tracking keys.
func githubKeys(repos []github.Repo, includeArchived bool) []store.Key {
	keys := make([]store.Key, 0, len(repos))
	for _, r := range repos {
		if r.Archived && !includeArchived {
			continue
		}
		keys = append(keys, store.Key{URL: r.CloneURL})
	}
	return keys
}

func runPrepare(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !prepareInstallation && prepareOrg == "" {
		return errors.New("nothing to prepare: pass a manifest, --installation, or --org")
	}

	c, err := openComponents(graphReadWrite)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	var keys []store.Key

	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading manifest: %w", err)
		}
		fromManifest, err := parseManifest(data)
		if err != nil {
			return err
		}
		keys = append(keys, fromManifest...)
	}

	if prepareInstallation || prepareOrg != "" {
		fromGitHub, err := listGitHubKeys(ctx, c)
		if err != nil {
			return err
		}
		keys = append(keys, fromGitHub...)
	}

	keys = dedupeKeys(keys)
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No repositories to prepare.")
		return nil
	}

	token, err := resolveToken(ctx, c, "")
	if err != nil {
		return err
	}

	workers := prepareWorkers
	if workers <= 0 {
		workers = defaultPrepareWorkers
	}

	var created, reused, failed int64
	bar := newProgressBar(len(keys), "Preparing", cmd.ErrOrStderr())
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(k store.Key) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := c.Coordinator.GetOrCreate(ctx, k.URL, k.CommitID, token)
			switch {
			case err != nil:
				atomic.AddInt64(&failed, 1)
				c.Logger.Warn("failed to prepare repository", "url", k.URL, "commit", k.CommitID, "error", err)
			case res.Created:
				atomic.AddInt64(&created, 1)
			default:
				atomic.AddInt64(&reused, 1)
			}

			bar.Add(1)
		}(key)
	}
	wg.Wait()
	bar.Finish()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Prepared %d repository version(s)\n", len(keys))
	fmt.Fprintf(out, "  Created: %d\n", atomic.LoadInt64(&created))
	fmt.Fprintf(out, "  Reused:  %d\n", atomic.LoadInt64(&reused))
	fmt.Fprintf(out, "  Failed:  %d\n", atomic.LoadInt64(&failed))

	if n := atomic.LoadInt64(&failed); n > 0 {
		return fmt.Errorf("%d repository version(s) failed", n)
	}
	return nil
}

// listGitHubKeys lists repositories through the GitHub API. The installation
// listing needs GitHub App auth; an organization listing also works with a
// plain token.
func listGitHubKeys(ctx context.Context, c *components) ([]store.Key, error) {
	var client *gogithub.Client
	switch src := c.Tokens.(type) {
	case *github.AppTokenSource:
		client = src.Client()
	case github.StaticToken:
		if prepareInstallation {
			return nil, errors.New("--installation requires git auth: app")
		}
		client = github.NewTokenClient(string(src))
	default:
		if prepareInstallation {
			return nil, errors.New("--installation requires git auth: app")
		}
		client = gogithub.NewClient(nil)
	}

	lister := github.NewLister(client, c.Logger)
	var keys []store.Key

	if prepareInstallation {
		repos, err := lister.InstallationRepos(ctx)
		if err != nil {
			return nil, err
		}
		keys = append(keys, githubKeys(repos, prepareIncludeArchived)...)
	}
	if prepareOrg != "" {
		repos, err := lister.OrgRepos(ctx, prepareOrg)
		if err != nil {
			return nil, err
		}
		keys = append(keys, githubKeys(repos, prepareIncludeArchived)...)
	}
	return keys, nil
}
