package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jacklau/repocache/internal/notify"
	"github.com/jacklau/repocache/internal/pubsub"
	"github.com/jacklau/repocache/internal/repocache"
)

var deleteAllForce bool

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all-commits <url>",
	Short: "Delete every cached version of a repository",
	Long: `Delete-all-commits runs an independent deletion for every cached version of
a repository, the latest-tracking version first. A failure in one version does
not stop the others. The command exits non-zero when any version was not fully
deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeleteAll,
}

func init() {
	deleteAllCmd.Flags().BoolVarP(&deleteAllForce, "force", "f", false, "skip the confirmation prompt")
	rootCmd.AddCommand(deleteAllCmd)
}

func runDeleteAll(cmd *cobra.Command, args []string) error {
	url := args[0]

	c, err := openComponents(graphReadWrite)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()

	versions, err := c.Coordinator.FindAllByURL(url)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintf(out, "No cached versions of %s.\n", url)
		return nil
	}

	fmt.Fprintf(out, "Found %d cached version(s) of %s:\n", len(versions), url)
	for _, v := range versions {
		fmt.Fprintf(out, "  - %s  %s (%s)\n", v.CommitLabel(), v.WorkspacePath, pathStatus(c.Workspace.Exists(v.WorkspacePath)))
	}
	fmt.Fprintln(out)

	if !deleteAllForce && !confirm(cmd.InOrStdin(), out, fmt.Sprintf("Delete all %d version(s)?", len(versions))) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	droppedBefore := c.Broker.Dropped()
	events := c.Broker.Subscribe(ctx)
	bar := newProgressBar(len(versions), "Deleting", cmd.ErrOrStderr())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trackDeletions(events, url, bar)
	}()

	outcomes, runErr := c.Coordinator.DeleteAllVersions(cmd.Context(), url)
	cancel()
	wg.Wait()
	bar.Finish()
	warnDroppedEvents(c.Logger, c.Broker, droppedBefore)

	complete, failed := 0, 0
	for _, o := range outcomes {
		status := "ok"
		switch {
		case !o.Found:
			status = "already deleted"
		case o.Complete():
			complete++
		default:
			failed++
			status = "incomplete"
		}
		fmt.Fprintf(out, "%s: %s\n", o.Key, status)
		if o.Found {
			printOutcome(out, o)
		}
	}
	fmt.Fprintf(out, "\nDeleted %d/%d version(s).\n", complete, len(versions))
	if len(outcomes) > 0 {
		c.report(cmd.Context(), notify.DeletionMessage(outcomes))
	}

	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d version(s) were not fully deleted", failed, len(outcomes))
	}
	return nil
}

// trackDeletions advances bar for every deletion event of url until events
// is closed.
func trackDeletions(events <-chan pubsub.Event[repocache.Event], url string, bar *progressBar) {
	for evt := range events {
		if evt.Type == pubsub.Deleted && evt.Payload.Key.URL == url {
			bar.Add(1)
		}
	}
}

// warnDroppedEvents logs deliveries the broker skipped since it counted
// before. The progress bar stops short by that many.
func warnDroppedEvents(logger *slog.Logger, broker *pubsub.Broker[repocache.Event], before uint64) {
	if n := broker.Dropped() - before; n > 0 {
		logger.Warn("progress events dropped", "dropped", n)
	}
}
