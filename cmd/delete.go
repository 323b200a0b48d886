package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacklau/repocache/internal/notify"
	"github.com/jacklau/repocache/internal/repocache"
	"github.com/jacklau/repocache/internal/store"
)

var (
	deleteCommit string
	deleteForce  bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <url>",
	Short: "Delete one cached repository version",
	Long: `Delete removes the workspace, the knowledge graph subtree and the metadata
record of one version. Each step runs even if an earlier one failed, and the
result of every step is reported. The command exits non-zero when any step
failed. Without --commit the latest-tracking version is deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().StringVarP(&deleteCommit, "commit", "c", "", "commit id (default: latest)")
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip the confirmation prompt")
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	c, err := openComponents(graphReadWrite)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	key := store.Key{URL: args[0], CommitID: deleteCommit}

	rec, err := c.Coordinator.Find(key.URL, key.CommitID)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(out, "Repository not found: %s\n", key)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Repository to delete:")
	printRecord(out, rec, c.Workspace.Exists(rec.WorkspacePath))
	fmt.Fprintln(out)

	if !deleteForce && !confirm(cmd.InOrStdin(), out, "Delete this repository version?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	outcome, err := c.Coordinator.Delete(cmd.Context(), key.URL, key.CommitID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Deleted %s:\n", key)
	printOutcome(out, outcome)
	c.report(cmd.Context(), notify.DeletionMessage([]*repocache.DeletionOutcome{outcome}))
	if outcome.Found && !outcome.Complete() {
		return fmt.Errorf("deletion of %s incomplete: %w", key, outcome.Err())
	}
	return nil
}
