package cmd

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jacklau/repocache/internal/graph"
	"github.com/jacklau/repocache/internal/store"
)

var infoCommit string

var infoCmd = &cobra.Command{
	Use:   "info <url>",
	Short: "Show details of one cached repository version",
	Long: `Info prints the metadata of a cached version together with the state of
its workspace (existence and size) and of its knowledge graph (existence and
node counts). Without --commit the latest-tracking version is shown.`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().StringVarP(&infoCommit, "commit", "c", "", "commit id (default: latest)")
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	c, err := openComponents(graphReadOnly)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	key := store.Key{URL: args[0], CommitID: infoCommit}

	rec, err := c.Coordinator.Find(key.URL, key.CommitID)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(out, "Repository not found: %s\n", key)
		return nil
	}
	if err != nil {
		return err
	}

	exists := c.Workspace.Exists(rec.WorkspacePath)
	fmt.Fprintln(out, "Repository:")
	printRecord(out, rec, exists)

	if exists {
		if size, err := c.Workspace.Size(rec.WorkspacePath); err == nil {
			fmt.Fprintf(out, "  Size:           %s\n", formatBytes(size))
		} else {
			c.Logger.Warn("measuring workspace", "path", rec.WorkspacePath, "error", err)
		}
	}

	fmt.Fprintln(out, "\nKnowledge graph:")
	stats, err := c.Graph.Stats(cmd.Context(), rec.GraphRootID)
	switch {
	case errors.Is(err, graph.ErrRootNotFound):
		fmt.Fprintf(out, "  Root %d: Missing\n", rec.GraphRootID)
		return nil
	case err != nil:
		return fmt.Errorf("reading knowledge graph: %w", err)
	}

	fmt.Fprintf(out, "  Root %d: Exists, %d nodes\n", rec.GraphRootID, stats.Total)
	kinds := make([]graph.Kind, 0, len(stats.ByKind))
	for k := range stats.ByKind {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, "    %-12s %d\n", k, stats.ByKind[k])
	}
	return nil
}
