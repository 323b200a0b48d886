package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jacklau/repocache/internal/notify"
)

var (
	pruneDryRun bool
	pruneForce  bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove workspaces and knowledge graphs no record points to",
	Long: `Prune releases resources leaked by failed or racing creations and by
stale records that were rebuilt: workspace directories that no record lives in
and knowledge graph roots that no record references. Records themselves are
never removed. Do not run prune while another process is creating versions; a
clone that is not recorded yet looks orphaned.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "only report what would be removed")
	pruneCmd.Flags().BoolVarP(&pruneForce, "force", "f", false, "skip the confirmation prompt")
	rootCmd.AddCommand(pruneCmd)
}

// orphans are resources that no metadata record owns.
type orphans struct {
	Workspaces []string
	GraphRoots []int64
}

func (o orphans) empty() bool {
	return len(o.Workspaces) == 0 && len(o.GraphRoots) == 0
}

// findOrphans compares the workspace directories and graph roots on disk
// with the ones referenced by the catalog.
func findOrphans(c *components) (orphans, error) {
	repos, err := c.Coordinator.List()
	if err != nil {
		return orphans{}, err
	}
	ownedDirs := make(map[string]bool, len(repos))
	ownedRoots := make(map[int64]bool, len(repos))
	for _, r := range repos {
		if dir := c.Workspace.Allocation(r.WorkspacePath); dir != "" {
			ownedDirs[dir] = true
		}
		ownedRoots[r.GraphRootID] = true
	}

	var o orphans
	dirs, err := c.Workspace.List()
	if err != nil {
		return orphans{}, err
	}
	for _, d := range dirs {
		if !ownedDirs[d] {
			o.Workspaces = append(o.Workspaces, d)
		}
	}

	roots, err := c.Graph.Roots()
	if err != nil {
		return orphans{}, err
	}
	for _, id := range roots {
		if !ownedRoots[id] {
			o.GraphRoots = append(o.GraphRoots, id)
		}
	}
	slices.Sort(o.GraphRoots)
	return o, nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	access := graphReadWrite
	if pruneDryRun {
		access = graphReadOnly
	}
	c, err := openComponents(access)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	o, err := findOrphans(c)
	if err != nil {
		return err
	}
	if o.empty() {
		fmt.Fprintln(out, "Nothing to prune.")
		return nil
	}

	fmt.Fprintf(out, "Orphaned workspaces: %d\n", len(o.Workspaces))
	for _, d := range o.Workspaces {
		fmt.Fprintf(out, "  %s\n", d)
	}
	fmt.Fprintf(out, "Orphaned graph roots: %d\n", len(o.GraphRoots))
	for _, id := range o.GraphRoots {
		fmt.Fprintf(out, "  %d\n", id)
	}

	if pruneDryRun {
		return nil
	}
	fmt.Fprintln(out)
	if !pruneForce && !confirm(cmd.InOrStdin(), out, "Remove these resources?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	failed := 0
	for _, d := range o.Workspaces {
		if err := c.Workspace.RemoveTree(d); err != nil {
			failed++
			c.Logger.Warn("failed to remove orphaned workspace", "path", d, "error", err)
		}
	}
	for _, id := range o.GraphRoots {
		if err := c.Graph.DeleteSubtree(cmd.Context(), id); err != nil {
			failed++
			c.Logger.Warn("failed to remove orphaned graph", "graph_root_id", id, "error", err)
		}
	}
	if err := c.Graph.CollectGarbage(); err != nil {
		c.Logger.Warn("graph value log garbage collection failed", "error", err)
	}

	total := len(o.Workspaces) + len(o.GraphRoots)
	fmt.Fprintf(out, "Removed %d/%d orphaned resource(s).\n", total-failed, total)
	c.report(cmd.Context(), notify.PruneMessage(len(o.Workspaces), len(o.GraphRoots), failed))
	if failed > 0 {
		return fmt.Errorf("%d orphaned resource(s) could not be removed", failed)
	}
	return nil
}
