package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every cached repository version",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := openComponents(graphNone)
	if err != nil {
		return err
	}
	defer c.Close()

	repos, err := c.Coordinator.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(repos) == 0 {
		fmt.Fprintln(out, "No cached repositories.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "URL\tCOMMIT\tWORKSPACE\tSTATUS\tGRAPH ROOT\tCREATED")
	for _, r := range repos {
		created := "unknown"
		if !r.CreatedAt.IsZero() {
			created = formatTimeAgo(r.CreatedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.URL, r.CommitLabel(), r.WorkspacePath, pathStatus(c.Workspace.Exists(r.WorkspacePath)), r.GraphRootID, created)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d cached version(s)\n", len(repos))
	return nil
}
