package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	getCommit string
	getToken  string
)

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Return the cached workspace of a repository version, creating it if needed",
	Long: `Get reuses the cached workspace and knowledge graph of a version when its
workspace still exists. Otherwise it clones the repository, builds the graph and
records the new version. Without --commit the latest commit is tracked.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringVarP(&getCommit, "commit", "c", "", "commit id (default: latest)")
	getCmd.Flags().StringVar(&getToken, "token", "", "clone token (default: from config)")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	c, err := openComponents(graphReadWrite)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	token, err := resolveToken(ctx, c, getToken)
	if err != nil {
		return err
	}

	res, err := c.Coordinator.GetOrCreate(ctx, args[0], getCommit, token)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workspace:   %s\n", res.WorkspacePath)
	fmt.Fprintf(out, "Graph root:  %d\n", res.GraphRootID)
	fmt.Fprintf(out, "Created:     %t\n", res.Created)
	return nil
}
