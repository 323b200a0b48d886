package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache health overview",
	Long: `Display how many versions are cached, how many of their workspaces are
missing, how many resources are orphaned, and where the stores live.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := openComponents(graphReadOnly)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	cfg := c.Config

	repos, err := c.Coordinator.List()
	if err != nil {
		return err
	}
	o, err := findOrphans(c)
	if err != nil {
		return err
	}

	urls := make(map[string]bool)
	latest, missing := 0, 0
	for _, r := range repos {
		urls[r.URL] = true
		if r.IsLatest() {
			latest++
		}
		if !c.Workspace.Exists(r.WorkspacePath) {
			missing++
		}
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Cached versions:\t%d\n", len(repos))
	fmt.Fprintf(w, "Repositories:\t%d\n", len(urls))
	fmt.Fprintf(w, "Tracking latest:\t%d\n", latest)
	fmt.Fprintf(w, "Missing workspaces:\t%d\n", missing)
	fmt.Fprintf(w, "Orphaned workspaces:\t%d\n", len(o.Workspaces))
	fmt.Fprintf(w, "Orphaned graph roots:\t%d\n", len(o.GraphRoots))
	w.Flush()

	fmt.Fprintln(out)
	if size, err := fileSize(cfg.Metadata.Path); err != nil {
		fmt.Fprintf(out, "Metadata: %s (%s, size unknown)\n", cfg.Metadata.Path, cfg.Metadata.Backend)
	} else {
		fmt.Fprintf(out, "Metadata: %s (%s, %s)\n", cfg.Metadata.Path, cfg.Metadata.Backend, formatBytes(size))
	}
	fmt.Fprintf(out, "Graph:    %s\n", cfg.Graph.Path)
	fmt.Fprintf(out, "Clones:   %s\n", c.Workspace.Root())

	if missing > 0 || !o.empty() {
		fmt.Fprintln(out, "\nRun 'repocache get' to rebuild missing workspaces or 'repocache prune' to release orphans.")
	}
	return nil
}

// formatTimeAgo formats a time as a human-readable relative string.
func formatTimeAgo(t time.Time) string {
	d := time.Since(t)

	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatBytes formats bytes into a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// fileSize returns the size in bytes of a file.
func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
