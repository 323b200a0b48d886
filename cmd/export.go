package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jacklau/repocache/internal/store"
)

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the repository catalog",
	Long:  `Export writes every cached version, including whether its workspace still exists, as a table, JSON or YAML.`,
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "table", "output format: table, json, or yaml")
	rootCmd.AddCommand(exportCmd)
}

// exportRecord is the serialized form of a catalog entry.
type exportRecord struct {
	URL           string     `json:"url" yaml:"url"`
	CommitID      *string    `json:"commit_id" yaml:"commit_id"`
	WorkspacePath string     `json:"workspace_path" yaml:"workspace_path"`
	PathExists    bool       `json:"path_exists" yaml:"path_exists"`
	GraphRootID   int64      `json:"graph_root_id" yaml:"graph_root_id"`
	MaxASTDepth   int        `json:"max_ast_depth" yaml:"max_ast_depth"`
	ChunkSize     int        `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap  int        `json:"chunk_overlap" yaml:"chunk_overlap"`
	CreatedAt     *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

func toExportRecord(r store.Repository, exists bool) exportRecord {
	rec := exportRecord{
		URL:           r.URL,
		WorkspacePath: r.WorkspacePath,
		PathExists:    exists,
		GraphRootID:   r.GraphRootID,
		MaxASTDepth:   r.MaxASTDepth,
		ChunkSize:     r.ChunkSize,
		ChunkOverlap:  r.ChunkOverlap,
	}
	if r.CommitID != "" {
		commit := r.CommitID
		rec.CommitID = &commit
	}
	if !r.CreatedAt.IsZero() {
		created := r.CreatedAt.UTC()
		rec.CreatedAt = &created
	}
	return rec
}

func runExport(cmd *cobra.Command, args []string) error {
	switch exportFormat {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unsupported export format %q (want table, json, or yaml)", exportFormat)
	}

	c, err := openComponents(graphNone)
	if err != nil {
		return err
	}
	defer c.Close()

	repos, err := c.Coordinator.List()
	if err != nil {
		return err
	}

	records := make([]exportRecord, 0, len(repos))
	for _, r := range repos {
		records = append(records, toExportRecord(r, c.Workspace.Exists(r.WorkspacePath)))
	}
	return writeExport(cmd.OutOrStdout(), exportFormat, records)
}

func writeExport(w io.Writer, format string, records []exportRecord) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	default:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "URL\tCOMMIT\tWORKSPACE\tEXISTS\tGRAPH ROOT\tAST DEPTH\tCHUNK\tOVERLAP")
		for _, r := range records {
			commit := "Latest"
			if r.CommitID != nil {
				commit = *r.CommitID
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%d\t%d\n",
				r.URL, commit, r.WorkspacePath, r.PathExists, r.GraphRootID, r.MaxASTDepth, r.ChunkSize, r.ChunkOverlap)
		}
		return tw.Flush()
	}
}
