package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/jacklau/repocache/internal/notify"
	"github.com/jacklau/repocache/internal/repocache"
	"github.com/jacklau/repocache/internal/store"
)

// confirm asks a yes/no question and reports whether the answer was yes.
// Anything other than y or yes, including EOF, is a no.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

// pathStatus renders whether a workspace path still exists.
func pathStatus(exists bool) string {
	if exists {
		return "Exists"
	}
	return "Missing"
}

// printRecord writes the fields of a record, one per line.
func printRecord(w io.Writer, r *store.Repository, exists bool) {
	fmt.Fprintf(w, "  URL:            %s\n", r.URL)
	fmt.Fprintf(w, "  Commit:         %s\n", r.CommitLabel())
	fmt.Fprintf(w, "  Workspace:      %s (%s)\n", r.WorkspacePath, pathStatus(exists))
	fmt.Fprintf(w, "  Graph root:     %d\n", r.GraphRootID)
	fmt.Fprintf(w, "  Max AST depth:  %d\n", r.MaxASTDepth)
	fmt.Fprintf(w, "  Chunk size:     %d\n", r.ChunkSize)
	fmt.Fprintf(w, "  Chunk overlap:  %d\n", r.ChunkOverlap)
	if !r.CreatedAt.IsZero() {
		fmt.Fprintf(w, "  Created:        %s (%s)\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"), formatTimeAgo(r.CreatedAt))
	}
}

// printOutcome writes the per-phase result of a deletion cascade.
func printOutcome(w io.Writer, out *repocache.DeletionOutcome) {
	if !out.Found {
		fmt.Fprintf(w, "Not found: %s\n", out.Key)
		return
	}
	fmt.Fprintf(w, "  Workspace:  %s\n", notify.FormatPhase(out.Workspace))
	fmt.Fprintf(w, "  Graph:      %s\n", notify.FormatPhase(out.Graph))
	fmt.Fprintf(w, "  Metadata:   %s\n", notify.FormatPhase(out.Metadata))
}
