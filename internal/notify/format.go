package notify

import (
	"fmt"
	"strings"

	"github.com/jacklau/repocache/internal/repocache"
)

// FormatPhase renders the result of one deletion phase.
func FormatPhase(p repocache.PhaseResult) string {
	switch {
	case p.Absent:
		return "already gone"
	case p.OK:
		return "removed"
	default:
		return fmt.Sprintf("FAILED (%v)", p.Err)
	}
}

// DeletionMessage reports the outcomes of one delete or delete-all run.
// Versions that were not found are left out.
func DeletionMessage(outcomes []*repocache.DeletionOutcome) Message {
	msg := Message{}
	complete := 0
	for _, o := range outcomes {
		if o == nil || !o.Found {
			continue
		}
		if o.Complete() {
			complete++
		} else {
			msg.Failed = true
		}
		msg.Fields = append(msg.Fields, Field{
			Name: o.Key.String(),
			Value: strings.Join([]string{
				"workspace " + FormatPhase(o.Workspace),
				"graph " + FormatPhase(o.Graph),
				"metadata " + FormatPhase(o.Metadata),
			}, ", "),
		})
	}

	total := len(msg.Fields)
	if msg.Failed {
		msg.Title = fmt.Sprintf("Repository deletion incomplete: %d/%d version(s) deleted", complete, total)
	} else {
		msg.Title = fmt.Sprintf("Deleted %d repository version(s)", total)
	}
	return msg
}

// PruneMessage reports an orphan prune run.
func PruneMessage(workspaces, graphRoots, failed int) Message {
	total := workspaces + graphRoots
	msg := Message{
		Title:  fmt.Sprintf("Pruned %d/%d orphaned resource(s)", total-failed, total),
		Failed: failed > 0,
		Fields: []Field{
			{Name: "Workspaces", Value: fmt.Sprint(workspaces)},
			{Name: "Graph roots", Value: fmt.Sprint(graphRoots)},
		},
	}
	if failed > 0 {
		msg.Fields = append(msg.Fields, Field{Name: "Failed", Value: fmt.Sprint(failed)})
	}
	return msg
}
