package repocache

import (
	"errors"
	"fmt"

	"github.com/jacklau/repocache/internal/store"
)

// Phase names of the deletion cascade, in execution order.
const (
	PhaseWorkspace = "workspace"
	PhaseGraph     = "graph"
	PhaseMetadata  = "metadata"
)

// PhaseResult is the result of one deletion phase. Absent means the
// resource was already gone, which counts as success.
type PhaseResult struct {
	OK     bool
	Absent bool
	Err    error
}

func (p PhaseResult) status() string {
	switch {
	case p.Absent:
		return "absent"
	case p.OK:
		return "ok"
	default:
		return "failed"
	}
}

// DeletionOutcome reports a deletion cascade. Found is false when no record
// had the key; the phases are then zero and nothing was touched.
type DeletionOutcome struct {
	Key       store.Key
	Found     bool
	Record    store.Repository
	Workspace PhaseResult
	Graph     PhaseResult
	Metadata  PhaseResult
}

type namedPhase struct {
	name   string
	result PhaseResult
}

func (o *DeletionOutcome) phases() []namedPhase {
	return []namedPhase{
		{PhaseWorkspace, o.Workspace},
		{PhaseGraph, o.Graph},
		{PhaseMetadata, o.Metadata},
	}
}

// Complete reports whether a record was found and every phase succeeded.
func (o *DeletionOutcome) Complete() bool {
	return o.Found && o.Workspace.OK && o.Graph.OK && o.Metadata.OK
}

// Err joins the errors of the failed phases, or returns nil.
func (o *DeletionOutcome) Err() error {
	var errs []error
	for _, p := range o.phases() {
		if p.result.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, p.result.Err))
		}
	}
	return errors.Join(errs...)
}

// FailedPhases names the phases that did not succeed.
func (o *DeletionOutcome) FailedPhases() []string {
	if !o.Found {
		return nil
	}
	var failed []string
	for _, p := range o.phases() {
		if !p.result.OK {
			failed = append(failed, p.name)
		}
	}
	return failed
}
