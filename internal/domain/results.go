package domain

import (
	"sort"

	"go.uber.org/multierr"
)

// OutcomeStatus is what happened to one panel during a grid-wide operation
type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Skip reasons
const (
	SkipUnassigned   = "unassigned"
	SkipDisconnected = "disconnected"
)

// PanelOutcome is the per-panel entry of a GridResult
type PanelOutcome struct {
	Position int           `json:"position"`
	Address  string        `json:"address,omitempty"`
	Status   OutcomeStatus `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Kind     Kind          `json:"kind,omitempty"`
	Err      error         `json:"-"`
}

// GridResult aggregates the outcome of a grid-wide operation
type GridResult struct {
	Outcomes []PanelOutcome `json:"outcomes"`
}

// Add appends an outcome
func (r *GridResult) Add(o PanelOutcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Sort orders outcomes by grid position
func (r *GridResult) Sort() {
	sort.Slice(r.Outcomes, func(i, j int) bool {
		return r.Outcomes[i].Position < r.Outcomes[j].Position
	})
}

func (r *GridResult) filter(status OutcomeStatus) []PanelOutcome {
	var out []PanelOutcome
	for _, o := range r.Outcomes {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// Applied returns the panels that were written successfully
func (r *GridResult) Applied() []PanelOutcome { return r.filter(OutcomeApplied) }

// Failed returns the panels whose write failed
func (r *GridResult) Failed() []PanelOutcome { return r.filter(OutcomeFailed) }

// Skipped returns the cells that were not eligible
func (r *GridResult) Skipped() []PanelOutcome { return r.filter(OutcomeSkipped) }

// Complete reports whether every eligible panel was written and nothing was skipped
func (r *GridResult) Complete() bool {
	return len(r.Failed()) == 0 && len(r.Skipped()) == 0 && len(r.Applied()) > 0
}

// Partial reports whether some but not all targets applied the operation
func (r *GridResult) Partial() bool {
	return len(r.Applied()) > 0 && !r.Complete()
}

// Err returns a partial_failure error combining every per-panel failure, or nil
func (r *GridResult) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	var combined error
	for _, o := range failed {
		combined = multierr.Append(combined, o.Err)
	}
	if len(r.Applied()) == 0 {
		return NewError(aggregateKind(failed), "grid", combined)
	}
	return NewError(KindPartialFailure, "grid", combined)
}

// aggregateKind picks the kind reported when no panel succeeded
func aggregateKind(failed []PanelOutcome) Kind {
	kind := KindCancelled
	for _, o := range failed {
		switch o.Kind {
		case KindCancelled:
		case KindWriteTimeout:
			kind = KindWriteTimeout
		default:
			return KindConnection
		}
	}
	return kind
}
