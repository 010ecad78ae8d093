// Package readiness decides which states are eligible for execution. The
// rules are pure functions over the plan and the current state records;
// callers may evaluate as often and as redundantly as they like, because
// eligibility never grants execution by itself. The lease acquisition that
// follows is what serializes the winners.
package readiness

import (
	"github.com/batonrun/baton/internal/domain"
)

// IndexRecords keys a record list by state name for the evaluators below.
func IndexRecords(records []*domain.StateRecord) map[string]*domain.StateRecord {
	index := make(map[string]*domain.StateRecord, len(records))
	for _, r := range records {
		index[r.State] = r
	}
	return index
}

// IsReady reports whether state is eligible to run: its record is pending
// and every upstream record is done. Fan-in states wait for all upstream
// branches, never just the first.
func IsReady(meta *domain.WorkflowMeta, state string, records map[string]*domain.StateRecord) bool {
	record, ok := records[state]
	if !ok || record.Status != domain.StatusPending {
		return false
	}
	return UpstreamDone(meta, state, records)
}

// UpstreamDone reports whether every upstream record of state is done. A
// failed state whose upstream set is still complete satisfies this, which is
// what lets an explicit retry re-run it without re-running its inputs.
func UpstreamDone(meta *domain.WorkflowMeta, state string, records map[string]*domain.StateRecord) bool {
	for _, up := range meta.Upstream(state) {
		upstream, ok := records[up]
		if !ok || upstream.Status != domain.StatusDone {
			return false
		}
	}
	return true
}

// ReadyStates lists every eligible state in plan order.
func ReadyStates(meta *domain.WorkflowMeta, records map[string]*domain.StateRecord) []string {
	var ready []string
	for _, state := range meta.States {
		if IsReady(meta, state, records) {
			ready = append(ready, state)
		}
	}
	return ready
}

// NewlyReady lists the downstream states of completedState that are
// eligible now. This is the notification target set after a completion;
// upstream siblings that are still unfinished keep their fan-in states out
// of the result.
func NewlyReady(meta *domain.WorkflowMeta, completedState string, records map[string]*domain.StateRecord) []string {
	var ready []string
	for _, down := range meta.Downstream(completedState) {
		if IsReady(meta, down, records) {
			ready = append(ready, down)
		}
	}
	return ready
}

// Stalled lists failed states whose upstream set is still complete. These
// are the retry candidates: everything downstream of them is blocked until
// they re-run, which makes them the needs-attention set for introspection.
func Stalled(meta *domain.WorkflowMeta, records map[string]*domain.StateRecord) []string {
	var stalled []string
	for _, state := range meta.States {
		record, ok := records[state]
		if !ok || record.Status != domain.StatusFailed {
			continue
		}
		if UpstreamDone(meta, state, records) {
			stalled = append(stalled, state)
		}
	}
	return stalled
}
