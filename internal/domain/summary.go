package domain

import "time"

type SummaryStatus string

const (
	SummarySucceeded SummaryStatus = "succeeded"
	SummaryPartial   SummaryStatus = "partial"
	SummaryFailed    SummaryStatus = "failed"
)

type StateOutcome struct {
	Status    Status        `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	OutputRef string        `json:"output_ref,omitempty"`
	Runtime   time.Duration `json:"runtime,omitempty"`
}

// Summary is the immutable closing document of a workflow instance. Once
// written it is the answer to every later finalize call for the same
// workflow, byte for byte.
type Summary struct {
	WorkflowID    string                  `json:"workflow_id"`
	Status        SummaryStatus           `json:"status"`
	States        map[string]StateOutcome `json:"states"`
	TotalAttempts int                     `json:"total_attempts"`
	StartedAt     *time.Time              `json:"started_at,omitempty"`
	FinishedAt    time.Time               `json:"finished_at"`
	Duration      time.Duration           `json:"duration"`
}

// BuildSummary folds the per-state records into a closing summary.
// Succeeded requires every state done; failed requires every terminal state
// failed or cancelled; anything mixed is partial.
func BuildSummary(meta *WorkflowMeta, records []*StateRecord, finishedAt time.Time) *Summary {
	s := &Summary{
		WorkflowID: meta.WorkflowID,
		States:     make(map[string]StateOutcome, len(records)),
		FinishedAt: finishedAt,
	}

	allDone := true
	terminalAllDead := len(meta.TerminalStates) > 0
	var earliest *time.Time
	for _, r := range records {
		outcome := StateOutcome{
			Status:    r.Status,
			Attempts:  r.Attempts,
			LastError: r.LastError,
			OutputRef: r.OutputRef,
		}
		if r.StartedAt != nil && r.FinishedAt != nil {
			outcome.Runtime = r.FinishedAt.Sub(*r.StartedAt)
		}
		s.States[r.State] = outcome
		s.TotalAttempts += r.Attempts

		if r.Status != StatusDone {
			allDone = false
		}
		if meta.IsTerminal(r.State) && r.Status != StatusFailed && r.Status != StatusCancelled {
			terminalAllDead = false
		}
		if r.StartedAt != nil && (earliest == nil || r.StartedAt.Before(*earliest)) {
			earliest = r.StartedAt
		}
	}

	switch {
	case allDone:
		s.Status = SummarySucceeded
	case terminalAllDead:
		s.Status = SummaryFailed
	default:
		s.Status = SummaryPartial
	}

	if earliest != nil {
		t := *earliest
		s.StartedAt = &t
		s.Duration = finishedAt.Sub(t)
	}
	return s
}
