package domain

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Resolved reports whether the status ends the current attempt. A failed
// state may still be re-leased later; resolution is per attempt, not final.
func (s Status) Resolved() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Lease is the exclusive-execution grant embedded in a state record.
// Expiry is never enforced by a background process; holders are fenced out
// only when a later acquisition observes the lease as expired.
type Lease struct {
	Token      string    `json:"token"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

func (l *Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(time.Duration(l.TTLSeconds) * time.Second)
}

// Expired reports acquired_at + ttl_seconds <= now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// StateRecord is the shared coordination document for one state of one
// workflow instance. Every mutation goes through a versioned compare-and-swap
// on the backing store; concurrent writers lose the swap, never corrupt.
type StateRecord struct {
	WorkflowID string     `json:"workflow_id"`
	State      string     `json:"state"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	Lease      *Lease     `json:"lease,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	OutputRef  string     `json:"output_ref,omitempty"`
}

func NewStateRecord(workflowID, state string) *StateRecord {
	return &StateRecord{
		WorkflowID: workflowID,
		State:      state,
		Status:     StatusPending,
	}
}

func (r *StateRecord) Leased() bool {
	return r.Lease != nil
}

func (r *StateRecord) LeaseExpired(now time.Time) bool {
	return r.Lease != nil && r.Lease.Expired(now)
}

// HeldBy reports whether token matches the current lease. A stale token
// never matches: takeover replaces the token, and release clears it.
func (r *StateRecord) HeldBy(token string) bool {
	return r.Lease != nil && token != "" && r.Lease.Token == token
}

func (r *StateRecord) Validate() error {
	if r.WorkflowID == "" {
		return NewValidationError("state record", "workflow_id cannot be empty")
	}
	if r.State == "" {
		return NewValidationError("state record", "state cannot be empty")
	}
	if !r.Status.Valid() {
		return NewValidationError("state record", fmt.Sprintf("invalid status: %s", r.Status))
	}
	if r.Attempts < 0 {
		return NewValidationError("state record", "attempts cannot be negative")
	}
	if r.Status == StatusRunning && r.Lease == nil {
		return NewValidationError("state record", "running state must carry a lease")
	}
	if r.Lease != nil {
		if r.Lease.Token == "" {
			return NewValidationError("state record", "lease token cannot be empty")
		}
		if r.Lease.Owner == "" {
			return NewValidationError("state record", "lease owner cannot be empty")
		}
		if r.Lease.TTLSeconds <= 0 {
			return NewValidationError("state record", "lease ttl must be positive")
		}
		if r.Lease.AcquiredAt.IsZero() {
			return NewValidationError("state record", "lease acquired_at cannot be zero")
		}
	}
	return nil
}
