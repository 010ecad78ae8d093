package baton

import "github.com/batonrun/baton/internal/domain"

// Sentinel errors surfaced by the public API. Lease errors are the normal
// noise of choreography and are handled inside the worker loop; callers
// mostly see the workflow-level ones.
var (
	ErrLeaseHeld        = domain.ErrLeaseHeld
	ErrLeaseConflict    = domain.ErrLeaseConflict
	ErrLeaseExpired     = domain.ErrLeaseExpired
	ErrLeaseNotOwned    = domain.ErrLeaseNotOwned
	ErrNotComplete      = domain.ErrNotComplete
	ErrAlreadyFinalized = domain.ErrAlreadyFinalized
	ErrWorkflowNotFound = domain.ErrWorkflowNotFound
	ErrWorkflowExists   = domain.ErrWorkflowExists
	ErrStateNotFound    = domain.ErrStateNotFound
	ErrDependencyCycle  = domain.ErrDependencyCycle
	ErrMalformedGraph   = domain.ErrMalformedGraph
)

// ValidationError reports a malformed document or argument.
type ValidationError = domain.ValidationError

// SkillError is the classified failure returned by skill executors.
type SkillError = domain.SkillError

func IsLeaseHeld(err error) bool { return domain.IsLeaseHeld(err) }

func IsLeaseNotOwned(err error) bool { return domain.IsLeaseNotOwned(err) }

func IsNotComplete(err error) bool { return domain.IsNotComplete(err) }

func IsAlreadyFinalized(err error) bool { return domain.IsAlreadyFinalized(err) }

func IsWorkflowNotFound(err error) bool { return domain.IsWorkflowNotFound(err) }

func IsGraphError(err error) bool { return domain.IsGraphError(err) }
