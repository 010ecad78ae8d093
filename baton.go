// Package baton is a decentralized control plane for declarative
// state-machine workflows. Ephemeral workers coordinate through
// compare-and-swap state documents and TTL leases instead of a central
// scheduler, passing work downstream like a relay baton:
//   - Workflows are immutable DAG plans compiled externally and submitted
//     as a WorkflowMeta document
//   - Any number of worker processes share a store; the first lease wins,
//     expired leases are taken over, stale writers are fenced out
//   - Notifications are best-effort hints; correctness rests on polling
//     and the CAS store alone
//   - Skills execute per capability with preference-ordered substitution
//     on transient failure
//   - Finalization closes a run into an idempotent audit summary
//
// Basic usage:
//
//	cfg := baton.NewConfig("worker-1", "./data", logger)
//	runtime, err := baton.NewWithConfig(cfg)
//	runtime.RegisterSkill(baton.SkillProvider{
//	    Skill:      "transcribe-v1",
//	    Capability: "Transcribe",
//	    Priority:   1,
//	    Executor:   myExecutor,
//	})
//	runtime.Start(context.Background())
//	runtime.Submit(ctx, meta)
//	summary, err := runtime.Finalize(ctx, meta.WorkflowID, false)
package baton

import (
	"log/slog"

	"github.com/batonrun/baton/internal/adapters/audit"
	"github.com/batonrun/baton/internal/core"
	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

// Runtime is one worker process of the control plane: it stores documents,
// runs a worker pool, dispatches hints, and finalizes completed workflows.
type Runtime = core.Runtime

// WorkflowStatus aggregates a workflow's records with the derived ready and
// stalled sets, plus the summary once finalized.
type WorkflowStatus = core.WorkflowStatus

// WorkflowMeta is the immutable plan document for one workflow instance:
// states, dependency graph, assignments, and capabilities.
type WorkflowMeta = domain.WorkflowMeta

// StateDeps carries the upstream and downstream edge sets of one state.
type StateDeps = domain.StateDeps

// StateRecord is the shared coordination document for one state of one
// workflow instance.
type StateRecord = domain.StateRecord

// Lease is the time-boxed exclusive execution grant embedded in a state
// record.
type Lease = domain.Lease

// Status enumerates the lifecycle of a state record.
type Status = domain.Status

const (
	StatusPending   = domain.StatusPending
	StatusRunning   = domain.StatusRunning
	StatusDone      = domain.StatusDone
	StatusFailed    = domain.StatusFailed
	StatusCancelled = domain.StatusCancelled
)

// Summary is the immutable closing document of a workflow instance.
type Summary = domain.Summary

// StateOutcome is one state's row in a Summary.
type StateOutcome = domain.StateOutcome

// SummaryStatus classifies a finished run.
type SummaryStatus = domain.SummaryStatus

const (
	SummarySucceeded = domain.SummarySucceeded
	SummaryPartial   = domain.SummaryPartial
	SummaryFailed    = domain.SummaryFailed
)

// Notification is the ephemeral readiness hint workers exchange. Delivery
// is at-least-once and duplicate-tolerant.
type Notification = domain.Notification

// NotificationReason says why a hint was emitted.
type NotificationReason = domain.NotificationReason

const (
	ReasonKickoff        = domain.ReasonKickoff
	ReasonUpstreamDone   = domain.ReasonUpstreamDone
	ReasonNeedsAttention = domain.ReasonNeedsAttention
	ReasonRetry          = domain.ReasonRetry
)

// RuntimeMetrics is a snapshot of the runtime's execution counters.
type RuntimeMetrics = domain.RuntimeMetrics

// JournalEntry is one replayed audit record from Runtime.Trail.
type JournalEntry = audit.JournalEntry

// SkillExecutorPort runs one skill invocation; implementations classify
// failures as transient or permanent via NewTransientSkillError and
// NewPermanentSkillError.
type SkillExecutorPort = ports.SkillExecutorPort

// SkillProvider binds a named skill to the capability it serves. Lower
// Priority is preferred during substitution.
type SkillProvider = ports.SkillProvider

// Invocation is the input handed to a skill executor.
type Invocation = ports.Invocation

// InvocationResult is a successful execution's output reference.
type InvocationResult = ports.InvocationResult

// New creates a runtime with default settings: embedded badger storage at
// dataDir, four workers, proactive lease renewal.
func New(workerID, dataDir string, logger *slog.Logger) (*Runtime, error) {
	return core.NewRuntime(domain.NewConfigFromSimple(workerID, dataDir, logger))
}

// NewWithConfig creates a runtime from a full configuration, for control
// over storage backend, lease TTLs, pool sizing, dispatch, and the bridge.
func NewWithConfig(config *Config) (*Runtime, error) {
	return core.NewRuntime(config)
}

// NewTransientSkillError marks a skill failure as retryable with an
// alternate provider.
func NewTransientSkillError(skill string, err error) error {
	return domain.NewTransientSkillError(skill, err)
}

// NewPermanentSkillError marks a skill failure as final; no substitution
// is attempted.
func NewPermanentSkillError(skill string, err error) error {
	return domain.NewPermanentSkillError(skill, err)
}
