// Package finalize resolves finished workflows into their closing summary.
// The summary is a create-once document: the first successful finalize writes
// it, every later call returns the stored copy untouched, so concurrent
// finalizers and operator retries all hand back identical content.
package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

type Finalizer struct {
	metas   ports.MetaStorePort
	states  ports.StateStorePort
	audit   ports.AuditSinkPort
	metrics *domain.RuntimeMetrics
	logger  *slog.Logger
}

func NewFinalizer(metas ports.MetaStorePort, states ports.StateStorePort, audit ports.AuditSinkPort, metrics *domain.RuntimeMetrics, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		metas:   metas,
		states:  states,
		audit:   audit,
		metrics: metrics,
		logger:  logger.With("component", "finalizer"),
	}
}

// Finalize closes a workflow. Without closeOpen every terminal state must
// already be resolved or the call fails with ErrNotComplete. With closeOpen
// the remaining open records, terminal or not, are cancelled first, dropping
// any leases they still hold; that is the explicit force-close path for a
// workflow whose chain died mid-run. The stored summary wins all races and
// is replayed to the audit sink by the call that created it.
func (f *Finalizer) Finalize(ctx context.Context, workflowID string, closeOpen bool) (*domain.Summary, error) {
	if workflowID == "" {
		return nil, domain.NewValidationError("finalize", "workflow id must not be empty")
	}

	if cached, ok, err := f.states.GetSummary(ctx, workflowID); err != nil {
		return nil, fmt.Errorf("finalize %s: %w", workflowID, err)
	} else if ok {
		f.logger.Debug("workflow already finalized, returning stored summary",
			"workflow_id", workflowID,
			"status", cached.Status)
		return cached, nil
	}

	meta, err := f.metas.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	records, err := f.states.List(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if closeOpen {
		cancelled, err := f.states.CancelOpen(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("finalize %s: %w", workflowID, err)
		}
		if len(cancelled) > 0 {
			records, err = f.states.List(ctx, workflowID)
			if err != nil {
				return nil, err
			}
		}
	} else if open := openTerminals(meta, records); len(open) > 0 {
		return nil, fmt.Errorf("finalize %s: terminal states still open: %s: %w",
			workflowID, strings.Join(open, ", "), domain.ErrNotComplete)
	}

	summary := domain.BuildSummary(meta, records, time.Now().UTC())
	stored, err := f.states.PutSummary(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", workflowID, err)
	}

	if f.audit != nil {
		if err := f.audit.RecordSummary(ctx, stored); err != nil {
			f.logger.Warn("audit sink rejected summary",
				"workflow_id", workflowID,
				"error", err)
		}
	}
	if f.metrics != nil {
		f.metrics.IncrementWorkflowsFinalized()
	}

	f.logger.Info("workflow finalized",
		"workflow_id", workflowID,
		"status", stored.Status,
		"states", len(stored.States),
		"total_attempts", stored.TotalAttempts)
	return stored, nil
}

// openTerminals lists the terminal states whose records are not resolved.
// Non-terminal stragglers never block; the summary just freezes them as-is.
func openTerminals(meta *domain.WorkflowMeta, records []*domain.StateRecord) []string {
	var open []string
	for _, record := range records {
		if meta.IsTerminal(record.State) && !record.Status.Resolved() {
			open = append(open, record.State)
		}
	}
	return open
}
