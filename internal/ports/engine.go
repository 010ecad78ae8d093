package ports

import (
	"context"

	"github.com/batonrun/baton/internal/domain"
)

// EnginePort drives the worker pool that turns notifications and poll ticks
// into lease attempts and skill executions.
type EnginePort interface {
	Start(ctx context.Context) error
	Stop() error

	// Watch makes the pool consider a workflow during polling even before
	// any notification for it arrives.
	Watch(workflowID string) error
	Unwatch(workflowID string)

	GetMetrics() domain.RuntimeMetrics
}

// FinalizerPort resolves a finished workflow into its closing summary.
type FinalizerPort interface {
	// Finalize verifies every terminal state is resolved, or force-cancels
	// open states when closeOpen is set, then builds and caches the
	// summary. Calls after the first return the cached document unchanged.
	Finalize(ctx context.Context, workflowID string, closeOpen bool) (*domain.Summary, error)
}
