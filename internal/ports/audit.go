package ports

import (
	"context"

	"github.com/batonrun/baton/internal/domain"
)

// AuditSinkPort receives the durable record of what happened: per-state
// transitions as they land and the closing summary at finalize. Sinks must
// tolerate duplicates; the runtime retries on transient failure and the
// finalizer may replay the summary.
type AuditSinkPort interface {
	RecordTransition(ctx context.Context, event domain.StateTransitionEvent) error
	RecordSummary(ctx context.Context, summary *domain.Summary) error
}
