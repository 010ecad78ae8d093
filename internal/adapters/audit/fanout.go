package audit

import (
	"context"
	"errors"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

// Fanout delivers each audit event to every sink. A failing sink does not
// stop delivery to the others; the failures come back joined.
type Fanout []ports.AuditSinkPort

func (f Fanout) RecordTransition(ctx context.Context, event domain.StateTransitionEvent) error {
	var combined error
	for _, sink := range f {
		if err := sink.RecordTransition(ctx, event); err != nil {
			combined = errors.Join(combined, err)
		}
	}
	return combined
}

func (f Fanout) RecordSummary(ctx context.Context, summary *domain.Summary) error {
	var combined error
	for _, sink := range f {
		if err := sink.RecordSummary(ctx, summary); err != nil {
			combined = errors.Join(combined, err)
		}
	}
	return combined
}
