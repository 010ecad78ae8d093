package audit

import (
	"context"
	"log/slog"

	"github.com/batonrun/baton/internal/domain"
)

// LogSink writes audit events to the structured log and nothing else. It is
// the default sink when no journal storage is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) RecordTransition(_ context.Context, event domain.StateTransitionEvent) error {
	attrs := []any{
		"workflow_id", event.WorkflowID,
		"state", event.State,
		"from", event.From,
		"to", event.To,
		"attempts", event.Attempts,
	}
	if event.Worker != "" {
		attrs = append(attrs, "worker", event.Worker)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	s.logger.Info("state transition", attrs...)
	return nil
}

func (s *LogSink) RecordSummary(_ context.Context, summary *domain.Summary) error {
	s.logger.Info("workflow summary",
		"workflow_id", summary.WorkflowID,
		"status", summary.Status,
		"states", len(summary.States),
		"total_attempts", summary.TotalAttempts,
		"duration", summary.Duration)
	return nil
}
