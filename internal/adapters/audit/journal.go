// Package audit records the durable trail of what the runtime did: every
// state transition as it lands and the closing summary at finalize. Sinks
// receive at-least-once delivery, so a replayed summary shows up as a second
// journal entry rather than an error.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
	json "github.com/batonrun/baton/internal/xjson"
)

type EntryKind string

const (
	EntryTransition EntryKind = "transition"
	EntrySummary    EntryKind = "summary"
)

// JournalEntry is the stored envelope for one audit event. Exactly one of
// Transition and Summary is set, matching Kind.
type JournalEntry struct {
	Kind       EntryKind                    `json:"kind"`
	RecordedAt time.Time                    `json:"recorded_at"`
	Transition *domain.StateTransitionEvent `json:"transition,omitempty"`
	Summary    *domain.Summary              `json:"summary,omitempty"`
}

// JournalSink persists audit events to the document store under the audit
// key prefix. Entries are keyed by occurrence time, so a prefix scan reads
// the trail back in order.
type JournalSink struct {
	storage ports.StoragePort
	logger  *slog.Logger
}

func NewJournalSink(storage ports.StoragePort, logger *slog.Logger) *JournalSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalSink{
		storage: storage,
		logger:  logger.With("component", "audit-journal"),
	}
}

func (s *JournalSink) RecordTransition(ctx context.Context, event domain.StateTransitionEvent) error {
	entry := JournalEntry{
		Kind:       EntryTransition,
		RecordedAt: time.Now().UTC(),
		Transition: &event,
	}
	return s.append(ctx, event.WorkflowID, event.OccurredAt, &entry)
}

func (s *JournalSink) RecordSummary(ctx context.Context, summary *domain.Summary) error {
	entry := JournalEntry{
		Kind:       EntrySummary,
		RecordedAt: time.Now().UTC(),
		Summary:    summary,
	}
	return s.append(ctx, summary.WorkflowID, summary.FinishedAt, &entry)
}

// Trail returns every journal entry of the workflow in occurrence order.
func (s *JournalSink) Trail(ctx context.Context, workflowID string) ([]JournalEntry, error) {
	raw, err := s.storage.ListByPrefix(ctx, domain.AuditScanPrefix(workflowID))
	if err != nil {
		return nil, fmt.Errorf("scan journal %s: %w", workflowID, err)
	}

	entries := make([]JournalEntry, 0, len(raw))
	for _, item := range raw {
		var entry JournalEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			return nil, fmt.Errorf("decode journal entry %s: %w", item.Key, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *JournalSink) append(ctx context.Context, workflowID string, occurredAt time.Time, entry *JournalEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}

	key := domain.AuditKey(workflowID, occurredAt, uuid.NewString())
	if err := s.storage.Put(ctx, key, value, 1); err != nil {
		return fmt.Errorf("append journal entry %s: %w", key, err)
	}

	s.logger.Debug("journal entry appended",
		"workflow_id", workflowID,
		"kind", entry.Kind)
	return nil
}
