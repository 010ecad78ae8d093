package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
	json "github.com/batonrun/baton/internal/xjson"
)

// updateRetries bounds the re-read loop inside Update. Version conflicts
// under a matching token come from the holder's own renewal keeper racing
// the write, so a handful of retries always settles it.
const updateRetries = 5

// StateStore implements ports.StateStorePort. When an audit sink is
// configured every status change that goes through Update or CancelOpen is
// recorded there after the write commits; sinks see at-least-once delivery.
type StateStore struct {
	storage ports.StoragePort
	audit   ports.AuditSinkPort
	logger  *slog.Logger
}

func NewStateStore(storage ports.StoragePort, audit ports.AuditSinkPort, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		storage: storage,
		audit:   audit,
		logger:  logger.With("component", "state-store"),
	}
}

// Seed writes one pending record per plan state in a single atomic batch.
// All writes are create-only; hitting an existing record fails the whole
// batch with ErrWorkflowExists.
func (s *StateStore) Seed(ctx context.Context, meta *domain.WorkflowMeta) error {
	ops := make([]ports.WriteOp, 0, len(meta.States))
	for _, state := range meta.States {
		value, err := json.Marshal(domain.NewStateRecord(meta.WorkflowID, state))
		if err != nil {
			return fmt.Errorf("encode state record %s/%s: %w", meta.WorkflowID, state, err)
		}
		ops = append(ops, ports.WriteOp{
			Type:    ports.OpPut,
			Key:     domain.StateKey(meta.WorkflowID, state),
			Value:   value,
			Version: 1,
		})
	}

	if err := s.storage.BatchWrite(ctx, ops); err != nil {
		if domain.IsWriteConflict(err) {
			return fmt.Errorf("seed %s: %w", meta.WorkflowID, domain.ErrWorkflowExists)
		}
		return fmt.Errorf("seed %s: %w", meta.WorkflowID, err)
	}

	s.logger.Info("state records seeded", "workflow_id", meta.WorkflowID, "states", len(meta.States))
	return nil
}

func (s *StateStore) Get(ctx context.Context, workflowID, state string) (*domain.StateRecord, error) {
	record, _, err := s.read(ctx, workflowID, state)
	return record, err
}

// List returns every state record of the workflow in key order. A workflow
// that was never seeded comes back empty, not as an error; callers that
// need existence semantics check the plan first.
func (s *StateStore) List(ctx context.Context, workflowID string) ([]*domain.StateRecord, error) {
	entries, err := s.storage.ListByPrefix(ctx, domain.StateScanPrefix(workflowID))
	if err != nil {
		return nil, fmt.Errorf("list states %s: %w", workflowID, err)
	}

	records := make([]*domain.StateRecord, 0, len(entries))
	for _, entry := range entries {
		var record domain.StateRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			return nil, fmt.Errorf("decode state record %s: %w", entry.Key, err)
		}
		records = append(records, &record)
	}
	return records, nil
}

// Update applies a lease-fenced mutation. The token must match the record's
// current lease or the write fails with ErrLeaseConflict; a token from a
// lapsed but not yet replaced lease still matches, so a slow worker keeps
// its right to write until someone actually takes over. Zero-value fields
// of update leave the stored field untouched.
func (s *StateStore) Update(ctx context.Context, workflowID, state, leaseToken string, update ports.StateUpdate) (*domain.StateRecord, error) {
	if update.Status != "" && !update.Status.Valid() {
		return nil, domain.NewValidationError("state update", fmt.Sprintf("invalid status: %s", update.Status))
	}

	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		record, version, err := s.read(ctx, workflowID, state)
		if err != nil {
			return nil, err
		}
		if !record.HeldBy(leaseToken) {
			return nil, fmt.Errorf("update %s/%s: %w", workflowID, state, domain.ErrLeaseConflict)
		}

		from := record.Status
		if update.Status != "" {
			record.Status = update.Status
			if update.Status.Resolved() {
				now := time.Now().UTC()
				record.FinishedAt = &now
			}
		}
		if update.OutputRef != "" {
			record.OutputRef = update.OutputRef
		}
		if update.LastError != "" {
			record.LastError = update.LastError
		}
		if update.IncrementAttempts {
			record.Attempts++
		}

		value, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("encode state record %s/%s: %w", workflowID, state, err)
		}
		if err := s.storage.Put(ctx, domain.StateKey(workflowID, state), value, version+1); err != nil {
			if domain.IsWriteConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		if from != record.Status {
			s.recordTransition(ctx, record, from, record.Lease.Owner)
		}
		return record, nil
	}
	return nil, fmt.Errorf("update %s/%s: retries exhausted: %w", workflowID, state, lastErr)
}

// CancelOpen force-cancels every pending or running record of the workflow
// in one transaction, dropping any lease. It returns the records it
// cancelled; records already resolved are untouched.
func (s *StateStore) CancelOpen(ctx context.Context, workflowID string) ([]*domain.StateRecord, error) {
	open, err := s.List(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	type priorState struct {
		status domain.Status
		owner  string
	}

	now := time.Now().UTC()
	var cancelled []*domain.StateRecord
	prior := make(map[string]priorState)

	err = s.storage.RunInTransaction(ctx, func(tx ports.Transaction) error {
		cancelled = cancelled[:0]
		for k := range prior {
			delete(prior, k)
		}
		for _, stale := range open {
			key := domain.StateKey(workflowID, stale.State)
			value, version, exists, err := tx.Get(key)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			var record domain.StateRecord
			if err := json.Unmarshal(value, &record); err != nil {
				return fmt.Errorf("decode state record %s: %w", key, err)
			}
			if record.Status.Resolved() {
				continue
			}

			was := priorState{status: record.Status}
			if record.Lease != nil {
				was.owner = record.Lease.Owner
			}
			prior[record.State] = was

			record.Status = domain.StatusCancelled
			record.FinishedAt = &now
			record.Lease = nil

			updated, err := json.Marshal(&record)
			if err != nil {
				return fmt.Errorf("encode state record %s: %w", key, err)
			}
			if err := tx.Put(key, updated, version+1); err != nil {
				return err
			}
			cancelled = append(cancelled, &record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel open states %s: %w", workflowID, err)
	}

	for _, record := range cancelled {
		was := prior[record.State]
		s.recordTransition(ctx, record, was.status, was.owner)
	}
	if len(cancelled) > 0 {
		s.logger.Info("open states cancelled", "workflow_id", workflowID, "count", len(cancelled))
	}
	return cancelled, nil
}

// PutSummary caches the closing summary. The write is create-only; when a
// concurrent finalize already wrote one, the stored summary wins and is
// returned so every caller hands back identical content.
func (s *StateStore) PutSummary(ctx context.Context, summary *domain.Summary) (*domain.Summary, error) {
	value, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode summary %s: %w", summary.WorkflowID, err)
	}

	err = s.storage.Put(ctx, domain.SummaryKey(summary.WorkflowID), value, 1)
	if err == nil {
		return summary, nil
	}
	if !domain.IsWriteConflict(err) {
		return nil, err
	}

	stored, exists, err := s.GetSummary(ctx, summary.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("summary %s: lost create race but no summary stored", summary.WorkflowID)
	}
	return stored, nil
}

func (s *StateStore) GetSummary(ctx context.Context, workflowID string) (*domain.Summary, bool, error) {
	value, _, exists, err := s.storage.Get(ctx, domain.SummaryKey(workflowID))
	if err != nil {
		return nil, false, fmt.Errorf("read summary %s: %w", workflowID, err)
	}
	if !exists {
		return nil, false, nil
	}

	var summary domain.Summary
	if err := json.Unmarshal(value, &summary); err != nil {
		return nil, false, fmt.Errorf("decode summary %s: %w", workflowID, err)
	}
	return &summary, true, nil
}

func (s *StateStore) read(ctx context.Context, workflowID, state string) (*domain.StateRecord, int64, error) {
	key := domain.StateKey(workflowID, state)
	value, version, exists, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("read state record %s: %w", key, err)
	}
	if !exists {
		return nil, 0, fmt.Errorf("state record %s: %w", key, domain.ErrStateNotFound)
	}

	var record domain.StateRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, 0, fmt.Errorf("decode state record %s: %w", key, err)
	}
	return &record, version, nil
}

func (s *StateStore) recordTransition(ctx context.Context, record *domain.StateRecord, from domain.Status, worker string) {
	if s.audit == nil {
		return
	}
	event := domain.StateTransitionEvent{
		WorkflowID: record.WorkflowID,
		State:      record.State,
		From:       from,
		To:         record.Status,
		Attempts:   record.Attempts,
		Worker:     worker,
		OccurredAt: time.Now().UTC(),
		Error:      record.LastError,
	}
	if err := s.audit.RecordTransition(ctx, event); err != nil {
		s.logger.Warn("audit sink rejected transition",
			"workflow_id", record.WorkflowID,
			"state", record.State,
			"error", err)
	}
}
