// Package docstore persists the three document kinds of the control plane:
// immutable workflow plans, per-state coordination records, and cached
// closing summaries. It owns no policy beyond what the documents themselves
// require; leasing and readiness live in their own adapters and come back
// through here only as the token fence on Update.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
	json "github.com/batonrun/baton/internal/xjson"
)

// MetaStore implements ports.MetaStorePort.
type MetaStore struct {
	storage ports.StoragePort
	logger  *slog.Logger
}

func NewMetaStore(storage ports.StoragePort, logger *slog.Logger) *MetaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetaStore{
		storage: storage,
		logger:  logger.With("component", "meta-store"),
	}
}

// Put writes the plan document for a new workflow instance. The write is
// create-only: an id that already carries a plan fails with
// ErrWorkflowExists, and reruns are expected to mint a fresh id.
func (s *MetaStore) Put(ctx context.Context, meta *domain.WorkflowMeta) error {
	if err := meta.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta %s: %w", meta.WorkflowID, err)
	}

	if err := s.storage.Put(ctx, domain.MetaKey(meta.WorkflowID), value, 1); err != nil {
		if domain.IsWriteConflict(err) {
			return fmt.Errorf("meta %s: %w", meta.WorkflowID, domain.ErrWorkflowExists)
		}
		return err
	}

	s.logger.Info("workflow plan stored",
		"workflow_id", meta.WorkflowID,
		"states", len(meta.States),
		"start_states", len(meta.StartStates),
		"terminal_states", len(meta.TerminalStates))
	return nil
}

func (s *MetaStore) Get(ctx context.Context, workflowID string) (*domain.WorkflowMeta, error) {
	value, _, exists, err := s.storage.Get(ctx, domain.MetaKey(workflowID))
	if err != nil {
		return nil, fmt.Errorf("read meta %s: %w", workflowID, err)
	}
	if !exists {
		return nil, fmt.Errorf("meta %s: %w", workflowID, domain.ErrWorkflowNotFound)
	}

	var meta domain.WorkflowMeta
	if err := json.Unmarshal(value, &meta); err != nil {
		return nil, fmt.Errorf("decode meta %s: %w", workflowID, err)
	}
	return &meta, nil
}

// List returns every registered workflow id in key order.
func (s *MetaStore) List(ctx context.Context) ([]string, error) {
	entries, err := s.storage.ListByPrefix(ctx, domain.MetaPrefix)
	if err != nil {
		return nil, fmt.Errorf("list workflow plans: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, strings.TrimPrefix(entry.Key, domain.MetaPrefix))
	}
	return ids, nil
}
