// Package lease implements exclusive state execution leases on top of the
// versioned document store. A lease is not a separate record: it lives inside
// the state document, so acquiring, renewing, and releasing are all
// compare-and-swap writes against the same version counter that status
// updates use. Expiry is lazy. Nothing sweeps lapsed leases; they are
// detected and replaced at the next acquire.
package lease

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

// Manager implements ports.LeaseManagerPort against a StoragePort.
type Manager struct {
	storage ports.StoragePort
	metrics *domain.RuntimeMetrics
	logger  *slog.Logger
}

func NewManager(storage ports.StoragePort, metrics *domain.RuntimeMetrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage: storage,
		metrics: metrics,
		logger:  logger.With("component", "lease-manager"),
	}
}

// Acquire takes the lease on workflowID/state for owner. The state must not
// be done or cancelled and must carry no live lease; a failed record stays
// leasable, which is how a retry re-runs it with a fresh attempt. In a
// single CAS write the record moves to running, attempts is incremented,
// started_at is stamped, and a fresh token is installed. Losing the write
// race is reported as ErrLeaseHeld, same as finding a live lease.
func (m *Manager) Acquire(ctx context.Context, workflowID, state, owner string, ttl time.Duration) (*domain.Lease, error) {
	if owner == "" {
		return nil, domain.NewValidationError("lease", "owner must not be empty")
	}
	if ttl < time.Second {
		return nil, domain.NewValidationError("lease", "ttl must be at least one second")
	}

	record, version, err := m.readRecord(ctx, workflowID, state)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if record.Status == domain.StatusDone || record.Status == domain.StatusCancelled {
		return nil, fmt.Errorf("acquire %s/%s: status %s: %w", workflowID, state, record.Status, domain.ErrNotLeasable)
	}
	if record.Lease != nil && !record.Lease.Expired(now) {
		return nil, fmt.Errorf("acquire %s/%s: held by %s: %w", workflowID, state, record.Lease.Owner, domain.ErrLeaseHeld)
	}

	takeover := record.Lease != nil
	if takeover {
		m.logger.Info("taking over expired lease",
			"workflow_id", workflowID,
			"state", state,
			"previous_owner", record.Lease.Owner,
			"new_owner", owner)
	}

	record.Status = domain.StatusRunning
	record.Attempts++
	record.StartedAt = &now
	record.FinishedAt = nil
	record.Lease = &domain.Lease{
		Token:      uuid.NewString(),
		Owner:      owner,
		AcquiredAt: now,
		TTLSeconds: int(ttl.Seconds()),
	}

	if err := m.writeRecord(ctx, workflowID, state, record, version+1); err != nil {
		if domain.IsWriteConflict(err) {
			return nil, fmt.Errorf("acquire %s/%s: lost write race: %w", workflowID, state, domain.ErrLeaseHeld)
		}
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.IncrementLeasesAcquired()
		if takeover {
			m.metrics.IncrementLeasesTakenOver()
		}
	}

	m.logger.Debug("lease acquired",
		"workflow_id", workflowID,
		"state", state,
		"owner", owner,
		"attempt", record.Attempts,
		"ttl_seconds", record.Lease.TTLSeconds)

	leased := *record.Lease
	return &leased, nil
}

// Renew slides the expiry window forward for the holder of token. A lapsed
// lease cannot be revived; the holder gets ErrLeaseExpired and must either
// finish on borrowed time or abandon. A token that no longer matches the
// record gets ErrLeaseNotOwned.
func (m *Manager) Renew(ctx context.Context, workflowID, state, token string, ttl time.Duration) (*domain.Lease, error) {
	if ttl < time.Second {
		return nil, domain.NewValidationError("lease", "ttl must be at least one second")
	}

	record, version, err := m.readRecord(ctx, workflowID, state)
	if err != nil {
		return nil, err
	}
	if !record.HeldBy(token) {
		return nil, fmt.Errorf("renew %s/%s: %w", workflowID, state, domain.ErrLeaseNotOwned)
	}

	now := time.Now().UTC()
	if record.Lease.Expired(now) {
		return nil, fmt.Errorf("renew %s/%s: %w", workflowID, state, domain.ErrLeaseExpired)
	}

	record.Lease.AcquiredAt = now
	record.Lease.TTLSeconds = int(ttl.Seconds())

	if err := m.writeRecord(ctx, workflowID, state, record, version+1); err != nil {
		if domain.IsWriteConflict(err) {
			return nil, fmt.Errorf("renew %s/%s: lost write race: %w", workflowID, state, domain.ErrLeaseNotOwned)
		}
		return nil, err
	}

	renewed := *record.Lease
	return &renewed, nil
}

// Release clears the lease for the holder of token. Status is left exactly
// as the last update set it; a release without a prior status update leaves
// the record running and unleased, which the next acquire treats the same
// as an expired lease.
func (m *Manager) Release(ctx context.Context, workflowID, state, token string) error {
	record, version, err := m.readRecord(ctx, workflowID, state)
	if err != nil {
		return err
	}
	if !record.HeldBy(token) {
		return fmt.Errorf("release %s/%s: %w", workflowID, state, domain.ErrLeaseNotOwned)
	}

	record.Lease = nil

	if err := m.writeRecord(ctx, workflowID, state, record, version+1); err != nil {
		if domain.IsWriteConflict(err) {
			return fmt.Errorf("release %s/%s: lost write race: %w", workflowID, state, domain.ErrLeaseNotOwned)
		}
		return err
	}

	m.logger.Debug("lease released", "workflow_id", workflowID, "state", state)
	return nil
}

// Get returns the current lease on workflowID/state, expired or not. The
// second return is false when no lease is installed.
func (m *Manager) Get(ctx context.Context, workflowID, state string) (*domain.Lease, bool, error) {
	record, _, err := m.readRecord(ctx, workflowID, state)
	if err != nil {
		return nil, false, err
	}
	if record.Lease == nil {
		return nil, false, nil
	}
	lease := *record.Lease
	return &lease, true, nil
}

func (m *Manager) readRecord(ctx context.Context, workflowID, state string) (*domain.StateRecord, int64, error) {
	key := domain.StateKey(workflowID, state)
	value, version, exists, err := m.storage.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("read state record %s: %w", key, err)
	}
	if !exists {
		return nil, 0, fmt.Errorf("read state record %s: %w", key, domain.ErrStateNotFound)
	}

	var record domain.StateRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, 0, fmt.Errorf("decode state record %s: %w", key, err)
	}
	return &record, version, nil
}

func (m *Manager) writeRecord(ctx context.Context, workflowID, state string, record *domain.StateRecord, version int64) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	return m.storage.Put(ctx, domain.StateKey(workflowID, state), value, version)
}
