package ports

import (
	"context"

	"github.com/batonrun/baton/internal/domain"
)

// MetaStorePort persists the immutable plan documents. Put refuses to
// overwrite: a workflow id is bound to one plan forever, and reruns get a
// fresh id.
type MetaStorePort interface {
	Put(ctx context.Context, meta *domain.WorkflowMeta) error
	Get(ctx context.Context, workflowID string) (*domain.WorkflowMeta, error)
	List(ctx context.Context) ([]string, error)
}

// StateUpdate carries the caller-visible fields of a lease-fenced write.
// Zero-value strings leave the stored field untouched so a retry can update
// status without erasing an earlier error. IncrementAttempts marks a
// re-execution under the same lease, which is how substitutions keep the
// attempt count honest.
type StateUpdate struct {
	Status            domain.Status
	OutputRef         string
	LastError         string
	IncrementAttempts bool
}

// StateStorePort owns the per-state coordination records and the cached
// closing summary. Every write is a compare-and-swap on the record version;
// Update additionally fences on the lease token and fails with
// ErrLeaseConflict when the token no longer matches.
type StateStorePort interface {
	Seed(ctx context.Context, meta *domain.WorkflowMeta) error
	Get(ctx context.Context, workflowID, state string) (*domain.StateRecord, error)
	List(ctx context.Context, workflowID string) ([]*domain.StateRecord, error)

	Update(ctx context.Context, workflowID, state, leaseToken string, update StateUpdate) (*domain.StateRecord, error)

	// CancelOpen force-cancels every pending or running record of the
	// workflow, dropping any lease. Only the finalizer calls it.
	CancelOpen(ctx context.Context, workflowID string) ([]*domain.StateRecord, error)

	PutSummary(ctx context.Context, summary *domain.Summary) (*domain.Summary, error)
	GetSummary(ctx context.Context, workflowID string) (*domain.Summary, bool, error)
}
