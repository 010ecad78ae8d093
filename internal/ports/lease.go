package ports

import (
	"context"
	"time"

	"github.com/batonrun/baton/internal/domain"
)

// LeaseManagerPort grants exclusive execution of one state to one worker at
// a time. The lease lives inside the state record, so every operation here
// is a compare-and-swap on the same document the status transitions use.
type LeaseManagerPort interface {
	// Acquire takes the lease when the state is pending and unleased, or
	// when the current lease has expired. In one atomic write it sets
	// status running, increments attempts, stamps started_at, and installs
	// a fresh token. A live lease yields ErrLeaseHeld.
	Acquire(ctx context.Context, workflowID, state, owner string, ttl time.Duration) (*domain.Lease, error)

	// Renew slides the expiry window forward for the holder of token.
	// A lapsed lease cannot be revived: ErrLeaseExpired tells the worker
	// to finish on borrowed time or abandon. A replaced or cleared token
	// yields ErrLeaseNotOwned.
	Renew(ctx context.Context, workflowID, state, token string, ttl time.Duration) (*domain.Lease, error)

	// Release clears the lease for the holder of token, leaving status
	// exactly as the last update set it.
	Release(ctx context.Context, workflowID, state, token string) error

	Get(ctx context.Context, workflowID, state string) (*domain.Lease, bool, error)
}
