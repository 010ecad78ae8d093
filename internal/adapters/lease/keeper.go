package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

// Keeper renews one lease in the background while its holder works. It does
// not release: the holder releases after its final status update. When a
// renewal comes back expired or not-owned the keeper closes Lost and stops,
// telling the holder to abandon any further writes.
type Keeper struct {
	manager  ports.LeaseManagerPort
	logger   *slog.Logger
	metrics  *domain.RuntimeMetrics
	interval time.Duration

	workflowID string
	state      string
	token      string
	ttl        time.Duration

	lost     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewKeeper prepares a renewal loop for the lease identified by token.
// interval should be well under ttl; metrics may be nil.
func NewKeeper(manager ports.LeaseManagerPort, logger *slog.Logger, metrics *domain.RuntimeMetrics, workflowID, state, token string, ttl, interval time.Duration) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		manager:    manager,
		logger:     logger.With("component", "lease-keeper", "workflow_id", workflowID, "state", state),
		metrics:    metrics,
		interval:   interval,
		workflowID: workflowID,
		state:      state,
		token:      token,
		ttl:        ttl,
		lost:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (k *Keeper) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	go k.run(ctx)
}

// Stop ends the renewal loop and waits for it to exit. Safe to call more
// than once and after the lease was already lost.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() {
		if k.cancel != nil {
			k.cancel()
		}
	})
	<-k.done
}

// Lost is closed when a renewal observed the lease expired or replaced.
func (k *Keeper) Lost() <-chan struct{} {
	return k.lost
}

func (k *Keeper) run(ctx context.Context) {
	defer close(k.done)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.manager.Renew(ctx, k.workflowID, k.state, k.token, k.ttl); err != nil {
				if domain.IsLeaseExpired(err) || domain.IsLeaseNotOwned(err) {
					k.logger.Warn("lease lost during renewal", "error", err)
					if k.metrics != nil {
						k.metrics.IncrementLeasesLost()
					}
					close(k.lost)
					return
				}
				if ctx.Err() != nil {
					return
				}
				k.logger.Warn("lease renewal failed, retrying next tick", "error", err)
				continue
			}
			if k.metrics != nil {
				k.metrics.IncrementLeasesRenewed()
			}
		}
	}
}
