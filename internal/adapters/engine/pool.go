// Package engine runs the worker pool that turns notification hints and
// poll ticks into lease-guarded skill executions. Hints are an
// acceleration, never a dependency: the poll loop re-derives readiness
// from the document store, so a pool that misses every notification still
// drains its workflows.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

// Pool implements ports.EnginePort. One dispatcher subscription is shared
// across WorkerCount workers, so each hint wakes exactly one of them; every
// worker additionally polls the watched workflows on PollInterval.
type Pool struct {
	cfg      domain.EngineConfig
	leaseCfg domain.LeaseConfig
	workerID string

	metas      ports.MetaStorePort
	states     ports.StateStorePort
	leases     ports.LeaseManagerPort
	registry   ports.SkillRegistryPort
	dispatcher ports.DispatcherPort
	metrics    *domain.RuntimeMetrics
	logger     *slog.Logger

	mu      sync.RWMutex
	watched map[string]struct{}
	running bool

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	notifications <-chan domain.Notification
	unsubscribe   func()
}

func NewPool(cfg *domain.Config, metas ports.MetaStorePort, states ports.StateStorePort, leases ports.LeaseManagerPort, registry ports.SkillRegistryPort, dispatcher ports.DispatcherPort, metrics *domain.RuntimeMetrics, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = domain.NewRuntimeMetrics()
	}
	return &Pool{
		cfg:        cfg.Engine,
		leaseCfg:   cfg.Lease,
		workerID:   cfg.WorkerID,
		metas:      metas,
		states:     states,
		leases:     leases,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger.With("component", "engine"),
		watched:    make(map[string]struct{}),
	}
}

// Start subscribes to the dispatcher and launches the workers. The
// dispatcher must already be running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return domain.ErrAlreadyStarted
	}

	notifications, unsubscribe, err := p.dispatcher.Subscribe(p.cfg.Assignee)
	if err != nil {
		return fmt.Errorf("subscribe to dispatcher: %w", err)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.notifications = notifications
	p.unsubscribe = unsubscribe
	p.running = true

	for i := 0; i < p.cfg.WorkerCount; i++ {
		worker := &Worker{pool: p, id: fmt.Sprintf("%s/%d", p.workerID, i)}
		p.wg.Add(1)
		go p.run(worker)
	}

	p.logger.Info("worker pool started",
		"workers", p.cfg.WorkerCount,
		"assignee", p.cfg.Assignee,
		"poll_interval", p.cfg.PollInterval)
	return nil
}

// Stop cancels the workers and waits for in-flight executions to wind
// down. Claims interrupted mid-skill are released so another pool can take
// them over immediately instead of waiting out the TTL.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return domain.ErrNotStarted
	}
	p.running = false
	cancel := p.cancel
	unsubscribe := p.unsubscribe
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	unsubscribe()

	p.logger.Info("worker pool stopped")
	return nil
}

// Watch adds a workflow to the poll set. Hints register their workflow
// automatically; Watch exists for workflows submitted elsewhere that this
// pool should drain even if every hint for them is lost.
func (p *Pool) Watch(workflowID string) error {
	if workflowID == "" {
		return domain.NewValidationError("watch", "workflow id must not be empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched[workflowID] = struct{}{}
	return nil
}

func (p *Pool) Unwatch(workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, workflowID)
}

func (p *Pool) GetMetrics() domain.RuntimeMetrics {
	return p.metrics.GetSnapshot()
}

func (p *Pool) run(worker *Worker) {
	defer p.wg.Done()
	log := p.logger.With("worker", worker.id)
	log.Debug("worker started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			log.Debug("worker stopped")
			return
		case n, ok := <-p.notifications:
			if !ok {
				log.Debug("notification channel closed")
				return
			}
			worker.handleNotification(p.ctx, n)
		case <-ticker.C:
			worker.pollWatched(p.ctx)
		}
	}
}

func (p *Pool) watchedIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.watched))
	for id := range p.watched {
		ids = append(ids, id)
	}
	return ids
}
