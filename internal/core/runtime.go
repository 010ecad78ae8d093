// Package core assembles the control plane: storage, document stores, lease
// manager, dispatcher, worker pool, and finalizer wired per domain.Config.
// Runtime is the embedding surface; everything underneath stays behind ports.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/batonrun/baton/internal/adapters/audit"
	"github.com/batonrun/baton/internal/adapters/dispatch"
	"github.com/batonrun/baton/internal/adapters/docstore"
	"github.com/batonrun/baton/internal/adapters/engine"
	"github.com/batonrun/baton/internal/adapters/finalize"
	"github.com/batonrun/baton/internal/adapters/lease"
	"github.com/batonrun/baton/internal/adapters/readiness"
	"github.com/batonrun/baton/internal/adapters/registry"
	"github.com/batonrun/baton/internal/adapters/storage"
	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

// WorkflowStatus is the aggregated view of one workflow instance: the raw
// records plus the derived eligibility sets and the summary once finalized.
type WorkflowStatus struct {
	WorkflowID string                `json:"workflow_id"`
	Version    int                   `json:"version"`
	Records    []*domain.StateRecord `json:"records"`
	Ready      []string              `json:"ready,omitempty"`
	Stalled    []string              `json:"stalled,omitempty"`
	Finalized  bool                  `json:"finalized"`
	Summary    *domain.Summary       `json:"summary,omitempty"`
}

// Runtime is one worker process of the control plane. Several runtimes
// sharing a store (or peered over the bridge) cooperate without further
// coordination; a single runtime over the memory store is a complete
// single-process deployment.
type Runtime struct {
	cfg     *domain.Config
	logger  *slog.Logger
	metrics *domain.RuntimeMetrics

	storage    ports.StoragePort
	metas      ports.MetaStorePort
	states     ports.StateStorePort
	leases     ports.LeaseManagerPort
	skills     ports.SkillRegistryPort
	dispatcher ports.DispatcherPort
	bridge     *dispatch.Bridge
	pool       ports.EnginePort
	closer     ports.FinalizerPort
	journal    *audit.JournalSink

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRuntime opens the configured storage backend and wires every component.
// The returned runtime owns the storage handle; Stop closes it.
func NewRuntime(cfg *domain.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker_id", cfg.WorkerID)

	store, err := openStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics := domain.NewRuntimeMetrics()
	journal := audit.NewJournalSink(store, logger)
	sink := audit.Fanout{audit.NewLogSink(logger), journal}

	metas := docstore.NewMetaStore(store, logger)
	states := docstore.NewStateStore(store, sink, logger)
	leases := lease.NewManager(store, metrics, logger)
	skills := registry.NewSkillRegistry(logger)

	var bridge *dispatch.Bridge
	var transport ports.NotifyTransportPort
	if cfg.Bridge.Enabled {
		bridge = dispatch.NewBridge(cfg.Bridge, cfg.Dispatch.SendTimeout, logger)
		transport = bridge
	}
	dispatcher := dispatch.NewDispatcher(metas, states, transport, cfg.Dispatch, metrics, logger)
	pool := engine.NewPool(cfg, metas, states, leases, skills, dispatcher, metrics, logger)
	closer := finalize.NewFinalizer(metas, states, sink, metrics, logger)

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		storage:    store,
		metas:      metas,
		states:     states,
		leases:     leases,
		skills:     skills,
		dispatcher: dispatcher,
		bridge:     bridge,
		pool:       pool,
		closer:     closer,
		journal:    journal,
	}, nil
}

func openStorage(cfg *domain.Config, logger *slog.Logger) (ports.StoragePort, error) {
	switch cfg.Storage.Driver {
	case domain.StorageMemory:
		return storage.NewMemoryStorage(logger), nil
	case domain.StoragePostgres:
		return storage.OpenPostgres(context.Background(), cfg.Storage.PostgresDSN, logger)
	case domain.StorageBadger, "":
		return storage.OpenBadger(cfg.StorageDataDir(), cfg.Storage.SyncWrites, logger)
	default:
		return nil, domain.NewConfigError("storage.driver", fmt.Errorf("unknown driver %q", cfg.Storage.Driver))
	}
}

// Start brings the dispatcher up first so the pool can subscribe to it.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return domain.ErrAlreadyStarted
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	if err := r.dispatcher.Start(r.ctx); err != nil {
		r.cancel()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if err := r.pool.Start(r.ctx); err != nil {
		_ = r.dispatcher.Stop()
		r.cancel()
		return fmt.Errorf("start worker pool: %w", err)
	}

	r.running = true
	r.logger.Info("runtime started",
		"storage", r.cfg.Storage.Driver,
		"workers", r.cfg.Engine.WorkerCount,
		"bridge", r.cfg.Bridge.Enabled)
	return nil
}

// Stop drains the pool, stops the dispatcher and bridge, and closes storage.
// A stopped runtime cannot be restarted; in-flight claims are abandoned so
// another worker process takes them over.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return domain.ErrNotStarted
	}

	var combined error
	if err := r.pool.Stop(); err != nil {
		combined = errors.Join(combined, err)
	}
	if err := r.dispatcher.Stop(); err != nil {
		combined = errors.Join(combined, err)
	}
	if err := r.storage.Close(); err != nil {
		combined = errors.Join(combined, err)
	}
	r.cancel()
	r.running = false

	r.logger.Info("runtime stopped")
	return combined
}

func (r *Runtime) requireRunning() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return domain.ErrNotStarted
	}
	return nil
}

// Submit registers a plan, seeds its state records, and starts watching the
// workflow. With dispatch.kickoff_starts set the start states are hinted
// immediately; either way the poll loop picks the workflow up.
func (r *Runtime) Submit(ctx context.Context, meta *domain.WorkflowMeta) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	if meta == nil {
		return domain.NewValidationError("submit", "meta must not be nil")
	}
	if err := meta.Validate(); err != nil {
		return err
	}

	if err := r.metas.Put(ctx, meta); err != nil {
		return err
	}
	if err := r.states.Seed(ctx, meta); err != nil {
		return err
	}
	_ = r.pool.Watch(meta.WorkflowID)

	r.metrics.IncrementWorkflowsStarted()
	r.logger.Info("workflow submitted",
		"workflow_id", meta.WorkflowID,
		"version", meta.Version,
		"states", len(meta.States))

	if r.cfg.Dispatch.KickoffStarts {
		if err := r.dispatcher.Notify(ctx, meta.WorkflowID, "", domain.ReasonKickoff); err != nil {
			r.logger.Warn("kickoff hint failed",
				"workflow_id", meta.WorkflowID,
				"error", err)
		}
	}
	return nil
}

// Kickoff hints the start states of an already submitted workflow. Used when
// submission and start are decoupled (dispatch.kickoff_starts false).
func (r *Runtime) Kickoff(ctx context.Context, workflowID string) error {
	if err := r.requireRunning(); err != nil {
		return err
	}
	_ = r.pool.Watch(workflowID)
	return r.dispatcher.Notify(ctx, workflowID, "", domain.ReasonKickoff)
}

// Retry re-hints a failed state so a worker re-runs it. Only failed records
// qualify; a finalized workflow refuses with ErrAlreadyFinalized.
func (r *Runtime) Retry(ctx context.Context, workflowID, state string) error {
	if err := r.requireRunning(); err != nil {
		return err
	}

	if _, ok, err := r.states.GetSummary(ctx, workflowID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("retry %s/%s: %w", workflowID, state, domain.ErrAlreadyFinalized)
	}

	meta, err := r.metas.Get(ctx, workflowID)
	if err != nil {
		return err
	}
	if !meta.HasState(state) {
		return fmt.Errorf("retry %s/%s: %w", workflowID, state, domain.ErrStateNotFound)
	}

	record, err := r.states.Get(ctx, workflowID, state)
	if err != nil {
		return err
	}
	if record.Status != domain.StatusFailed {
		return domain.NewValidationError("retry",
			fmt.Sprintf("state %s is %s, only failed states can be retried", state, record.Status))
	}

	_ = r.pool.Watch(workflowID)
	r.logger.Info("retry requested", "workflow_id", workflowID, "state", state)
	return r.dispatcher.Notify(ctx, workflowID, state, domain.ReasonRetry)
}

// Status aggregates the current records with the derived ready and stalled
// sets, plus the summary once the workflow is finalized.
func (r *Runtime) Status(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	meta, err := r.metas.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	records, err := r.states.List(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	index := readiness.IndexRecords(records)
	status := &WorkflowStatus{
		WorkflowID: workflowID,
		Version:    meta.Version,
		Records:    records,
		Ready:      readiness.ReadyStates(meta, index),
		Stalled:    readiness.Stalled(meta, index),
	}

	if summary, ok, err := r.states.GetSummary(ctx, workflowID); err != nil {
		return nil, err
	} else if ok {
		status.Finalized = true
		status.Summary = summary
	}
	return status, nil
}

func (r *Runtime) ListWorkflows(ctx context.Context) ([]string, error) {
	return r.metas.List(ctx)
}

// Finalize delegates to the finalizer; see ports.FinalizerPort.
func (r *Runtime) Finalize(ctx context.Context, workflowID string, closeOpen bool) (*domain.Summary, error) {
	return r.closer.Finalize(ctx, workflowID, closeOpen)
}

// Trail returns the workflow's audit journal in occurrence order.
func (r *Runtime) Trail(ctx context.Context, workflowID string) ([]audit.JournalEntry, error) {
	return r.journal.Trail(ctx, workflowID)
}

func (r *Runtime) RegisterSkill(provider ports.SkillProvider) error {
	return r.skills.Register(provider)
}

func (r *Runtime) UnregisterSkill(skill string) error {
	return r.skills.Unregister(skill)
}

func (r *Runtime) Skills() []ports.SkillProvider {
	return r.skills.List()
}

// Watch adds a workflow to this process's poll set, for workers that join a
// run they did not submit.
func (r *Runtime) Watch(workflowID string) error {
	return r.pool.Watch(workflowID)
}

func (r *Runtime) Unwatch(workflowID string) {
	r.pool.Unwatch(workflowID)
}

// Bridge exposes the websocket transport when one is configured, so a server
// can mount its handler next to its own routes.
func (r *Runtime) Bridge() (*dispatch.Bridge, bool) {
	return r.bridge, r.bridge != nil
}

func (r *Runtime) Config() *domain.Config {
	return r.cfg
}

func (r *Runtime) GetMetrics() domain.RuntimeMetrics {
	return r.metrics.GetSnapshot()
}

// WatchWorkflow streams a fresh status snapshot after every write to the
// workflow's state records. Slow consumers lose intermediate snapshots, not
// the subscription.
func (r *Runtime) WatchWorkflow(workflowID string) (<-chan WorkflowStatus, func(), error) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil, nil, domain.ErrNotStarted
	}
	ctx := r.ctx
	r.mu.Unlock()

	events, unsubscribe, err := r.storage.Subscribe(domain.StateScanPrefix(workflowID))
	if err != nil {
		return nil, nil, err
	}

	updates := make(chan WorkflowStatus, 10)
	go func() {
		defer close(updates)
		for range events {
			status, err := r.Status(ctx, workflowID)
			if err != nil {
				r.logger.Debug("status snapshot failed",
					"workflow_id", workflowID,
					"error", err)
				continue
			}
			select {
			case updates <- *status:
			default:
				// Full buffer: evict the oldest snapshot so the newest
				// always lands. This goroutine is the sole sender, so
				// after the eviction the send cannot block.
				select {
				case <-updates:
				default:
				}
				updates <- *status
			}
		}
	}()
	return updates, unsubscribe, nil
}
