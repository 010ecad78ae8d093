package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/batonrun/baton/internal/adapters/lease"
	"github.com/batonrun/baton/internal/adapters/readiness"
	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

// Worker is one claim-and-execute loop inside a Pool. It owns nothing
// between claims: every decision starts from a fresh read of the plan and
// the state records, so two workers chasing the same hint simply race for
// the lease and the loser walks away.
type Worker struct {
	pool *Pool
	id   string
}

func (w *Worker) handleNotification(ctx context.Context, n domain.Notification) {
	log := w.pool.logger.With("worker", w.id, "workflow_id", n.WorkflowID, "state", n.State, "reason", n.Reason)

	if n.Reason == domain.ReasonNeedsAttention {
		log.Debug("needs-attention hint noted, not retrying")
		return
	}

	_ = w.pool.Watch(n.WorkflowID)

	ran, err := w.runState(ctx, n.WorkflowID, n.State, n.Reason == domain.ReasonRetry)
	if err != nil {
		log.Warn("hint processing failed", "error", err)
		return
	}
	if !ran {
		log.Debug("hint produced no work")
	}
}

func (w *Worker) pollWatched(ctx context.Context) {
	for _, workflowID := range w.pool.watchedIDs() {
		if ctx.Err() != nil {
			return
		}
		w.sweep(ctx, workflowID)
	}
}

// sweep keeps claiming ready states of one workflow until nothing is left
// to claim. Each completion can flip downstream readiness, so the records
// are re-read between executions.
func (w *Worker) sweep(ctx context.Context, workflowID string) {
	for {
		ran, err := w.runNextReady(ctx, workflowID)
		if err != nil {
			w.pool.logger.Warn("sweep aborted", "worker", w.id, "workflow_id", workflowID, "error", err)
			return
		}
		if !ran {
			return
		}
	}
}

func (w *Worker) runNextReady(ctx context.Context, workflowID string) (bool, error) {
	meta, records, err := w.load(ctx, workflowID)
	if err != nil {
		if domain.IsWorkflowNotFound(err) {
			w.pool.Unwatch(workflowID)
			return false, nil
		}
		return false, err
	}

	for _, state := range readiness.ReadyStates(meta, records) {
		ran, err := w.attempt(ctx, meta, records, state)
		if err != nil {
			return false, err
		}
		if ran {
			return true, nil
		}
	}
	return false, nil
}

// runState targets the single state a hint named. Readiness is re-verified
// against the store; a retry hint additionally admits a failed record whose
// inputs are still complete.
func (w *Worker) runState(ctx context.Context, workflowID, state string, allowRetry bool) (bool, error) {
	meta, records, err := w.load(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if !meta.HasState(state) {
		return false, fmt.Errorf("state %s/%s: %w", workflowID, state, domain.ErrStateNotFound)
	}

	eligible := readiness.IsReady(meta, state, records)
	if !eligible && allowRetry {
		record := records[state]
		eligible = record != nil && record.Status == domain.StatusFailed && readiness.UpstreamDone(meta, state, records)
	}
	if !eligible {
		return false, nil
	}

	return w.attempt(ctx, meta, records, state)
}

func (w *Worker) load(ctx context.Context, workflowID string) (*domain.WorkflowMeta, map[string]*domain.StateRecord, error) {
	meta, err := w.pool.metas.Get(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	records, err := w.pool.states.List(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return meta, readiness.IndexRecords(records), nil
}

// attempt races for the lease on one state. false with a nil error means
// someone else holds it or it stopped being claimable, the normal outcome
// of redundant hints.
func (w *Worker) attempt(ctx context.Context, meta *domain.WorkflowMeta, records map[string]*domain.StateRecord, state string) (bool, error) {
	pool := w.pool
	log := pool.logger.With("worker", w.id, "workflow_id", meta.WorkflowID, "state", state)

	claim, err := pool.leases.Acquire(ctx, meta.WorkflowID, state, w.id, pool.leaseCfg.TTL)
	if err != nil {
		if domain.IsLeaseHeld(err) || domain.IsNotLeasable(err) {
			log.Debug("state not claimable", "error", err)
			return false, nil
		}
		return false, err
	}

	log.Debug("state claimed", "owner", claim.Owner)
	w.execute(ctx, meta, records, state, claim)
	return true, nil
}

// execute drives a claimed state to an outcome: renewal keeper in the
// background, skill resolution, bounded substitution through the
// capability's providers, then the fenced outcome write.
func (w *Worker) execute(ctx context.Context, meta *domain.WorkflowMeta, records map[string]*domain.StateRecord, state string, claim *domain.Lease) {
	pool := w.pool
	workflowID := meta.WorkflowID
	log := pool.logger.With("worker", w.id, "workflow_id", workflowID, "state", state)

	keeper := lease.NewKeeper(pool.leases, pool.logger, pool.metrics,
		workflowID, state, claim.Token, pool.leaseCfg.TTL, pool.leaseCfg.EffectiveRenewInterval())
	keeper.Start(ctx)
	defer keeper.Stop()

	// A lost lease interrupts the running skill; the takeover owner is
	// already executing its own attempt.
	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	go func() {
		select {
		case <-keeper.Lost():
			cancelExec()
		case <-execCtx.Done():
		}
	}()

	record, err := pool.states.Get(ctx, workflowID, state)
	if err != nil {
		log.Warn("read back claimed record", "error", err)
		w.abandon(keeper, workflowID, state, claim.Token)
		return
	}
	attempt := record.Attempts

	capability := meta.Capability(state)
	providers, err := pool.registry.Resolve(capability)
	if err != nil {
		log.Warn("no provider for capability", "capability", capability)
		failed := w.conclude(ctx, keeper, workflowID, state, claim.Token, ports.StateUpdate{
			Status:    domain.StatusFailed,
			LastError: fmt.Sprintf("no provider for capability %q", capability),
		}, domain.ReasonNeedsAttention)
		if failed {
			pool.metrics.IncrementStatesFailed()
		}
		return
	}

	inputs := inputRefs(meta, state, records)
	var lastErr error

	for i, provider := range providers {
		if i > pool.cfg.MaxSubstitutions {
			break
		}

		invocation := ports.Invocation{
			WorkflowID: workflowID,
			State:      state,
			Capability: capability,
			Skill:      provider.Skill,
			Attempt:    attempt,
			InputRefs:  inputs,
		}

		result, err := w.invoke(execCtx, provider, invocation)
		if err == nil {
			pool.metrics.IncrementSkillsSucceeded()
			update := ports.StateUpdate{Status: domain.StatusDone}
			if result != nil {
				update.OutputRef = result.OutputRef
			}
			if w.conclude(ctx, keeper, workflowID, state, claim.Token, update, domain.ReasonUpstreamDone) {
				pool.metrics.IncrementStatesCompleted()
				log.Info("state completed", "skill", provider.Skill, "attempt", attempt)
			}
			return
		}

		pool.metrics.IncrementSkillsFailed()
		lastErr = err
		log.Warn("skill execution failed", "skill", provider.Skill, "attempt", attempt, "error", err)

		select {
		case <-keeper.Lost():
			log.Warn("lease taken over mid-execution, abandoning")
			return
		default:
		}
		if ctx.Err() != nil {
			w.abandon(keeper, workflowID, state, claim.Token)
			return
		}
		if domain.IsPermanentSkillError(err) {
			break
		}
		if i == len(providers)-1 || i == pool.cfg.MaxSubstitutions {
			break
		}

		// Record the failed execution before handing the state to the next
		// provider; the bump keeps attempts equal to executions started.
		if _, uerr := pool.states.Update(ctx, workflowID, state, claim.Token, ports.StateUpdate{
			LastError:         err.Error(),
			IncrementAttempts: true,
		}); uerr != nil {
			if domain.IsLeaseConflict(uerr) {
				log.Warn("lease taken over during substitution, abandoning")
				return
			}
			log.Warn("record substitution failure", "error", uerr)
		}
		attempt++
		pool.metrics.IncrementSkillsSubstituted()
		log.Info("substituting provider", "failed_skill", provider.Skill, "attempt", attempt)

		if pool.cfg.RetryBackoff > 0 {
			select {
			case <-execCtx.Done():
				w.abandon(keeper, workflowID, state, claim.Token)
				return
			case <-time.After(pool.cfg.RetryBackoff):
			}
		}
	}

	update := ports.StateUpdate{Status: domain.StatusFailed}
	if lastErr != nil {
		update.LastError = lastErr.Error()
	}
	if w.conclude(ctx, keeper, workflowID, state, claim.Token, update, domain.ReasonNeedsAttention) {
		pool.metrics.IncrementStatesFailed()
		log.Info("state failed", "attempts", attempt, "error", update.LastError)
	}
}

// invoke runs one skill execution with panic containment and the configured
// timeout. A panicking executor comes back as an error so the substitution
// loop can move on to the next provider.
func (w *Worker) invoke(ctx context.Context, provider ports.SkillProvider, invocation ports.Invocation) (result *ports.InvocationResult, err error) {
	pool := w.pool

	if pool.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pool.cfg.ExecutionTimeout)
		defer cancel()
	}

	started := time.Now()
	pool.metrics.IncrementSkillsExecuted()

	defer func() {
		pool.metrics.AddExecutionTime(time.Since(started))
		if r := recover(); r != nil {
			panicErr := domain.NewPanicError(invocation.WorkflowID, invocation.State, invocation.Skill, r)
			pool.logger.Error("skill execution panicked",
				"worker", w.id,
				"workflow_id", invocation.WorkflowID,
				"state", invocation.State,
				"skill", invocation.Skill,
				"panic_value", r,
				"stack_trace", panicErr.StackTrace)
			result = nil
			err = panicErr
		}
	}()

	return provider.Executor.Execute(ctx, invocation)
}

// conclude writes the outcome, releases the claim, and emits the follow-up
// hint. A token conflict on the write means the lease was taken over and
// this worker's outcome is void; the takeover owner produces its own.
func (w *Worker) conclude(ctx context.Context, keeper *lease.Keeper, workflowID, state, token string, update ports.StateUpdate, reason domain.NotificationReason) bool {
	pool := w.pool
	log := pool.logger.With("worker", w.id, "workflow_id", workflowID, "state", state)

	keeper.Stop()

	if _, err := pool.states.Update(ctx, workflowID, state, token, update); err != nil {
		if domain.IsLeaseConflict(err) {
			log.Warn("lease taken over before outcome write, abandoning")
			return false
		}
		log.Error("write state outcome", "status", update.Status, "error", err)
		return false
	}

	if err := pool.leases.Release(ctx, workflowID, state, token); err != nil && !domain.IsLeaseNotOwned(err) {
		log.Warn("release after outcome", "error", err)
	}

	if err := pool.dispatcher.Notify(ctx, workflowID, state, reason); err != nil {
		log.Warn("notify after outcome", "reason", reason, "error", err)
	}
	return true
}

// abandon walks away without writing a status: the record stays running,
// the lease is dropped, and whoever claims next gets a fresh attempt. Used
// on shutdown and on local errors that say nothing about the skill itself.
func (w *Worker) abandon(keeper *lease.Keeper, workflowID, state, token string) {
	keeper.Stop()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.pool.leases.Release(releaseCtx, workflowID, state, token); err != nil && !domain.IsLeaseNotOwned(err) {
		w.pool.logger.Warn("release abandoned claim",
			"worker", w.id, "workflow_id", workflowID, "state", state, "error", err)
	}
}

func inputRefs(meta *domain.WorkflowMeta, state string, records map[string]*domain.StateRecord) map[string]string {
	var refs map[string]string
	for _, up := range meta.Upstream(state) {
		record, ok := records[up]
		if !ok || record.OutputRef == "" {
			continue
		}
		if refs == nil {
			refs = make(map[string]string)
		}
		refs[up] = record.OutputRef
	}
	return refs
}
