package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonrun/baton/internal/adapters/docstore"
	"github.com/batonrun/baton/internal/adapters/storage"
	"github.com/batonrun/baton/internal/domain"
	json "github.com/batonrun/baton/internal/xjson"
)

func diamondMeta(workflowID string) *domain.WorkflowMeta {
	return &domain.WorkflowMeta{
		WorkflowID:     workflowID,
		Version:        1,
		States:         []string{"Fetch", "BranchA", "BranchB", "Join"},
		StartStates:    []string{"Fetch"},
		TerminalStates: []string{"Join"},
		Dependencies: map[string]domain.StateDeps{
			"Fetch":   {Downstream: []string{"BranchA", "BranchB"}},
			"BranchA": {Upstream: []string{"Fetch"}, Downstream: []string{"Join"}},
			"BranchB": {Upstream: []string{"Fetch"}, Downstream: []string{"Join"}},
			"Join":    {Upstream: []string{"BranchA", "BranchB"}},
		},
		Assignments: map[string]string{"BranchA": "pool-a"},
		CreatedAt:   time.Now().UTC(),
	}
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	metas      *docstore.MetaStore
	states     *docstore.StateStore
	metrics    *domain.RuntimeMetrics
	storage    *storage.MemoryStorage
}

func newDispatchFixture(t *testing.T, cfg domain.DispatchConfig) *dispatchFixture {
	t.Helper()
	store := storage.NewMemoryStorage(nil)
	t.Cleanup(func() { _ = store.Close() })

	metas := docstore.NewMetaStore(store, nil)
	states := docstore.NewStateStore(store, nil, nil)
	metrics := domain.NewRuntimeMetrics()

	d := NewDispatcher(metas, states, nil, cfg, metrics, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })

	return &dispatchFixture{dispatcher: d, metas: metas, states: states, metrics: metrics, storage: store}
}

func (f *dispatchFixture) seed(t *testing.T, meta *domain.WorkflowMeta) {
	t.Helper()
	require.NoError(t, f.metas.Put(context.Background(), meta))
	require.NoError(t, f.states.Seed(context.Background(), meta))
}

func (f *dispatchFixture) markDone(t *testing.T, workflowID, state string) {
	t.Helper()
	ctx := context.Background()
	record, err := f.states.Get(ctx, workflowID, state)
	require.NoError(t, err)

	_, version, _, err := f.storage.Get(ctx, domain.StateKey(workflowID, state))
	require.NoError(t, err)

	record.Status = domain.StatusDone
	encoded, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, f.storage.Put(ctx, domain.StateKey(workflowID, state), encoded, version+1))
}

func collect(ch <-chan domain.Notification, wait time.Duration) []domain.Notification {
	var out []domain.Notification
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case n := <-ch:
			out = append(out, n)
		case <-timer.C:
			return out
		}
	}
}

func TestDispatcherKickoffFansToStartStates(t *testing.T) {
	f := newDispatchFixture(t, domain.DefaultDispatchConfig())
	f.seed(t, diamondMeta("wf-1"))

	ch, cancel, err := f.dispatcher.Subscribe("")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.dispatcher.Notify(context.Background(), "wf-1", "", domain.ReasonKickoff))

	got := collect(ch, 50*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, "Fetch", got[0].State)
	assert.Equal(t, domain.ReasonKickoff, got[0].Reason)
	assert.Equal(t, "wf-1", got[0].WorkflowID)
	assert.NotEmpty(t, got[0].ID)
}

func TestDispatcherUpstreamDoneFansToReadyDownstream(t *testing.T) {
	f := newDispatchFixture(t, domain.DefaultDispatchConfig())
	f.seed(t, diamondMeta("wf-1"))
	f.markDone(t, "wf-1", "Fetch")

	ch, cancel, err := f.dispatcher.Subscribe("")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.dispatcher.Notify(context.Background(), "wf-1", "Fetch", domain.ReasonUpstreamDone))

	got := collect(ch, 50*time.Millisecond)
	require.Len(t, got, 2)
	states := []string{got[0].State, got[1].State}
	assert.ElementsMatch(t, []string{"BranchA", "BranchB"}, states)
}

func TestDispatcherFanInHintsOnlyWhenAllBranchesDone(t *testing.T) {
	f := newDispatchFixture(t, domain.DefaultDispatchConfig())
	f.seed(t, diamondMeta("wf-1"))
	f.markDone(t, "wf-1", "Fetch")
	f.markDone(t, "wf-1", "BranchA")

	ch, cancel, err := f.dispatcher.Subscribe("")
	require.NoError(t, err)
	defer cancel()

	// BranchB is still pending, so BranchA's completion unlocks nothing.
	require.NoError(t, f.dispatcher.Notify(context.Background(), "wf-1", "BranchA", domain.ReasonUpstreamDone))
	assert.Empty(t, collect(ch, 50*time.Millisecond))

	f.markDone(t, "wf-1", "BranchB")
	require.NoError(t, f.dispatcher.Notify(context.Background(), "wf-1", "BranchB", domain.ReasonUpstreamDone))

	got := collect(ch, 50*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, "Join", got[0].State)
}

func TestDispatcherRoutesByAssignee(t *testing.T) {
	f := newDispatchFixture(t, domain.DefaultDispatchConfig())
	f.seed(t, diamondMeta("wf-1"))
	f.markDone(t, "wf-1", "Fetch")

	poolCh, cancelPool, err := f.dispatcher.Subscribe("pool-a")
	require.NoError(t, err)
	defer cancelPool()
	allCh, cancelAll, err := f.dispatcher.Subscribe("")
	require.NoError(t, err)
	defer cancelAll()

	require.NoError(t, f.dispatcher.Notify(context.Background(), "wf-1", "Fetch", domain.ReasonUpstreamDone))

	pool := collect(poolCh, 50*time.Millisecond)
	require.Len(t, pool, 1, "pool subscriber sees only its assignment")
	assert.Equal(t, "BranchA", pool[0].State)
	assert.Equal(t, "pool-a", pool[0].Assignee)

	assert.Len(t, collect(allCh, 50*time.Millisecond), 2, "catch-all subscriber sees everything")
}

func TestDispatcherRetryRetargetsSource(t *testing.T) {
	f := newDispatchFixture(t, domain.DefaultDispatchConfig())
	f.seed(t, diamondMeta("wf-1"))

	ch, cancel, err := f.dispatcher.Subscribe("")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.dispatcher.Notify(context.Background(), "wf-1", "BranchB", domain.ReasonRetry))
	require.NoError(t, f.dispatcher.Notify(context.Background(), "wf-1", "BranchB", domain.ReasonNeedsAttention))

	got := collect(ch, 50*time.Millisecond)
	require.Len(t, got, 2)
	assert.Equal(t, "BranchB", got[0].State)
	assert.Equal(t, domain.ReasonRetry, got[0].Reason)
	assert.Equal(t, domain.ReasonNeedsAttention, got[1].Reason)
}

func TestDispatcherUnknownWorkflow(t *testing.T) {
	f := newDispatchFixture(t, domain.DefaultDispatchConfig())

	err := f.dispatcher.Notify(context.Background(), "nope", "", domain.ReasonKickoff)
	require.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestDispatcherDropsWhenSubscriberFull(t *testing.T) {
	cfg := domain.DefaultDispatchConfig()
	cfg.BufferSize = 1
	f := newDispatchFixture(t, cfg)
	f.seed(t, diamondMeta("wf-1"))

	_, cancel, err := f.dispatcher.Subscribe("")
	require.NoError(t, err)
	defer cancel()

	// Nobody drains: the second kickoff hint has nowhere to go.
	require.NoError(t, f.dispatcher.Notify(context.Background(), "wf-1", "", domain.ReasonKickoff))
	require.NoError(t, f.dispatcher.Notify(context.Background(), "wf-1", "", domain.ReasonKickoff))

	snapshot := f.metrics.GetSnapshot()
	assert.Equal(t, int64(1), snapshot.NotificationsSent)
	assert.Equal(t, int64(1), snapshot.NotificationsDropped)
}

func TestDispatcherLifecycle(t *testing.T) {
	store := storage.NewMemoryStorage(nil)
	t.Cleanup(func() { _ = store.Close() })
	d := NewDispatcher(docstore.NewMetaStore(store, nil), docstore.NewStateStore(store, nil, nil), nil, domain.DefaultDispatchConfig(), nil, nil)

	_, _, err := d.Subscribe("")
	require.ErrorIs(t, err, domain.ErrNotStarted)
	require.ErrorIs(t, d.Stop(), domain.ErrNotStarted)

	require.NoError(t, d.Start(context.Background()))
	require.ErrorIs(t, d.Start(context.Background()), domain.ErrAlreadyStarted)

	ch, _, err := d.Subscribe("")
	require.NoError(t, err)
	require.NoError(t, d.Stop())

	_, open := <-ch
	assert.False(t, open, "stop closes subscriber channels")
}
