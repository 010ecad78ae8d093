package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonrun/baton/internal/adapters/storage"
	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
	json "github.com/batonrun/baton/internal/xjson"
)

func pipelineMeta(workflowID string) *domain.WorkflowMeta {
	return &domain.WorkflowMeta{
		WorkflowID:     workflowID,
		Version:        1,
		States:         []string{"Fetch", "Publish"},
		StartStates:    []string{"Fetch"},
		TerminalStates: []string{"Publish"},
		Dependencies: map[string]domain.StateDeps{
			"Fetch":   {Downstream: []string{"Publish"}},
			"Publish": {Upstream: []string{"Fetch"}},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func newStores(t *testing.T) (*MetaStore, *StateStore, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage(nil)
	t.Cleanup(func() { _ = store.Close() })
	return NewMetaStore(store, nil), NewStateStore(store, nil, nil), store
}

func installLease(t *testing.T, store *storage.MemoryStorage, workflowID, state, token string, acquiredAt time.Time, ttlSeconds int) {
	t.Helper()
	key := domain.StateKey(workflowID, state)
	value, version, exists, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, exists)

	var record domain.StateRecord
	require.NoError(t, json.Unmarshal(value, &record))
	record.Status = domain.StatusRunning
	record.Attempts++
	record.Lease = &domain.Lease{
		Token:      token,
		Owner:      "worker-a",
		AcquiredAt: acquiredAt,
		TTLSeconds: ttlSeconds,
	}

	updated, err := json.Marshal(&record)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, updated, version+1))
}

func TestMetaStorePutIsCreateOnly(t *testing.T) {
	metas, _, _ := newStores(t)
	ctx := context.Background()

	require.NoError(t, metas.Put(ctx, pipelineMeta("wf-1")))

	err := metas.Put(ctx, pipelineMeta("wf-1"))
	require.ErrorIs(t, err, domain.ErrWorkflowExists)

	got, err := metas.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Fetch", "Publish"}, got.States)
	assert.Equal(t, []string{"Fetch"}, got.Dependencies["Publish"].Upstream)
}

func TestMetaStoreGetUnknownWorkflow(t *testing.T) {
	metas, _, _ := newStores(t)

	_, err := metas.Get(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestMetaStoreRejectsInvalidPlan(t *testing.T) {
	metas, _, _ := newStores(t)

	meta := pipelineMeta("wf-1")
	meta.TerminalStates = nil

	err := metas.Put(context.Background(), meta)
	require.ErrorIs(t, err, domain.ErrMalformedGraph)
}

func TestMetaStoreList(t *testing.T) {
	metas, _, _ := newStores(t)
	ctx := context.Background()

	require.NoError(t, metas.Put(ctx, pipelineMeta("wf-b")))
	require.NoError(t, metas.Put(ctx, pipelineMeta("wf-a")))

	ids, err := metas.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a", "wf-b"}, ids)
}

func TestStateStoreSeed(t *testing.T) {
	_, states, _ := newStores(t)
	ctx := context.Background()

	require.NoError(t, states.Seed(ctx, pipelineMeta("wf-1")))

	records, err := states.List(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, domain.StatusPending, r.Status)
		assert.Zero(t, r.Attempts)
		assert.Nil(t, r.Lease)
	}

	err = states.Seed(ctx, pipelineMeta("wf-1"))
	require.ErrorIs(t, err, domain.ErrWorkflowExists)
}

func TestStateStoreUpdateFencesOnToken(t *testing.T) {
	_, states, store := newStores(t)
	ctx := context.Background()

	require.NoError(t, states.Seed(ctx, pipelineMeta("wf-1")))
	installLease(t, store, "wf-1", "Fetch", "token-1", time.Now().UTC(), 120)

	_, err := states.Update(ctx, "wf-1", "Fetch", "token-2", ports.StateUpdate{Status: domain.StatusDone})
	require.ErrorIs(t, err, domain.ErrLeaseConflict)

	record, err := states.Update(ctx, "wf-1", "Fetch", "token-1", ports.StateUpdate{
		Status:    domain.StatusDone,
		OutputRef: "blob://wf-1/fetch",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, record.Status)
	assert.Equal(t, "blob://wf-1/fetch", record.OutputRef)
	require.NotNil(t, record.FinishedAt)
}

func TestStateStoreUpdateWithStaleUnreplacedToken(t *testing.T) {
	_, states, store := newStores(t)
	ctx := context.Background()

	require.NoError(t, states.Seed(ctx, pipelineMeta("wf-1")))

	// Lease lapsed minutes ago but nobody took over, so the token still
	// matches the record and the slow worker's write lands.
	installLease(t, store, "wf-1", "Fetch", "token-1", time.Now().UTC().Add(-10*time.Minute), 120)

	record, err := states.Update(ctx, "wf-1", "Fetch", "token-1", ports.StateUpdate{Status: domain.StatusDone})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, record.Status)
}

func TestStateStoreUpdateKeepsUntouchedFields(t *testing.T) {
	_, states, store := newStores(t)
	ctx := context.Background()

	require.NoError(t, states.Seed(ctx, pipelineMeta("wf-1")))
	installLease(t, store, "wf-1", "Fetch", "token-1", time.Now().UTC(), 120)

	_, err := states.Update(ctx, "wf-1", "Fetch", "token-1", ports.StateUpdate{
		LastError: "skill timeout on attempt 1",
	})
	require.NoError(t, err)

	// The success write does not erase the earlier error; it stays for audit.
	record, err := states.Update(ctx, "wf-1", "Fetch", "token-1", ports.StateUpdate{
		Status:    domain.StatusDone,
		OutputRef: "blob://wf-1/fetch",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, record.Status)
	assert.Equal(t, "skill timeout on attempt 1", record.LastError)
}

func TestStateStoreUpdateIncrementsAttempts(t *testing.T) {
	_, states, store := newStores(t)
	ctx := context.Background()

	require.NoError(t, states.Seed(ctx, pipelineMeta("wf-1")))
	installLease(t, store, "wf-1", "Fetch", "token-1", time.Now().UTC(), 120)

	// A substitution records the failed execution and bumps the attempt
	// count without touching the lease.
	record, err := states.Update(ctx, "wf-1", "Fetch", "token-1", ports.StateUpdate{
		LastError:         "whisper-turbo: connection reset",
		IncrementAttempts: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, record.Attempts)
	assert.Equal(t, domain.StatusRunning, record.Status)
	require.NotNil(t, record.Lease)
}

func TestStateStoreUpdateUnknownState(t *testing.T) {
	_, states, _ := newStores(t)

	_, err := states.Update(context.Background(), "wf-1", "Fetch", "token-1", ports.StateUpdate{Status: domain.StatusDone})
	require.ErrorIs(t, err, domain.ErrStateNotFound)
}

func TestStateStoreCancelOpen(t *testing.T) {
	_, states, store := newStores(t)
	ctx := context.Background()

	require.NoError(t, states.Seed(ctx, pipelineMeta("wf-1")))
	installLease(t, store, "wf-1", "Fetch", "token-1", time.Now().UTC(), 120)
	_, err := states.Update(ctx, "wf-1", "Fetch", "token-1", ports.StateUpdate{Status: domain.StatusDone})
	require.NoError(t, err)

	cancelled, err := states.CancelOpen(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "Publish", cancelled[0].State)
	assert.Equal(t, domain.StatusCancelled, cancelled[0].Status)
	assert.Nil(t, cancelled[0].Lease)

	fetch, err := states.Get(ctx, "wf-1", "Fetch")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, fetch.Status)

	again, err := states.CancelOpen(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestStateStoreCancelOpenDropsLeases(t *testing.T) {
	_, states, store := newStores(t)
	ctx := context.Background()

	require.NoError(t, states.Seed(ctx, pipelineMeta("wf-1")))
	installLease(t, store, "wf-1", "Fetch", "token-1", time.Now().UTC(), 120)

	cancelled, err := states.CancelOpen(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, cancelled, 2)

	record, err := states.Get(ctx, "wf-1", "Fetch")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, record.Status)
	assert.Nil(t, record.Lease)

	// The old holder's token no longer opens the record.
	_, err = states.Update(ctx, "wf-1", "Fetch", "token-1", ports.StateUpdate{Status: domain.StatusDone})
	require.ErrorIs(t, err, domain.ErrLeaseConflict)
}

func TestSummaryPutReturnsStoredWinner(t *testing.T) {
	_, states, _ := newStores(t)
	ctx := context.Background()

	_, exists, err := states.GetSummary(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, exists)

	first := &domain.Summary{
		WorkflowID:    "wf-1",
		Status:        domain.SummarySucceeded,
		TotalAttempts: 3,
		FinishedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	stored, err := states.PutSummary(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first, stored)

	// A racing finalizer that computed something else still hands back the
	// original document.
	second := &domain.Summary{
		WorkflowID:    "wf-1",
		Status:        domain.SummaryPartial,
		TotalAttempts: 99,
		FinishedAt:    time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC),
	}
	winner, err := states.PutSummary(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.SummarySucceeded, winner.Status)
	assert.Equal(t, 3, winner.TotalAttempts)
}

type captureSink struct {
	transitions []domain.StateTransitionEvent
	summaries   []*domain.Summary
}

func (c *captureSink) RecordTransition(_ context.Context, event domain.StateTransitionEvent) error {
	c.transitions = append(c.transitions, event)
	return nil
}

func (c *captureSink) RecordSummary(_ context.Context, summary *domain.Summary) error {
	c.summaries = append(c.summaries, summary)
	return nil
}

func TestStateStoreAuditsTransitions(t *testing.T) {
	store := storage.NewMemoryStorage(nil)
	t.Cleanup(func() { _ = store.Close() })
	sink := &captureSink{}
	states := NewStateStore(store, sink, nil)
	ctx := context.Background()

	require.NoError(t, states.Seed(ctx, pipelineMeta("wf-1")))
	installLease(t, store, "wf-1", "Fetch", "token-1", time.Now().UTC(), 120)

	_, err := states.Update(ctx, "wf-1", "Fetch", "token-1", ports.StateUpdate{Status: domain.StatusFailed, LastError: "boom"})
	require.NoError(t, err)

	_, err = states.CancelOpen(ctx, "wf-1")
	require.NoError(t, err)

	require.Len(t, sink.transitions, 2)
	assert.Equal(t, domain.StatusRunning, sink.transitions[0].From)
	assert.Equal(t, domain.StatusFailed, sink.transitions[0].To)
	assert.Equal(t, "worker-a", sink.transitions[0].Worker)
	assert.Equal(t, "boom", sink.transitions[0].Error)

	assert.Equal(t, "Publish", sink.transitions[1].State)
	assert.Equal(t, domain.StatusCancelled, sink.transitions[1].To)
}
