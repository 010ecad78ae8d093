package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonrun/baton/internal/adapters/storage"
	"github.com/batonrun/baton/internal/domain"
)

func newJournal(t *testing.T) *JournalSink {
	t.Helper()
	store := storage.NewMemoryStorage(nil)
	t.Cleanup(func() { _ = store.Close() })
	return NewJournalSink(store, nil)
}

func transition(workflowID, state string, to domain.Status, at time.Time) domain.StateTransitionEvent {
	return domain.StateTransitionEvent{
		WorkflowID: workflowID,
		State:      state,
		From:       domain.StatusRunning,
		To:         to,
		Attempts:   1,
		Worker:     "worker-a/0",
		OccurredAt: at,
	}
}

func TestJournalReplaysInOccurrenceOrder(t *testing.T) {
	journal := newJournal(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Recorded out of order on purpose; the key layout restores time order.
	require.NoError(t, journal.RecordTransition(ctx, transition("wf-1", "Publish", domain.StatusDone, base.Add(2*time.Second))))
	require.NoError(t, journal.RecordTransition(ctx, transition("wf-1", "Ingest", domain.StatusDone, base)))
	require.NoError(t, journal.RecordSummary(ctx, &domain.Summary{
		WorkflowID: "wf-1",
		Status:     domain.SummarySucceeded,
		FinishedAt: base.Add(3 * time.Second),
	}))

	trail, err := journal.Trail(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)

	assert.Equal(t, EntryTransition, trail[0].Kind)
	assert.Equal(t, "Ingest", trail[0].Transition.State)
	assert.Equal(t, "Publish", trail[1].Transition.State)
	assert.Equal(t, domain.StatusDone, trail[1].Transition.To)

	assert.Equal(t, EntrySummary, trail[2].Kind)
	require.NotNil(t, trail[2].Summary)
	assert.Equal(t, domain.SummarySucceeded, trail[2].Summary.Status)
}

func TestJournalToleratesSummaryReplay(t *testing.T) {
	journal := newJournal(t)
	ctx := context.Background()

	summary := &domain.Summary{
		WorkflowID: "wf-1",
		Status:     domain.SummaryFailed,
		FinishedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, journal.RecordSummary(ctx, summary))
	require.NoError(t, journal.RecordSummary(ctx, summary))

	trail, err := journal.Trail(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestJournalScopesTrailByWorkflow(t *testing.T) {
	journal := newJournal(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, journal.RecordTransition(ctx, transition("wf-1", "Ingest", domain.StatusDone, at)))
	require.NoError(t, journal.RecordTransition(ctx, transition("wf-2", "Ingest", domain.StatusFailed, at)))

	trail, err := journal.Trail(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "wf-1", trail[0].Transition.WorkflowID)
	assert.Equal(t, domain.StatusDone, trail[0].Transition.To)
}

type failingSink struct {
	err error
}

func (f *failingSink) RecordTransition(context.Context, domain.StateTransitionEvent) error {
	return f.err
}

func (f *failingSink) RecordSummary(context.Context, *domain.Summary) error {
	return f.err
}

func TestFanoutDeliversPastFailingSink(t *testing.T) {
	journal := newJournal(t)
	sinkDown := errors.New("sink unavailable")
	fanout := Fanout{&failingSink{err: sinkDown}, journal}
	ctx := context.Background()

	err := fanout.RecordTransition(ctx, transition("wf-1", "Ingest", domain.StatusDone, time.Now().UTC()))
	require.ErrorIs(t, err, sinkDown)

	trail, err := journal.Trail(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestFanoutEmptyIsNoop(t *testing.T) {
	var fanout Fanout
	require.NoError(t, fanout.RecordTransition(context.Background(), domain.StateTransitionEvent{}))
	require.NoError(t, fanout.RecordSummary(context.Background(), &domain.Summary{}))
}
