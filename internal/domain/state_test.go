package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseExpiry_BoundaryIsInclusive(t *testing.T) {
	acquired := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	lease := &Lease{
		Token:      "tok-1",
		Owner:      "worker-a",
		AcquiredAt: acquired,
		TTLSeconds: 120,
	}

	assert.False(t, lease.Expired(acquired.Add(119*time.Second)))
	assert.True(t, lease.Expired(acquired.Add(120*time.Second)))
	assert.True(t, lease.Expired(acquired.Add(121*time.Second)))
	assert.Equal(t, acquired.Add(2*time.Minute), lease.ExpiresAt())
}

func TestStateRecordHeldBy(t *testing.T) {
	record := NewStateRecord("wf-1", "Fetch")
	assert.False(t, record.HeldBy("tok-1"))

	record.Lease = &Lease{Token: "tok-1", Owner: "worker-a", AcquiredAt: time.Now(), TTLSeconds: 60}
	assert.True(t, record.HeldBy("tok-1"))
	assert.False(t, record.HeldBy("tok-2"))
	assert.False(t, record.HeldBy(""))
}

func TestStateRecordValidate(t *testing.T) {
	record := NewStateRecord("wf-1", "Fetch")
	require.NoError(t, record.Validate())

	record.Status = StatusRunning
	err := record.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease")

	record.Lease = &Lease{Token: "tok-1", Owner: "worker-a", AcquiredAt: time.Now(), TTLSeconds: 60}
	require.NoError(t, record.Validate())

	record.Lease.TTLSeconds = 0
	require.Error(t, record.Validate())
}

func TestStatusResolved(t *testing.T) {
	assert.False(t, StatusPending.Resolved())
	assert.False(t, StatusRunning.Resolved())
	assert.True(t, StatusDone.Resolved())
	assert.True(t, StatusFailed.Resolved())
	assert.True(t, StatusCancelled.Resolved())
}
