package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

// The memory and badger adapters must be interchangeable behind StoragePort;
// every contract test below runs against both.
func eachStorage(t *testing.T, run func(t *testing.T, store ports.StoragePort)) {
	t.Helper()

	backends := []struct {
		name string
		open func(t *testing.T) ports.StoragePort
	}{
		{
			name: "memory",
			open: func(t *testing.T) ports.StoragePort {
				return NewMemoryStorage(nil)
			},
		},
		{
			name: "badger",
			open: func(t *testing.T) ports.StoragePort {
				store, err := OpenBadger(t.TempDir(), false, nil)
				require.NoError(t, err)
				return store
			},
		},
	}

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			store := backend.open(t)
			t.Cleanup(func() { _ = store.Close() })
			run(t, store)
		})
	}
}

func TestStoragePutAndGet(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()

		_, _, exists, err := store.Get(ctx, "state:wf:Fetch")
		require.NoError(t, err)
		require.False(t, exists)

		require.NoError(t, store.Put(ctx, "state:wf:Fetch", []byte(`{"status":"pending"}`), 1))

		value, version, exists, err := store.Get(ctx, "state:wf:Fetch")
		require.NoError(t, err)
		require.True(t, exists)
		assert.Equal(t, []byte(`{"status":"pending"}`), value)
		assert.Equal(t, int64(1), version)
	})
}

func TestStoragePutEnforcesVersionSequence(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()

		require.Error(t, store.Put(ctx, "k", []byte("a"), 2), "new key must start at version 1")
		require.NoError(t, store.Put(ctx, "k", []byte("a"), 1))

		err := store.Put(ctx, "k", []byte("b"), 1)
		require.Error(t, err)
		assert.True(t, domain.IsVersionMismatch(err))

		err = store.Put(ctx, "k", []byte("b"), 3)
		require.Error(t, err)
		assert.True(t, domain.IsVersionMismatch(err))

		require.NoError(t, store.Put(ctx, "k", []byte("b"), 2))

		value, version, _, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), value)
		assert.Equal(t, int64(2), version)
	})
}

func TestStorageConcurrentPutSingleWinner(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "contested", []byte("v1"), 1))

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.Put(ctx, "contested", []byte(fmt.Sprintf("w%d", i)), 2)
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				assert.True(t, domain.IsWriteConflict(err), "loser must see a CAS conflict, got %v", err)
			}
		}
		assert.Equal(t, 1, winners)

		_, version, _, err := store.Get(ctx, "contested")
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
	})
}

func TestStorageDeleteResetsVersion(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "k", []byte("a"), 1))
		require.NoError(t, store.Put(ctx, "k", []byte("b"), 2))
		require.NoError(t, store.Delete(ctx, "k"))

		_, _, exists, err := store.Get(ctx, "k")
		require.NoError(t, err)
		require.False(t, exists)

		// A deleted key is a fresh key again.
		require.NoError(t, store.Put(ctx, "k", []byte("c"), 1))
	})
}

func TestStorageBatchWriteIsAtomic(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "state:wf:A", []byte("old"), 1))

		err := store.BatchWrite(ctx, []ports.WriteOp{
			{Type: ports.OpPut, Key: "state:wf:B", Value: []byte("new"), Version: 1},
			{Type: ports.OpPut, Key: "state:wf:A", Value: []byte("clobber"), Version: 1},
		})
		require.Error(t, err, "stale version in the batch must fail the batch")

		_, _, exists, getErr := store.Get(ctx, "state:wf:B")
		require.NoError(t, getErr)
		assert.False(t, exists, "no write from a failed batch may land")

		value, _, _, getErr := store.Get(ctx, "state:wf:A")
		require.NoError(t, getErr)
		assert.Equal(t, []byte("old"), value)

		require.NoError(t, store.BatchWrite(ctx, []ports.WriteOp{
			{Type: ports.OpPut, Key: "state:wf:B", Value: []byte("new"), Version: 1},
			{Type: ports.OpPut, Key: "state:wf:A", Value: []byte("newer"), Version: 2},
			{Type: ports.OpDelete, Key: "state:wf:gone"},
		}))

		value, _, _, getErr = store.Get(ctx, "state:wf:B")
		require.NoError(t, getErr)
		assert.Equal(t, []byte("new"), value)
	})
}

func TestStorageListAndCountByPrefix(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "state:wf1:Fetch", []byte("1"), 1))
		require.NoError(t, store.Put(ctx, "state:wf1:Join", []byte("2"), 1))
		require.NoError(t, store.Put(ctx, "state:wf2:Fetch", []byte("3"), 1))
		require.NoError(t, store.Put(ctx, "meta:wf1", []byte("4"), 1))

		results, err := store.ListByPrefix(ctx, "state:wf1:")
		require.NoError(t, err)
		require.Len(t, results, 2)
		keys := []string{results[0].Key, results[1].Key}
		assert.Contains(t, keys, "state:wf1:Fetch")
		assert.Contains(t, keys, "state:wf1:Join")
		for _, kv := range results {
			assert.Equal(t, int64(1), kv.Version)
		}

		count, err := store.CountPrefix(ctx, "state:")
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		count, err = store.CountPrefix(ctx, "summary:")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestStorageTransactionSeesOwnWrites(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "a", []byte("1"), 1))

		err := store.RunInTransaction(ctx, func(tx ports.Transaction) error {
			value, version, exists, err := tx.Get("a")
			if err != nil {
				return err
			}
			require.True(t, exists)
			require.Equal(t, []byte("1"), value)

			if err := tx.Put("a", []byte("2"), version+1); err != nil {
				return err
			}

			value, _, _, err = tx.Get("a")
			if err != nil {
				return err
			}
			require.Equal(t, []byte("2"), value, "transaction must observe its own write")
			return tx.Put("b", []byte("new"), 1)
		})
		require.NoError(t, err)

		value, version, _, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), value)
		assert.Equal(t, int64(2), version)

		_, _, exists, err := store.Get(ctx, "b")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestStorageTransactionRollbackOnError(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()

		err := store.RunInTransaction(ctx, func(tx ports.Transaction) error {
			if err := tx.Put("discarded", []byte("x"), 1); err != nil {
				return err
			}
			return fmt.Errorf("abort")
		})
		require.EqualError(t, err, "abort")

		_, _, exists, getErr := store.Get(ctx, "discarded")
		require.NoError(t, getErr)
		assert.False(t, exists)
	})
}

func TestStorageSubscribeReceivesPrefixedWrites(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()

		events, unsubscribe, err := store.Subscribe("state:wf1:")
		require.NoError(t, err)
		defer unsubscribe()

		require.NoError(t, store.Put(ctx, "state:wf1:Fetch", []byte("1"), 1))
		require.NoError(t, store.Put(ctx, "state:wf2:Fetch", []byte("2"), 1))
		require.NoError(t, store.Delete(ctx, "state:wf1:Fetch"))

		event := <-events
		assert.Equal(t, ports.OpPut, event.Type)
		assert.Equal(t, "state:wf1:Fetch", event.Key)
		assert.Equal(t, int64(1), event.Version)

		event = <-events
		assert.Equal(t, ports.OpDelete, event.Type)
		assert.Equal(t, "state:wf1:Fetch", event.Key)

		select {
		case stray, ok := <-events:
			require.False(t, ok, "unexpected event %+v", stray)
		default:
		}
	})
}

func TestStorageUnsubscribeClosesChannel(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		events, unsubscribe, err := store.Subscribe("state:")
		require.NoError(t, err)

		unsubscribe()
		_, ok := <-events
		assert.False(t, ok)

		// Writes after unsubscribe must not panic on the closed channel.
		require.NoError(t, store.Put(context.Background(), "state:wf:A", []byte("1"), 1))
	})
}

func TestStorageRejectsUseAfterClose(t *testing.T) {
	eachStorage(t, func(t *testing.T, store ports.StoragePort) {
		ctx := context.Background()
		require.NoError(t, store.Put(ctx, "k", []byte("a"), 1))

		events, _, err := store.Subscribe("k")
		require.NoError(t, err)

		require.NoError(t, store.Close())

		_, ok := <-events
		assert.False(t, ok, "close must release subscribers")

		err = store.Put(ctx, "k", []byte("b"), 2)
		require.Error(t, err)
		assert.True(t, domain.IsStorageClosed(err))

		assert.True(t, domain.IsStorageClosed(store.Close()))
	})
}

func TestBadgerCorruptVersionSidecar(t *testing.T) {
	store, err := OpenBadger(t.TempDir(), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "meta:wf-1", []byte(`{"workflow_id":"wf-1"}`), 1))

	// Mangle the version sidecar underneath the adapter. A corrupt sidecar
	// must surface as an error, not read back as version zero and restart
	// the CAS sequence.
	require.NoError(t, store.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(versionKey("meta:wf-1")), []byte("not a number"))
	}))

	_, _, _, err = store.Get(ctx, "meta:wf-1")
	require.Error(t, err)

	err = store.Put(ctx, "meta:wf-1", []byte(`{}`), 1)
	require.Error(t, err, "a poisoned version must not let the sequence restart at 1")
}
