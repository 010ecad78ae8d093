package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
	json "github.com/batonrun/baton/internal/xjson"
)

// BadgerStorage keeps documents and their versions in an embedded badger
// db. The version for key k lives in a sidecar key "v:k"; both are written
// in the same badger transaction, so the pair never tears.
type BadgerStorage struct {
	db     *badger.DB
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]chan ports.StorageEvent
	closed bool
}

func NewBadgerStorage(db *badger.DB, logger *slog.Logger) *BadgerStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStorage{
		db:     db,
		logger: logger.With("component", "badger-storage"),
		subs:   make(map[string][]chan ports.StorageEvent),
	}
}

// OpenBadger opens the embedded db at dir and wraps it. The badger logger
// is silenced; operational logging happens at this layer.
func OpenBadger(dir string, syncWrites bool, logger *slog.Logger) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(syncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return NewBadgerStorage(db, logger), nil
}

func versionKey(key string) string {
	return "v:" + key
}

func isSidecarKey(key []byte) bool {
	return len(key) > 2 && key[0] == 'v' && key[1] == ':'
}

func (s *BadgerStorage) Get(ctx context.Context, key string) (value []byte, version int64, exists bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				exists = false
				return nil
			}
			return err
		}

		exists = true
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}

		version, err = readVersion(txn, key)
		return err
	})

	return value, version, exists, err
}

func (s *BadgerStorage) Put(ctx context.Context, key string, value []byte, version int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readVersion(txn, key)
		if err != nil {
			return err
		}
		if version != current+1 {
			return domain.NewVersionMismatchError(key, current+1, version)
		}

		versionBytes, _ := json.Marshal(version)
		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		return txn.Set([]byte(versionKey(key)), versionBytes)
	})
	if err != nil {
		return translateBadgerError(key, err)
	}

	s.broadcastEvent(ports.StorageEvent{
		Type:      ports.OpPut,
		Key:       key,
		Version:   version,
		Timestamp: time.Now(),
	})
	return nil
}

func (s *BadgerStorage) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(versionKey(key)))
	})
	if err != nil {
		return translateBadgerError(key, err)
	}

	s.broadcastEvent(ports.StorageEvent{
		Type:      ports.OpDelete,
		Key:       key,
		Timestamp: time.Now(),
	})
	return nil
}

func (s *BadgerStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, _, exists, err := s.Get(ctx, key)
	return exists, err
}

func (s *BadgerStorage) BatchWrite(ctx context.Context, ops []ports.WriteOp) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	events := make([]ports.StorageEvent, 0, len(ops))
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			switch op.Type {
			case ports.OpPut:
				current, err := readVersion(txn, op.Key)
				if err != nil {
					return err
				}
				if op.Version != current+1 {
					return domain.NewVersionMismatchError(op.Key, current+1, op.Version)
				}
				versionBytes, _ := json.Marshal(op.Version)
				if err := txn.Set([]byte(op.Key), op.Value); err != nil {
					return err
				}
				if err := txn.Set([]byte(versionKey(op.Key)), versionBytes); err != nil {
					return err
				}
				events = append(events, ports.StorageEvent{
					Type:      ports.OpPut,
					Key:       op.Key,
					Version:   op.Version,
					Timestamp: time.Now(),
				})
			case ports.OpDelete:
				if err := txn.Delete([]byte(op.Key)); err != nil {
					return err
				}
				if err := txn.Delete([]byte(versionKey(op.Key))); err != nil {
					return err
				}
				events = append(events, ports.StorageEvent{
					Type:      ports.OpDelete,
					Key:       op.Key,
					Timestamp: time.Now(),
				})
			default:
				return domain.ErrInvalidInput
			}
		}
		return nil
	})
	if err != nil {
		return translateBadgerError("batch", err)
	}

	for _, event := range events {
		s.broadcastEvent(event)
	}
	return nil
}

func (s *BadgerStorage) ListByPrefix(ctx context.Context, prefix string) ([]ports.KeyValueVersion, error) {
	var results []ports.KeyValueVersion

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			keyBytes := item.Key()
			if isSidecarKey(keyBytes) {
				continue
			}
			key := string(keyBytes)

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			version, err := readVersion(txn, key)
			if err != nil {
				return err
			}

			results = append(results, ports.KeyValueVersion{
				Key:     key,
				Value:   value,
				Version: version,
			})
		}

		return nil
	})

	return results, err
}

func (s *BadgerStorage) CountPrefix(ctx context.Context, prefix string) (count int, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if isSidecarKey(it.Item().Key()) {
				continue
			}
			count++
		}

		return nil
	})

	return count, err
}

func (s *BadgerStorage) RunInTransaction(ctx context.Context, fn func(tx ports.Transaction) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	tx := &badgerTransaction{txn: txn}

	if err := fn(tx); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return translateBadgerError("commit", err)
	}

	for _, event := range tx.events {
		s.broadcastEvent(event)
	}
	return nil
}

func (s *BadgerStorage) Subscribe(prefix string) (<-chan ports.StorageEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, domain.NewStorageClosedError()
	}

	ch := make(chan ports.StorageEvent, 100)
	s.subs[prefix] = append(s.subs[prefix], ch)

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		subs := s.subs[prefix]
		for i, sub := range subs {
			if sub == ch {
				s.subs[prefix] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}

	return ch, unsubscribe, nil
}

func (s *BadgerStorage) broadcastEvent(event ports.StorageEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	for prefix, subs := range s.subs {
		if len(event.Key) >= len(prefix) && event.Key[:len(prefix)] == prefix {
			for _, ch := range subs {
				select {
				case ch <- event:
				default:
				}
			}
		}
	}
}

func (s *BadgerStorage) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return domain.NewStorageClosedError()
	}
	s.closed = true

	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan ports.StorageEvent)
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close badger db", "error", err)
		return err
	}
	return nil
}

func (s *BadgerStorage) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.NewStorageClosedError()
	}
	return nil
}

func readVersion(txn *badger.Txn, key string) (int64, error) {
	vItem, err := txn.Get([]byte(versionKey(key)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}

	versionBytes, err := vItem.ValueCopy(nil)
	if err != nil {
		return 0, err
	}

	var version int64
	if err := json.Unmarshal(versionBytes, &version); err != nil {
		return 0, err
	}
	return version, nil
}

// translateBadgerError keeps the CAS error taxonomy intact across the
// badger boundary: commit-time conflicts surface as transaction conflicts,
// which callers treat the same as losing a version race.
func translateBadgerError(key string, err error) error {
	if err == nil {
		return nil
	}
	var storageErr *domain.StorageError
	if errors.As(err, &storageErr) {
		return err
	}
	if errors.Is(err, badger.ErrConflict) {
		return &domain.StorageError{
			Type:    domain.ErrTransactionConflict,
			Key:     key,
			Message: "transaction conflict on " + key,
		}
	}
	return err
}

type badgerTransaction struct {
	txn    *badger.Txn
	events []ports.StorageEvent
}

func (t *badgerTransaction) Get(key string) (value []byte, version int64, exists bool, err error) {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}

	value, err = item.ValueCopy(nil)
	if err != nil {
		return nil, 0, false, err
	}

	version, err = readVersion(t.txn, key)
	if err != nil {
		return nil, 0, false, err
	}

	return value, version, true, nil
}

func (t *badgerTransaction) Put(key string, value []byte, version int64) error {
	current, err := readVersion(t.txn, key)
	if err != nil {
		return err
	}
	if version != current+1 {
		return domain.NewVersionMismatchError(key, current+1, version)
	}

	versionBytes, _ := json.Marshal(version)
	if err := t.txn.Set([]byte(key), value); err != nil {
		return err
	}
	if err := t.txn.Set([]byte(versionKey(key)), versionBytes); err != nil {
		return err
	}

	t.events = append(t.events, ports.StorageEvent{
		Type:      ports.OpPut,
		Key:       key,
		Version:   version,
		Timestamp: time.Now(),
	})
	return nil
}

func (t *badgerTransaction) Delete(key string) error {
	if err := t.txn.Delete([]byte(key)); err != nil {
		return err
	}
	if err := t.txn.Delete([]byte(versionKey(key))); err != nil {
		return err
	}

	t.events = append(t.events, ports.StorageEvent{
		Type:      ports.OpDelete,
		Key:       key,
		Timestamp: time.Now(),
	})
	return nil
}

func (t *badgerTransaction) Exists(key string) (bool, error) {
	_, err := t.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
