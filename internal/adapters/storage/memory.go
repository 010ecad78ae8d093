package storage

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

type memoryEntry struct {
	value   []byte
	version int64
}

// MemoryStorage is the in-process store: a reference implementation of the
// CAS contract and the production option for single-process deployments,
// where a mutex is already an atomic document database.
type MemoryStorage struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]memoryEntry
	subs    map[string][]chan ports.StorageEvent
	closed  bool
}

func NewMemoryStorage(logger *slog.Logger) *MemoryStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStorage{
		logger:  logger.With("component", "memory-storage"),
		entries: make(map[string]memoryEntry),
		subs:    make(map[string][]chan ports.StorageEvent),
	}
}

func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, false, domain.NewStorageClosedError()
	}

	entry, exists := s.entries[key]
	if !exists {
		return nil, 0, false, nil
	}
	return append([]byte(nil), entry.value...), entry.version, true, nil
}

func (s *MemoryStorage) Put(ctx context.Context, key string, value []byte, version int64) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return domain.NewStorageClosedError()
	}

	current := s.entries[key].version
	if version != current+1 {
		s.mu.Unlock()
		return domain.NewVersionMismatchError(key, current+1, version)
	}

	s.entries[key] = memoryEntry{
		value:   append([]byte(nil), value...),
		version: version,
	}
	event := ports.StorageEvent{
		Type:      ports.OpPut,
		Key:       key,
		Version:   version,
		Timestamp: time.Now(),
	}
	s.broadcastLocked(event)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return domain.NewStorageClosedError()
	}

	delete(s.entries, key)
	event := ports.StorageEvent{
		Type:      ports.OpDelete,
		Key:       key,
		Timestamp: time.Now(),
	}
	s.broadcastLocked(event)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, domain.NewStorageClosedError()
	}
	_, exists := s.entries[key]
	return exists, nil
}

func (s *MemoryStorage) BatchWrite(ctx context.Context, ops []ports.WriteOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.NewStorageClosedError()
	}

	for _, op := range ops {
		switch op.Type {
		case ports.OpPut:
			current := s.entries[op.Key].version
			if op.Version != current+1 {
				return domain.NewVersionMismatchError(op.Key, current+1, op.Version)
			}
		case ports.OpDelete:
		default:
			return domain.ErrInvalidInput
		}
	}

	for _, op := range ops {
		switch op.Type {
		case ports.OpPut:
			s.entries[op.Key] = memoryEntry{
				value:   append([]byte(nil), op.Value...),
				version: op.Version,
			}
			s.broadcastLocked(ports.StorageEvent{
				Type:      ports.OpPut,
				Key:       op.Key,
				Version:   op.Version,
				Timestamp: time.Now(),
			})
		case ports.OpDelete:
			delete(s.entries, op.Key)
			s.broadcastLocked(ports.StorageEvent{
				Type:      ports.OpDelete,
				Key:       op.Key,
				Timestamp: time.Now(),
			})
		}
	}
	return nil
}

func (s *MemoryStorage) ListByPrefix(ctx context.Context, prefix string) ([]ports.KeyValueVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.NewStorageClosedError()
	}

	var results []ports.KeyValueVersion
	for key, entry := range s.entries {
		if strings.HasPrefix(key, prefix) {
			results = append(results, ports.KeyValueVersion{
				Key:     key,
				Value:   append([]byte(nil), entry.value...),
				Version: entry.version,
			})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

func (s *MemoryStorage) CountPrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, domain.NewStorageClosedError()
	}

	count := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count, nil
}

// RunInTransaction holds the write lock for the duration of fn: staged
// writes apply only when fn returns nil, and nothing else can interleave.
func (s *MemoryStorage) RunInTransaction(ctx context.Context, fn func(tx ports.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.NewStorageClosedError()
	}

	tx := &memoryTransaction{
		storage: s,
		staged:  make(map[string]*memoryEntry),
	}

	if err := fn(tx); err != nil {
		return err
	}

	for key, entry := range tx.staged {
		if entry == nil {
			delete(s.entries, key)
			s.broadcastLocked(ports.StorageEvent{
				Type:      ports.OpDelete,
				Key:       key,
				Timestamp: time.Now(),
			})
			continue
		}
		s.entries[key] = *entry
		s.broadcastLocked(ports.StorageEvent{
			Type:      ports.OpPut,
			Key:       key,
			Version:   entry.version,
			Timestamp: time.Now(),
		})
	}
	return nil
}

func (s *MemoryStorage) Subscribe(prefix string) (<-chan ports.StorageEvent, func(), error) {
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

func (s *MemoryStorage) broadcastLocked(event ports.StorageEvent) {
	for prefix, subs := range s.subs {
		if strings.HasPrefix(event.Key, prefix) {
			for _, ch := range subs {
				select {
				case ch <- event:
				default:
				}
			}
		}
	}
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.NewStorageClosedError()
	}
	s.closed = true

	for _, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	s.subs = make(map[string][]chan ports.StorageEvent)
	s.entries = nil
	return nil
}

// memoryTransaction stages writes under the store's write lock. Reads see
// staged writes first so a transaction observes its own effects.
type memoryTransaction struct {
	storage *MemoryStorage
	staged  map[string]*memoryEntry
}

func (t *memoryTransaction) Get(key string) ([]byte, int64, bool, error) {
	if entry, ok := t.staged[key]; ok {
		if entry == nil {
			return nil, 0, false, nil
		}
		return append([]byte(nil), entry.value...), entry.version, true, nil
	}

	entry, exists := t.storage.entries[key]
	if !exists {
		return nil, 0, false, nil
	}
	return append([]byte(nil), entry.value...), entry.version, true, nil
}

func (t *memoryTransaction) Put(key string, value []byte, version int64) error {
	_, current, _, err := t.Get(key)
	if err != nil {
		return err
	}
	if version != current+1 {
		return domain.NewVersionMismatchError(key, current+1, version)
	}

	t.staged[key] = &memoryEntry{
		value:   append([]byte(nil), value...),
		version: version,
	}
	return nil
}

func (t *memoryTransaction) Delete(key string) error {
	t.staged[key] = nil
	return nil
}

func (t *memoryTransaction) Exists(key string) (bool, error) {
	_, _, exists, err := t.Get(key)
	return exists, err
}
