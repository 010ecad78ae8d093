package storage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS baton_documents (
	key     TEXT PRIMARY KEY,
	value   BYTEA NOT NULL,
	version BIGINT NOT NULL
)`

// PostgresStorage keeps documents in a single table with an optimistic
// concurrency column. Writes are conditional statements, so the CAS holds
// across processes sharing the database. Subscribe only sees writes made
// through this instance; remote workers rely on polling and the bridge, as
// they do with every backend.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]chan ports.StorageEvent
	closed bool
}

func NewPostgresStorage(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStorage{
		pool:   pool,
		logger: logger.With("component", "postgres-storage"),
		subs:   make(map[string][]chan ports.StorageEvent),
	}
}

// OpenPostgres connects a pool for dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	s := NewPostgresStorage(pool, logger)
	if err := s.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the documents table when it does not exist yet.
func (s *PostgresStorage) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStorage) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	var value []byte
	var version int64
	err := s.pool.QueryRow(ctx, "SELECT value, version FROM baton_documents WHERE key = $1", key).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	return value, version, true, nil
}

func (s *PostgresStorage) Put(ctx context.Context, key string, value []byte, version int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := putDocument(ctx, s.pool, key, value, version); err != nil {
		return err
	}

	s.broadcastEvent(ports.StorageEvent{
		Type:      ports.OpPut,
		Key:       key,
		Version:   version,
		Timestamp: time.Now(),
	})
	return nil
}

func (s *PostgresStorage) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, "DELETE FROM baton_documents WHERE key = $1", key); err != nil {
		return err
	}

	s.broadcastEvent(ports.StorageEvent{
		Type:      ports.OpDelete,
		Key:       key,
		Timestamp: time.Now(),
	})
	return nil
}

func (s *PostgresStorage) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM baton_documents WHERE key = $1)", key).Scan(&exists)
	return exists, err
}

func (s *PostgresStorage) BatchWrite(ctx context.Context, ops []ports.WriteOp) error {
	return s.RunInTransaction(ctx, func(tx ports.Transaction) error {
		for _, op := range ops {
			switch op.Type {
			case ports.OpPut:
				if err := tx.Put(op.Key, op.Value, op.Version); err != nil {
					return err
				}
			case ports.OpDelete:
				if err := tx.Delete(op.Key); err != nil {
					return err
				}
			default:
				return domain.ErrInvalidInput
			}
		}
		return nil
	})
}

func (s *PostgresStorage) ListByPrefix(ctx context.Context, prefix string) ([]ports.KeyValueVersion, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT key, value, version FROM baton_documents WHERE key LIKE $1 ORDER BY key",
		likePattern(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ports.KeyValueVersion
	for rows.Next() {
		var kv ports.KeyValueVersion
		if err := rows.Scan(&kv.Key, &kv.Value, &kv.Version); err != nil {
			return nil, err
		}
		results = append(results, kv)
	}
	return results, rows.Err()
}

func (s *PostgresStorage) CountPrefix(ctx context.Context, prefix string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM baton_documents WHERE key LIKE $1",
		likePattern(prefix)).Scan(&count)
	return count, err
}

func (s *PostgresStorage) RunInTransaction(ctx context.Context, fn func(tx ports.Transaction) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx)

	tx := &postgresTransaction{ctx: ctx, tx: pgTx}
	if err := fn(tx); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return err
	}

	for _, event := range tx.events {
		s.broadcastEvent(event)
	}
	return nil
}

func (s *PostgresStorage) Subscribe(prefix string) (<-chan ports.StorageEvent, func(), error) {
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

func (s *PostgresStorage) broadcastEvent(event ports.StorageEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

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

func (s *PostgresStorage) Close() error {
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

	s.pool.Close()
	return nil
}

func (s *PostgresStorage) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.NewStorageClosedError()
	}
	return nil
}

// querier is the overlap of pgxpool.Pool and pgx.Tx the conditional writes
// need, so one implementation serves both paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// putDocument runs the conditional write against either the pool or an open
// transaction. A zero row count means the expected version was not there.
func putDocument(ctx context.Context, q querier, key string, value []byte, version int64) error {
	if version == 1 {
		tag, err := q.Exec(ctx,
			"INSERT INTO baton_documents (key, value, version) VALUES ($1, $2, 1) ON CONFLICT (key) DO NOTHING",
			key, value)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return staleVersionError(ctx, q, key, version)
		}
		return nil
	}

	tag, err := q.Exec(ctx,
		"UPDATE baton_documents SET value = $2, version = $3 WHERE key = $1 AND version = $4",
		key, value, version, version-1)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return staleVersionError(ctx, q, key, version)
	}
	return nil
}

func staleVersionError(ctx context.Context, q querier, key string, attempted int64) error {
	var current int64
	err := q.QueryRow(ctx, "SELECT version FROM baton_documents WHERE key = $1", key).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return domain.NewVersionMismatchError(key, current+1, attempted)
}

func likePattern(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

type postgresTransaction struct {
	ctx    context.Context
	tx     pgx.Tx
	events []ports.StorageEvent
}

func (t *postgresTransaction) Get(key string) ([]byte, int64, bool, error) {
	var value []byte
	var version int64
	err := t.tx.QueryRow(t.ctx, "SELECT value, version FROM baton_documents WHERE key = $1", key).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	return value, version, true, nil
}

func (t *postgresTransaction) Put(key string, value []byte, version int64) error {
	if err := putDocument(t.ctx, t.tx, key, value, version); err != nil {
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

func (t *postgresTransaction) Delete(key string) error {
	if _, err := t.tx.Exec(t.ctx, "DELETE FROM baton_documents WHERE key = $1", key); err != nil {
		return err
	}
	t.events = append(t.events, ports.StorageEvent{
		Type:      ports.OpDelete,
		Key:       key,
		Timestamp: time.Now(),
	})
	return nil
}

func (t *postgresTransaction) Exists(key string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(t.ctx, "SELECT EXISTS(SELECT 1 FROM baton_documents WHERE key = $1)", key).Scan(&exists)
	return exists, err
}
