package ports

import (
	"context"
	"time"
)

// StoragePort is the atomic document substrate every coordination decision
// rests on. Put is a compare-and-swap: the caller passes the version it
// expects to write (current+1, or 1 for a new key) and loses with a version
// mismatch error when another writer got there first.
type StoragePort interface {
	Get(ctx context.Context, key string) (value []byte, version int64, exists bool, err error)
	Put(ctx context.Context, key string, value []byte, version int64) error
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	BatchWrite(ctx context.Context, ops []WriteOp) error

	ListByPrefix(ctx context.Context, prefix string) ([]KeyValueVersion, error)
	CountPrefix(ctx context.Context, prefix string) (count int, err error)

	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Subscribe streams local writes under prefix. Delivery is best effort;
	// slow consumers lose events rather than block writers.
	Subscribe(prefix string) (<-chan StorageEvent, func(), error)

	Close() error
}

// Transaction sees and mutates keys with the same CAS rules as the port,
// atomically as a group. The runner commits when fn returns nil.
type Transaction interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	Delete(key string) error
	Exists(key string) (bool, error)
}

type WriteOp struct {
	Type    OpType
	Key     string
	Value   []byte
	Version int64
}

type KeyValueVersion struct {
	Key     string
	Value   []byte
	Version int64
}

type StorageEvent struct {
	Type      OpType
	Key       string
	Version   int64
	Timestamp time.Time
}

type OpType int

const (
	OpPut OpType = iota
	OpDelete
)
