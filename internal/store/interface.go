package store

import (
	"context"
	"time"
)

// Record 是带版本号的存储条目。版本从 1 开始，每次成功写入加 1。
type Record struct {
	Value   []byte
	Version int64
}

// Store is an expiring key-value store. Every record carries a mandatory
// TTL and a Get on an expired key behaves exactly like a missing key
// (errdefs.ErrNotFound). The store may come back empty after a restart;
// callers must treat "no record" as "never happened".
type Store interface {
	// Put writes value unconditionally and refreshes the TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the live record or errdefs.ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	Delete(ctx context.Context, key string) error

	// CompareAndSwap writes value only while the stored version equals
	// expectedVersion; on success the stored version becomes
	// expectedVersion+1. expectedVersion 0 means "create only if absent".
	// Returns ErrVersionMismatch when the optimistic check fails.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) error

	// PutIfAbsent writes only when the key does not exist and reports
	// whether the write happened.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// DeleteIfEqual deletes the key only while it still holds value.
	DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error)

	// ExpireIfEqual refreshes the TTL only while the key still holds value.
	ExpireIfEqual(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// ScanPrefix returns all live keys starting with prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}
