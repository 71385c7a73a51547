package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
)

var _ Store = (*Memory)(nil)

// Memory 是进程内实现，语义与 Redis 实现一致。
// 用于单元测试和无外部依赖的本地运行（对应原来的 memory:// 模式）。
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// live returns the unexpired entry for key, lazily evicting expired ones.
// Caller must hold m.mu.
func (m *Memory) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var version int64 = 1
	if e, ok := m.live(key); ok {
		version = e.version + 1
	}
	m.entries[key] = memoryEntry{
		value:     bytes.Clone(value),
		version:   version,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return Record{}, fmt.Errorf("store get %s: %w", key, errdefs.ErrNotFound)
	}
	return Record{Value: bytes.Clone(e.value), Version: e.version}, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if expectedVersion == 0 {
		if ok {
			return fmt.Errorf("store cas %s: %w", key, ErrVersionMismatch)
		}
	} else if !ok || e.version != expectedVersion {
		return fmt.Errorf("store cas %s: %w", key, ErrVersionMismatch)
	}

	var version int64 = 1
	if ok {
		version = e.version + 1
	}
	m.entries[key] = memoryEntry{
		value:     bytes.Clone(value),
		version:   version,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *Memory) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{
		value:     bytes.Clone(value),
		version:   1,
		expiresAt: m.now().Add(ttl),
	}
	return true, nil
}

func (m *Memory) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) ExpireIfEqual(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || !bytes.Equal(e.value, value) {
		return false, nil
	}
	e.expiresAt = m.now().Add(ttl)
	m.entries[key] = e
	return true, nil
}

func (m *Memory) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := m.live(key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
