// Package lock 提供基于状态存储的短租约互斥锁。
// 锁永远不应比它保护的临界区活得更久；持有者必须容忍中途丢锁。
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"matchvoice/internal/store"

	"github.com/google/uuid"
)

var (
	// ErrLockBusy 不是故障：说明另一个任务正在做同样的收敛工作
	ErrLockBusy = errors.New("lock busy")

	// ErrLockLost 租约已经过期或被他人持有，临界区必须立刻放弃
	ErrLockLost = errors.New("lock lost")
)

type Manager struct {
	store  store.Store
	logger *slog.Logger
}

func NewManager(s store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  s,
		logger: logger.With("component", "lock"),
	}
}

// Lease is a held lock. The expiry tracked here is a local, conservative
// estimate (stamped before the store round-trip); the store's TTL is the
// authority.
type Lease struct {
	resource  string
	token     string
	expiresAt time.Time
}

func (l *Lease) Resource() string { return l.resource }

// Remaining returns the conservative time left on the lease.
func (l *Lease) Remaining() time.Duration {
	return time.Until(l.expiresAt)
}

// Acquire takes the lock for resource, or fails fast with ErrLockBusy.
// Callers must not queue on a busy lock: whichever task holds it will
// complete the same convergent transition.
func (m *Manager) Acquire(ctx context.Context, resource string, lease time.Duration) (*Lease, error) {
	token := uuid.New().String()
	stamp := time.Now()

	ok, err := m.store.PutIfAbsent(ctx, resource, []byte(token), lease)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", resource, err)
	}
	if !ok {
		return nil, ErrLockBusy
	}

	m.logger.Debug("Lock acquired", "resource", resource)
	return &Lease{
		resource:  resource,
		token:     token,
		expiresAt: stamp.Add(lease),
	}, nil
}

// Renew extends the lease. ErrLockLost means the lease expired (or the key
// vanished with the store); the caller must abort its remaining steps and
// leave convergence to the next signal or the sweep.
func (m *Manager) Renew(ctx context.Context, l *Lease, lease time.Duration) error {
	stamp := time.Now()

	ok, err := m.store.ExpireIfEqual(ctx, l.resource, []byte(l.token), lease)
	if err != nil {
		return fmt.Errorf("renew %s: %w", l.resource, err)
	}
	if !ok {
		return ErrLockLost
	}

	l.expiresAt = stamp.Add(lease)
	return nil
}

// EnsureFor renews the lease when less than need remains on it. Call before
// any external operation whose deadline could outlive the lease.
func (m *Manager) EnsureFor(ctx context.Context, l *Lease, need, lease time.Duration) error {
	if l.Remaining() > need {
		return nil
	}
	return m.Renew(ctx, l, lease)
}

// Release drops the lock. Releasing an already-expired lease is a no-op:
// the token comparison keeps us from deleting someone else's lock.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	ok, err := m.store.DeleteIfEqual(ctx, l.resource, []byte(l.token))
	if err != nil {
		return fmt.Errorf("release %s: %w", l.resource, err)
	}
	if !ok {
		m.logger.Debug("Release on lost lease", "resource", l.resource)
	}
	return nil
}
