// Package lock implements the leased lock manager: an at-most-one-
// holder guarantee on arbitrary (resource_type, resource_id) tuples,
// with TTL expiry, acquire-with-wait, and scoped release.
//
// The manager is stateless in the application process — all lock state
// lives in the Store. Concurrent waiters poll with backoff; strict FIFO
// is not guaranteed.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
	"taskorch/internal/metrics"
	"taskorch/internal/store"
)

const (
	// DefaultTTL is used when Acquire is called with ttl <= 0.
	DefaultTTL = 300 * time.Second
	// MaxTTL is the ceiling every requested TTL is clamped to.
	MaxTTL = 3600 * time.Second

	minRetryDelay = 100 * time.Millisecond
	maxRetryDelay = 1 * time.Second
)

// Manager is the leased lock manager.
type Manager struct {
	store store.Store
}

// New returns a Manager backed by st.
func New(st store.Store) *Manager {
	return &Manager{store: st}
}

// AcquireOptions configures Acquire.
type AcquireOptions struct {
	// TTL is clamped to [0, MaxTTL]; zero means DefaultTTL.
	TTL time.Duration
	// Wait, if true, retries with exponential backoff (start 100ms,
	// double to a 1s cap) until WaitTimeout elapses.
	Wait bool
	// WaitTimeout bounds how long Acquire retries when Wait is true.
	// Zero means 30s.
	WaitTimeout time.Duration
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// Acquire obtains a lock on (resourceType, resourceID) for holderID. If
// opts.Wait is false and the resource is held, it fails immediately
// with acquisition-failed. If opts.Wait is true, it retries with
// backoff under a wall-clock deadline before failing the same way.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID, holderID string, opts AcquireOptions) (*domain.Lock, error) {
	ttl := clampTTL(opts.TTL)
	expiresAt := time.Now().UTC().Add(ttl)
	lockID := uuid.NewString()

	var (
		lock *domain.Lock
		err  error
	)
	timer := metrics.NewTimer()
	if opts.Wait {
		waitTimeout := opts.WaitTimeout
		if waitTimeout <= 0 {
			waitTimeout = 30 * time.Second
		}
		lock, err = m.acquireWithRetry(ctx, lockID, resourceType, resourceID, holderID, expiresAt, waitTimeout)
		timer.ObserveDuration(metrics.LockWaitDuration)
	} else {
		lock, err = m.store.AcquireLock(ctx, lockID, resourceType, resourceID, holderID, &expiresAt)
	}
	if err != nil {
		return nil, err
	}
	if lock == nil {
		metrics.LockAcquisitionsTotal.WithLabelValues("contended").Inc()
		return nil, apperr.New("lock.Acquire", apperr.KindAcquisitionFailed, nil)
	}
	metrics.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
	metrics.LocksHeld.Inc()
	return lock, nil
}

func (m *Manager) acquireWithRetry(ctx context.Context, lockID, resourceType, resourceID, holderID string, expiresAt time.Time, timeout time.Duration) (*domain.Lock, error) {
	deadline := time.Now().Add(timeout)
	delay := minRetryDelay

	for {
		lock, err := m.store.AcquireLock(ctx, lockID, resourceType, resourceID, holderID, &expiresAt)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			return lock, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := delay
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// Release releases lockID on behalf of holderID. Only the current
// holder can release; a mismatched holder or missing lock fails with
// not-held.
func (m *Manager) Release(ctx context.Context, lockID, holderID string) error {
	released, err := m.store.ReleaseLock(ctx, lockID, holderID)
	if err != nil {
		return err
	}
	if !released {
		return apperr.New("lock.Release", apperr.KindNotHeld, nil)
	}
	metrics.LocksHeld.Dec()
	return nil
}

// Extend releases and re-acquires lockID with the same id for added
// duration, authorized only for the current holder. If the lock
// already expired independently, this is a race and fails with
// acquisition-failed.
func (m *Manager) Extend(ctx context.Context, resourceType, resourceID, lockID, holderID string, added time.Duration) (*domain.Lock, error) {
	released, err := m.store.ReleaseLock(ctx, lockID, holderID)
	if err != nil {
		return nil, err
	}
	if !released {
		return nil, apperr.New("lock.Extend", apperr.KindNotHeld, nil)
	}

	expiresAt := time.Now().UTC().Add(clampTTL(added))
	lock, err := m.store.AcquireLock(ctx, lockID, resourceType, resourceID, holderID, &expiresAt)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, apperr.New("lock.Extend", apperr.KindAcquisitionFailed, nil)
	}
	return lock, nil
}

// Get returns the current lock on (resourceType, resourceID), or nil
// if unlocked. The expiry sweep runs first.
func (m *Manager) Get(ctx context.Context, resourceType, resourceID string) (*domain.Lock, error) {
	return m.store.GetLock(ctx, resourceType, resourceID)
}

// LocksByHolder returns every surviving lock held by holderID.
func (m *Manager) LocksByHolder(ctx context.Context, holderID string) ([]*domain.Lock, error) {
	return m.store.LocksByHolder(ctx, holderID)
}

// AllLocks returns every surviving lock.
func (m *Manager) AllLocks(ctx context.Context) ([]*domain.Lock, error) {
	return m.store.AllLocks(ctx)
}

// Scope is a held lock plus a release function, guaranteeing release
// on every exit path including error paths. If the lock already
// expired independently, Release is a silent no-op.
type Scope struct {
	Lock    *domain.Lock
	manager *Manager
	ctx     context.Context
}

// AcquireScope acquires a lock and returns a Scope; callers should
// defer scope.Release() immediately after a successful call.
func (m *Manager) AcquireScope(ctx context.Context, resourceType, resourceID, holderID string, opts AcquireOptions) (*Scope, error) {
	lock, err := m.Acquire(ctx, resourceType, resourceID, holderID, opts)
	if err != nil {
		return nil, err
	}
	return &Scope{Lock: lock, manager: m, ctx: ctx}, nil
}

// Release releases the scoped lock, silently ignoring a not-held error
// (the lease may have already expired independently).
func (s *Scope) Release() error {
	err := s.manager.Release(s.ctx, s.Lock.ID, s.Lock.HolderID)
	if apperr.Is(err, apperr.KindNotHeld) {
		return nil
	}
	return err
}
