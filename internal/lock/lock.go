// Package lock implements lease-based named mutual exclusion shared by every
// service instance through an external store (Redis in production).
//
// Acquire never waits: it either returns a Handle or fails with
// errors.ErrLockBusy. Waiting, if any, is the caller's decision and must be
// bounded (see AcquireWithRetry). A holder that crashes leaves the name
// reclaimable once its lease expires.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/resilience"
	"github.com/google/uuid"
)

const (
	defaultPrefix  = "lock:"
	releaseTimeout = 2 * time.Second
)

// Backend is the shared store the manager coordinates through. All three
// operations must be atomic on the store side.
type Backend interface {
	// SetIfAbsent stores token under key with the given TTL unless the key
	// exists, reporting whether it was stored.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// DeleteIfOwner removes key only while it still holds token.
	DeleteIfOwner(ctx context.Context, key, token string) (bool, error)
	// ExtendIfOwner resets the TTL of key only while it still holds token.
	ExtendIfOwner(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Handle proves ownership of a lock acquisition. It is a plain value; two
// handles are equal when they describe the same acquisition.
type Handle struct {
	Name      string
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the lease is still running at now.
func (h Handle) Valid(now time.Time) bool {
	return h.Token != "" && now.Before(h.ExpiresAt)
}

// Manager hands out leases on named locks.
type Manager struct {
	backend  Backend
	prefix   string
	now      func() time.Time
	newToken func() string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*Manager)

// WithPrefix namespaces every lock name in the backend.
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// WithClock replaces time.Now for lease bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend:  backend,
		prefix:   defaultPrefix,
		now:      time.Now,
		newToken: uuid.NewString,
		logger:   slog.Default().With("component", "lock-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the named lock for lease. It fails immediately with
// ErrLockBusy while another valid lease exists, including one held by the
// same caller: locks are not reentrant.
func (m *Manager) Acquire(ctx context.Context, name string, lease time.Duration) (Handle, error) {
	if name == "" {
		return Handle{}, fmt.Errorf("%w: lock name is required", apperrors.ErrInvalidInput)
	}
	if lease <= 0 {
		return Handle{}, fmt.Errorf("%w: lease must be positive, got %v", apperrors.ErrInvalidInput, lease)
	}
	token := m.newToken()
	// Read the clock before the round trip so the local expiry never runs
	// past the store's.
	start := m.now()
	ok, err := m.backend.SetIfAbsent(ctx, m.key(name), token, lease)
	if err != nil {
		m.metrics.LockAcquired("error")
		return Handle{}, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	if !ok {
		m.metrics.LockAcquired("busy")
		return Handle{}, fmt.Errorf("acquiring lock %s: %w", name, apperrors.ErrLockBusy)
	}
	m.metrics.LockAcquired("acquired")
	m.logger.Debug("lock acquired", "lock", name, "lease", lease)
	return Handle{Name: name, Token: token, ExpiresAt: start.Add(lease)}, nil
}

// Release gives the lock back. It fails with ErrLockNotHeld when the handle
// no longer owns the name, typically because the lease expired and another
// caller took it.
func (m *Manager) Release(ctx context.Context, h Handle) error {
	ok, err := m.backend.DeleteIfOwner(ctx, m.key(h.Name), h.Token)
	if err != nil {
		m.metrics.LockReleased("error")
		return fmt.Errorf("releasing lock %s: %w", h.Name, err)
	}
	if !ok {
		m.metrics.LockReleased("not_held")
		m.logger.Warn("release of lock not held", "lock", h.Name, "expired_at", h.ExpiresAt)
		return fmt.Errorf("releasing lock %s: %w", h.Name, apperrors.ErrLockNotHeld)
	}
	m.metrics.LockReleased("released")
	m.logger.Debug("lock released", "lock", h.Name)
	return nil
}

// Renew extends a live lease to now+extension and returns the updated
// handle. A lapsed or lost lease fails with ErrLockExpired.
func (m *Manager) Renew(ctx context.Context, h Handle, extension time.Duration) (Handle, error) {
	if extension <= 0 {
		return Handle{}, fmt.Errorf("%w: extension must be positive, got %v", apperrors.ErrInvalidInput, extension)
	}
	start := m.now()
	if !h.Valid(start) {
		return Handle{}, fmt.Errorf("renewing lock %s: %w", h.Name, apperrors.ErrLockExpired)
	}
	ok, err := m.backend.ExtendIfOwner(ctx, m.key(h.Name), h.Token, extension)
	if err != nil {
		return Handle{}, fmt.Errorf("renewing lock %s: %w", h.Name, err)
	}
	if !ok {
		return Handle{}, fmt.Errorf("renewing lock %s: %w", h.Name, apperrors.ErrLockExpired)
	}
	h.ExpiresAt = start.Add(extension)
	return h, nil
}

// WithLock acquires name, runs fn, and releases on every exit path,
// including panics and a cancelled ctx. fn's context ends when the lease
// does. A failed release is logged, not returned: fn's outcome stands.
func (m *Manager) WithLock(ctx context.Context, name string, lease time.Duration, fn func(ctx context.Context, h Handle) error) error {
	h, err := m.Acquire(ctx, name, lease)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := m.Release(releaseCtx, h); err != nil {
			m.logger.Error("scoped release failed", "lock", name, "error", err)
		}
	}()

	leaseCtx, cancel := context.WithDeadline(ctx, h.ExpiresAt)
	defer cancel()
	return fn(leaseCtx, h)
}

// AcquireWithRetry retries Acquire with exponential backoff while the lock
// is busy. Attempts are bounded by cfg.MaxAttempts and ctx.
func AcquireWithRetry(ctx context.Context, m *Manager, name string, lease time.Duration, cfg resilience.RetryConfig) (Handle, error) {
	var h Handle
	err := resilience.RetryIf(ctx, "acquire "+name, cfg,
		func(err error) bool { return errors.Is(err, apperrors.ErrLockBusy) },
		func() error {
			var err error
			h, err = m.Acquire(ctx, name, lease)
			return err
		})
	if err != nil {
		return Handle{}, err
	}
	return h, nil
}

func (m *Manager) key(name string) string {
	return m.prefix + name
}

// IndexKey names the lock serializing index synchronization of one entity.
func IndexKey(entityID int64) string {
	return "index:" + strconv.FormatInt(entityID, 10)
}

// BookingKey names the lock guarding reservation of one accommodation for
// one date range. Dates are rendered as calendar days in UTC.
func BookingKey(accommodationID int64, checkIn, checkOut time.Time) string {
	return fmt.Sprintf("booking:%d:%s:%s",
		accommodationID,
		checkIn.UTC().Format(time.DateOnly),
		checkOut.UTC().Format(time.DateOnly),
	)
}
