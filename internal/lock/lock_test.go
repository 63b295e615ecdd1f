package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/resilience"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 32})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	clock := &fakeClock{now: time.Now()}
	return NewManager(NewRedisBackend(client), WithClock(clock.Now)), mr, clock
}

// advance moves both the store's TTLs and the manager's clock.
func advance(mr *miniredis.Miniredis, clock *fakeClock, d time.Duration) {
	mr.FastForward(d)
	clock.Advance(d)
}

func TestConcurrentAcquireIsExclusive(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	const callers = 16
	var (
		wg       sync.WaitGroup
		acquired atomic.Int32
		busy     atomic.Int32
		winner   Handle
		winnerMu sync.Mutex
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := m.Acquire(ctx, IndexKey(7), time.Minute)
			switch {
			case err == nil:
				acquired.Add(1)
				winnerMu.Lock()
				winner = h
				winnerMu.Unlock()
			case errors.Is(err, apperrors.ErrLockBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
	assert.Equal(t, int32(callers-1), busy.Load())

	_, err := m.Acquire(ctx, IndexKey(7), time.Minute)
	require.ErrorIs(t, err, apperrors.ErrLockBusy)

	require.NoError(t, m.Release(ctx, winner))
	_, err = m.Acquire(ctx, IndexKey(7), time.Minute)
	require.NoError(t, err)
}

func TestDistinctNamesDoNotContend(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, IndexKey(1), time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, IndexKey(2), time.Minute)
	require.NoError(t, err)
}

func TestAcquireIsNotReentrant(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "index:3", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "index:3", time.Minute)
	require.ErrorIs(t, err, apperrors.ErrLockBusy)
}

func TestLeaseExpiryMakesLockReclaimable(t *testing.T) {
	m, mr, clock := newTestManager(t)
	ctx := context.Background()

	crashed, err := m.Acquire(ctx, "index:9", 5*time.Second)
	require.NoError(t, err)

	advance(mr, clock, 4*time.Second)
	_, err = m.Acquire(ctx, "index:9", 5*time.Second)
	require.ErrorIs(t, err, apperrors.ErrLockBusy, "lock must stay held before the lease elapses")
	assert.True(t, crashed.Valid(clock.Now()))

	advance(mr, clock, 2*time.Second)
	assert.False(t, crashed.Valid(clock.Now()))
	next, err := m.Acquire(ctx, "index:9", 5*time.Second)
	require.NoError(t, err)

	// The crashed holder cannot release or renew what it lost.
	require.ErrorIs(t, m.Release(ctx, crashed), apperrors.ErrLockNotHeld)
	_, err = m.Renew(ctx, crashed, time.Minute)
	require.ErrorIs(t, err, apperrors.ErrLockExpired)

	require.NoError(t, m.Release(ctx, next))
}

func TestReleaseTwiceFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "index:4", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, h))
	require.ErrorIs(t, m.Release(ctx, h), apperrors.ErrLockNotHeld)
}

func TestRenewExtendsLease(t *testing.T) {
	m, mr, clock := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "index:5", 5*time.Second)
	require.NoError(t, err)

	advance(mr, clock, 3*time.Second)
	renewed, err := m.Renew(ctx, h, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("lock:index:5"))
	assert.Equal(t, clock.Now().Add(30*time.Second), renewed.ExpiresAt)
	assert.Equal(t, h.Token, renewed.Token)

	advance(mr, clock, 10*time.Second)
	_, err = m.Acquire(ctx, "index:5", time.Second)
	require.ErrorIs(t, err, apperrors.ErrLockBusy)
}

func TestRenewFailsWhenOwnershipLost(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "index:6", time.Minute)
	require.NoError(t, err)
	require.NoError(t, mr.Set("lock:index:6", "someone-else"))

	_, err = m.Renew(ctx, h, time.Minute)
	require.ErrorIs(t, err, apperrors.ErrLockExpired)
}

func TestAcquireValidatesInput(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Acquire(context.Background(), "", time.Second)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = m.Acquire(context.Background(), "x", 0)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestWithLockReleasesOnEveryPath(t *testing.T) {
	m, mr, _ := newTestManager(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithLock(ctx, "index:10", time.Minute, func(ctx context.Context, h Handle) error {
		assert.True(t, mr.Exists("lock:index:10"))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:index:10"), "lock must be released after an error")

	assert.Panics(t, func() {
		_ = m.WithLock(ctx, "index:10", time.Minute, func(ctx context.Context, h Handle) error {
			panic("projection exploded")
		})
	})
	assert.False(t, mr.Exists("lock:index:10"), "lock must be released after a panic")

	cancelCtx, cancel := context.WithCancel(ctx)
	err = m.WithLock(cancelCtx, "index:10", time.Minute, func(ctx context.Context, h Handle) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, mr.Exists("lock:index:10"), "lock must be released after cancellation")
}

func TestWithLockBusyRunsNothing(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "index:11", time.Minute)
	require.NoError(t, err)

	ran := false
	err = m.WithLock(ctx, "index:11", time.Minute, func(ctx context.Context, h Handle) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, apperrors.ErrLockBusy)
	assert.False(t, ran)
}

func TestWithLockBoundsWorkByLease(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.WithLock(context.Background(), "index:12", time.Minute, func(ctx context.Context, h Handle) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		assert.Equal(t, h.ExpiresAt, deadline)
		return nil
	})
	require.NoError(t, err)
}

func TestAcquireWithRetry(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "booking:1", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = m.Release(context.Background(), held)
	}()

	h, err := AcquireWithRetry(ctx, m, "booking:1", time.Minute, resilience.RetryConfig{
		MaxAttempts:  50,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.NotEqual(t, held.Token, h.Token)
}

func TestAcquireWithRetryIsBounded(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "booking:2", time.Minute)
	require.NoError(t, err)

	_, err = AcquireWithRetry(ctx, m, "booking:2", time.Minute, resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	})
	require.ErrorIs(t, err, apperrors.ErrLockBusy)
}

type failingBackend struct{ err error }

func (b failingBackend) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, b.err
}
func (b failingBackend) DeleteIfOwner(context.Context, string, string) (bool, error) {
	return false, b.err
}
func (b failingBackend) ExtendIfOwner(context.Context, string, string, time.Duration) (bool, error) {
	return false, b.err
}

func TestBackendErrorIsNotBusy(t *testing.T) {
	down := errors.New("connection refused")
	m := NewManager(failingBackend{err: down})

	_, err := m.Acquire(context.Background(), "index:1", time.Second)
	require.ErrorIs(t, err, down)
	assert.False(t, errors.Is(err, apperrors.ErrLockBusy))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "index:42", IndexKey(42))
	in := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	out := time.Date(2026, 3, 4, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, "booking:7:2026-03-01:2026-03-04", BookingKey(7, in, out))
}
