package indexsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// primary models the store: the projection of each existing accommodation.
type primary struct {
	mu    sync.Mutex
	docs  map[int64]index.Document
	calls atomic.Int32
}

func (p *primary) Project(_ context.Context, id int64) (index.Document, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.docs[id]
	if !ok {
		return index.Document{}, fmt.Errorf("accommodation %d: %w", id, apperrors.ErrEntityGone)
	}
	d.Amenities = cloneAmenities(d.Amenities)
	return d, nil
}

func (p *primary) set(d index.Document) {
	p.mu.Lock()
	p.docs[d.ID] = d
	p.mu.Unlock()
}

func (p *primary) drop(id int64) {
	p.mu.Lock()
	delete(p.docs, id)
	p.mu.Unlock()
}

func (p *primary) IDs(_ context.Context, q paginator.Query) ([]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []int64
	for id := range p.docs {
		if id > q.After {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

// memIndex is an in-memory index.Writer and index.Reader. upsertErrs are
// returned, in order, by the next Upsert calls.
type memIndex struct {
	mu         sync.Mutex
	docs       map[int64]index.Document
	upsertErrs []error
	writes     int
}

func (m *memIndex) Upsert(_ context.Context, d index.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if len(m.upsertErrs) > 0 {
		err := m.upsertErrs[0]
		m.upsertErrs = m.upsertErrs[1:]
		if err != nil {
			return err
		}
	}
	m.docs[d.ID] = d
	return nil
}

func (m *memIndex) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	delete(m.docs, id)
	return nil
}

func (m *memIndex) Get(_ context.Context, id int64) (index.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return index.Document{}, apperrors.ErrDocumentNotFound
	}
	return d, nil
}

func (m *memIndex) ListAfter(_ context.Context, q paginator.Query) ([]index.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []index.Document
	for id, d := range m.docs {
		if id > q.After {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memIndex) ids() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func cloneAmenities(a map[index.AmenityType]int) map[index.AmenityType]int {
	out := index.ZeroAmenities()
	for k, v := range a {
		out[k] = v
	}
	return out
}

func accommodation(id int64) index.Document {
	rating := 4.0
	a := index.ZeroAmenities()
	a[index.AmenityWiFi] = 1
	return index.Document{
		ID:            id,
		Name:          fmt.Sprintf("Accommodation %d", id),
		ThumbnailURL:  fmt.Sprintf("https://img/%d.jpg", id),
		AverageRating: &rating,
		Amenities:     a,
	}
}

type harness struct {
	coord   *Coordinator
	locks   *lock.Manager
	store   *primary
	index   *memIndex
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr(), PoolSize: 32})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	h := &harness{
		locks:   lock.NewManager(lock.NewRedisBackend(client)),
		store:   &primary{docs: map[int64]index.Document{}},
		index:   &memIndex{docs: map[int64]index.Document{}},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	pager, err := paginator.New(paginator.Config{DefaultSize: 4, MaxSize: 4, SizeParam: "size", CursorParam: "cursor"})
	require.NoError(t, err)
	if cfg.PageSize == 0 {
		cfg.PageSize = 4
	}
	h.coord = New(h.locks, h.store, h.index, cfg,
		WithMetrics(h.metrics),
		WithReader(h.index),
		WithIDSource(h.store.IDs, pager),
	)
	return h
}

func TestSynchronizeWritesProjection(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.set(accommodation(7))
	ctx := context.Background()

	require.NoError(t, h.coord.Synchronize(ctx, 7))
	first, err := h.index.Get(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, h.coord.Synchronize(ctx, 7))
	second, err := h.index.Get(ctx, 7)
	require.NoError(t, err)

	a, err := first.Canonical()
	require.NoError(t, err)
	b, err := second.Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	ok, err := h.coord.Verify(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.SyncTotal.WithLabelValues("upsert", "ok")))
}

func TestDeletionEventRemovesDocument(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.set(accommodation(3))
	ctx := context.Background()

	require.NoError(t, h.coord.Handle(ctx, events.Event{Kind: events.AccommodationCreated, EntityID: 3}))
	h.store.drop(3)
	require.NoError(t, h.coord.Handle(ctx, events.Event{Kind: events.AccommodationDeleted, EntityID: 3}))

	_, err := h.index.Get(ctx, 3)
	require.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
	assert.Equal(t, int32(1), h.store.calls.Load(), "deletions skip projection")

	require.NoError(t, h.coord.Remove(ctx, 3), "removing an absent document succeeds")

	ok, err := h.coord.Verify(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGoneEntityBecomesDelete(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.index.Upsert(ctx, accommodation(5)))

	err := h.coord.Handle(ctx, events.Event{Kind: events.ReviewSummaryChanged, EntityID: 5})
	require.NoError(t, err)

	_, err = h.index.Get(ctx, 5)
	require.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SyncTotal.WithLabelValues("delete", "ok")))
}

func TestBusyLockWritesNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.set(accommodation(9))
	ctx := context.Background()

	held, err := h.locks.Acquire(ctx, lock.IndexKey(9), time.Minute)
	require.NoError(t, err)

	err = h.coord.Synchronize(ctx, 9)
	require.ErrorIs(t, err, apperrors.ErrLockBusy)
	assert.Zero(t, h.store.calls.Load())
	assert.Empty(t, h.index.ids())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SyncTotal.WithLabelValues("upsert", "busy")))

	require.NoError(t, h.locks.Release(ctx, held))
	require.NoError(t, h.coord.Synchronize(ctx, 9))
}

func TestLockReleasedAfterFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.set(accommodation(11))
	h.index.upsertErrs = []error{fmt.Errorf("cluster red: %w", apperrors.ErrIndexUnavailable)}
	ctx := context.Background()

	err := h.coord.Synchronize(ctx, 11)
	require.ErrorIs(t, err, apperrors.ErrIndexUnavailable)

	hd, err := h.locks.Acquire(ctx, lock.IndexKey(11), time.Second)
	require.NoError(t, err, "lock must be free once the failure surfaces")
	require.NoError(t, h.locks.Release(ctx, hd))
}

func TestVersionConflictReprojects(t *testing.T) {
	conflict := fmt.Errorf("put: %w", apperrors.ErrVersionConflict)

	t.Run("within bound", func(t *testing.T) {
		h := newHarness(t, Config{ConflictRetries: 3})
		h.store.set(accommodation(4))
		h.index.upsertErrs = []error{conflict, conflict}

		require.NoError(t, h.coord.Synchronize(context.Background(), 4))
		assert.Equal(t, int32(3), h.store.calls.Load(), "each attempt re-reads current state")
		assert.Equal(t, []int64{4}, h.index.ids())
	})

	t.Run("bound exhausted", func(t *testing.T) {
		h := newHarness(t, Config{ConflictRetries: 1})
		h.store.set(accommodation(4))
		h.index.upsertErrs = []error{conflict, conflict, conflict}

		err := h.coord.Synchronize(context.Background(), 4)
		require.ErrorIs(t, err, apperrors.ErrVersionConflict)
		assert.Equal(t, int32(2), h.store.calls.Load())
	})
}

func TestHandleRejectsInvalidEvent(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.coord.Handle(context.Background(), events.Event{Kind: "Bogus", EntityID: 1})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestVerifyDetectsDrift(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.set(accommodation(2))
	ctx := context.Background()

	ok, err := h.coord.Verify(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok, "missing document")

	require.NoError(t, h.coord.Synchronize(ctx, 2))
	renamed := accommodation(2)
	renamed.Name = "Renamed"
	h.store.set(renamed)

	ok, err = h.coord.Verify(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	h.store.drop(2)
	ok, err = h.coord.Verify(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok, "stale document for a gone accommodation")
}

func TestRebuild(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	var want []int64
	for id := int64(1); id <= 25; id++ {
		h.store.set(accommodation(id))
		want = append(want, id)
	}
	require.NoError(t, h.index.Upsert(ctx, accommodation(99)))

	stats, err := h.coord.Rebuild(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(25), stats.Scanned)
	assert.Equal(t, int64(25), stats.Synced)
	assert.Equal(t, int64(1), stats.Pruned)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, want, h.index.ids())

	for _, id := range []int64{1, 13, 25} {
		ok, err := h.coord.Verify(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "entity %d", id)
	}
}

func TestRebuildCountsBusyAndFailed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		h.store.set(accommodation(id))
	}
	held, err := h.locks.Acquire(ctx, lock.IndexKey(2), time.Minute)
	require.NoError(t, err)
	defer func() { _ = h.locks.Release(ctx, held) }()
	h.index.upsertErrs = []error{errors.New("mapping rejected")}

	stats, err := h.coord.Rebuild(ctx, 1)
	require.ErrorIs(t, err, ErrRebuildIncomplete)
	assert.Equal(t, int64(3), stats.Scanned)
	assert.Equal(t, int64(1), stats.Busy)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Synced)
}

func TestRebuildWithoutSource(t *testing.T) {
	c := New(nil, nil, nil, Config{})
	_, err := c.Rebuild(context.Background(), 2)
	require.ErrorIs(t, err, apperrors.ErrInternal)
}
