package index

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

type countingReader struct {
	mu    sync.Mutex
	docs  map[int64]Document
	gets  atomic.Int32
	delay time.Duration
}

func (r *countingReader) Get(_ context.Context, id int64) (Document, error) {
	r.gets.Add(1)
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return Document{}, apperrors.ErrDocumentNotFound
	}
	return d, nil
}

func (r *countingReader) ListAfter(context.Context, paginator.Query) ([]Document, error) {
	return nil, nil
}

func (r *countingReader) Upsert(_ context.Context, d Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[d.ID] = d
	return nil
}

func (r *countingReader) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

func newTestCache(t *testing.T, next Reader) (*CachedReader, *miniredis.Miniredis, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	m := metrics.New(prometheus.NewRegistry())
	return NewCachedReader(next, client, time.Minute, m), mr, m
}

func TestCachedReaderReadsThrough(t *testing.T) {
	backend := &countingReader{docs: map[int64]Document{1: sampleDoc(1)}}
	c, mr, m := newTestCache(t, backend)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := c.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, sampleDoc(1), d)
	}
	assert.Equal(t, int32(1), backend.gets.Load())
	assert.True(t, mr.Exists("doc:1"))
	assert.Equal(t, time.Minute, mr.TTL("doc:1"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHitsTotal))

	_, err := c.Get(ctx, 99)
	require.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
	assert.False(t, mr.Exists("doc:99"), "misses are not cached")
}

func TestCachedReaderCollapsesConcurrentMisses(t *testing.T) {
	backend := &countingReader{docs: map[int64]Document{2: sampleDoc(2)}, delay: 20 * time.Millisecond}
	c, _, _ := newTestCache(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), backend.gets.Load())
}

func TestInvalidatingWriterEvicts(t *testing.T) {
	backend := &countingReader{docs: map[int64]Document{3: sampleDoc(3)}}
	c, mr, _ := newTestCache(t, backend)
	w := InvalidatingWriter{Writer: backend, Cache: c}
	ctx := context.Background()

	_, err := c.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, mr.Exists("doc:3"))

	renamed := sampleDoc(3)
	renamed.Name = "Renamed"
	require.NoError(t, w.Upsert(ctx, renamed))
	assert.False(t, mr.Exists("doc:3"))

	got, err := c.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)

	require.NoError(t, w.Delete(ctx, 3))
	_, err = c.Get(ctx, 3)
	require.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
}

// pausingReader holds its first read after fetching the document until
// release is closed.
type pausingReader struct {
	*countingReader
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (r *pausingReader) Get(ctx context.Context, id int64) (Document, error) {
	d, err := r.countingReader.Get(ctx, id)
	r.once.Do(func() {
		close(r.read)
		<-r.release
	})
	return d, err
}

func TestCachedReaderDropsFillThatRacedADelete(t *testing.T) {
	backend := &pausingReader{
		countingReader: &countingReader{docs: map[int64]Document{6: sampleDoc(6)}},
		read:           make(chan struct{}),
		release:        make(chan struct{}),
	}
	c, mr, _ := newTestCache(t, backend)
	w := InvalidatingWriter{Writer: backend, Cache: c}
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, 6)
		first <- err
	}()
	<-backend.read

	require.NoError(t, w.Delete(ctx, 6))
	close(backend.release)
	require.NoError(t, <-first)

	assert.False(t, mr.Exists("doc:6"), "document read before the delete was cached")
	_, err := c.Get(ctx, 6)
	require.ErrorIs(t, err, apperrors.ErrDocumentNotFound)
}

func TestInvalidateAdvancesGeneration(t *testing.T) {
	backend := &countingReader{docs: map[int64]Document{4: sampleDoc(4)}}
	c, mr, _ := newTestCache(t, backend)
	ctx := context.Background()

	c.Invalidate(ctx, 4)
	c.Invalidate(ctx, 4)
	gen, err := mr.Get("docgen:4")
	require.NoError(t, err)
	assert.Equal(t, "2", gen)

	_, err = c.Get(ctx, 4)
	require.NoError(t, err)
	assert.True(t, mr.Exists("doc:4"), "fills after the last invalidate are cached")
}
