package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/redis"
	"golang.org/x/sync/singleflight"
)

// generationTTL outlives any backend read, so a fill never compares
// against a counter that expired while it was in flight.
const generationTTL = 24 * time.Hour

// CachedReader is a Redis read-through cache in front of a Reader for
// single-document lookups. Concurrent misses for one id share one backend
// read. Listings are not cached.
//
// Every id has a generation counter that Invalidate advances. A fill is
// stored only if the counter has not moved since before its backend read,
// so a read racing a write cannot leave the old document cached.
type CachedReader struct {
	next    Reader
	client  *pkgredis.Client
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewCachedReader(next Reader, client *pkgredis.Client, ttl time.Duration, m *metrics.Metrics) *CachedReader {
	return &CachedReader{
		next:    next,
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "document-cache"),
	}
}

func (c *CachedReader) Get(ctx context.Context, id int64) (Document, error) {
	if d, ok := c.lookup(ctx, id); ok {
		return d, nil
	}
	key := cacheKey(id)
	v, err, _ := c.group.Do(key, func() (any, error) {
		if d, ok := c.lookup(ctx, id); ok {
			return d, nil
		}
		gen, genErr := c.client.Generation(ctx, generationKey(id))
		d, err := c.next.Get(ctx, id)
		if err != nil {
			return Document{}, err
		}
		if genErr != nil {
			c.logger.Error("cache generation read failed, not caching", "entity_id", id, "error", genErr)
			return d, nil
		}
		c.store(ctx, d, gen)
		return d, nil
	})
	if err != nil {
		return Document{}, err
	}
	return v.(Document), nil
}

func (c *CachedReader) ListAfter(ctx context.Context, q paginator.Query) ([]Document, error) {
	return c.next.ListAfter(ctx, q)
}

// Invalidate drops the cached copy of id and refuses fills that started
// before it. Cache failures are logged only: the entry expires after the
// TTL regardless.
func (c *CachedReader) Invalidate(ctx context.Context, id int64) {
	if err := c.client.DeleteAndBump(ctx, cacheKey(id), generationKey(id), generationTTL); err != nil {
		c.logger.Warn("cache invalidate failed", "entity_id", id, "error", err)
	}
}

func (c *CachedReader) lookup(ctx context.Context, id int64) (Document, bool) {
	data, err := c.client.Get(ctx, cacheKey(id))
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "entity_id", id, "error", err)
		}
		c.metrics.CacheLookup(false)
		return Document{}, false
	}
	var d Document
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		c.logger.Error("cache unmarshal failed", "entity_id", id, "error", err)
		c.metrics.CacheLookup(false)
		return Document{}, false
	}
	c.metrics.CacheLookup(true)
	return d, true
}

func (c *CachedReader) store(ctx context.Context, d Document, gen string) {
	data, err := d.Canonical()
	if err != nil {
		c.logger.Error("cache marshal failed", "entity_id", d.ID, "error", err)
		return
	}
	stored, err := c.client.SetIfGeneration(ctx, cacheKey(d.ID), generationKey(d.ID), gen, data, c.ttl)
	if err != nil {
		c.logger.Error("cache set failed", "entity_id", d.ID, "error", err)
		return
	}
	if !stored {
		c.logger.Debug("cache fill dropped, document changed during read", "entity_id", d.ID)
	}
}

// InvalidatingWriter wraps a Writer and evicts the cached copy after every
// write attempt. A failed write may still have reached the index.
type InvalidatingWriter struct {
	Writer
	Cache *CachedReader
}

func (w InvalidatingWriter) Upsert(ctx context.Context, d Document) error {
	err := w.Writer.Upsert(ctx, d)
	w.Cache.Invalidate(ctx, d.ID)
	return err
}

func (w InvalidatingWriter) Delete(ctx context.Context, id int64) error {
	err := w.Writer.Delete(ctx, id)
	w.Cache.Invalidate(ctx, id)
	return err
}

func cacheKey(id int64) string {
	return fmt.Sprintf("doc:%d", id)
}

func generationKey(id int64) string {
	return fmt.Sprintf("docgen:%d", id)
}
