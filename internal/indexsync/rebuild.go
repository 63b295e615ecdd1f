package indexsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrRebuildIncomplete is returned when some entities could not be
// synchronized. The counts are in the accompanying RebuildStats.
var ErrRebuildIncomplete = errors.New("rebuild incomplete")

type RebuildStats struct {
	Scanned int64 `json:"scanned"`
	Synced  int64 `json:"synced"`
	// Pruned counts indexed ids missing from the store scan that were
	// handled afterwards.
	Pruned  int64         `json:"pruned"`
	Busy    int64         `json:"busy"`
	Failed  int64         `json:"failed"`
	Elapsed time.Duration `json:"elapsed"`
}

type rebuildCounters struct {
	scanned, synced, pruned, busy, failed atomic.Int64
}

func (c *rebuildCounters) stats(elapsed time.Duration) RebuildStats {
	return RebuildStats{
		Scanned: c.scanned.Load(),
		Synced:  c.synced.Load(),
		Pruned:  c.pruned.Load(),
		Busy:    c.busy.Load(),
		Failed:  c.failed.Load(),
		Elapsed: elapsed,
	}
}

// Rebuild synchronizes every accommodation in the primary store, at most
// concurrency at a time, each under its own lock. Ids whose lock is busy
// are counted and skipped: the holder is already synchronizing them. With
// an index reader configured, documents whose accommodation no longer
// exists are then removed.
func (c *Coordinator) Rebuild(ctx context.Context, concurrency int) (RebuildStats, error) {
	if c.ids == nil || c.pager == nil {
		return RebuildStats{}, fmt.Errorf("%w: coordinator has no id source", apperrors.ErrInternal)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	start := time.Now()
	log := c.logger.With("op", "rebuild")
	log.Info("rebuild started", "concurrency", concurrency)

	var (
		counters rebuildCounters
		seenMu   sync.Mutex
		seen     = make(map[int64]struct{})
	)
	track := c.reader != nil

	syncOne := func(ctx context.Context, id int64) error {
		err := c.Synchronize(ctx, id)
		switch {
		case err == nil:
			counters.synced.Add(1)
		case errors.Is(err, apperrors.ErrLockBusy):
			counters.busy.Add(1)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			counters.failed.Add(1)
			log.Warn("entity not synchronized", "entity_id", id, "error", err)
		}
		return nil
	}

	err := paginator.Walk(ctx, c.pager, c.cfg.PageSize, paginator.Asc, c.ids,
		func(id int64) int64 { return id },
		func(batch []int64) error {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(concurrency)
			for _, id := range batch {
				counters.scanned.Add(1)
				if track {
					seenMu.Lock()
					seen[id] = struct{}{}
					seenMu.Unlock()
				}
				g.Go(func() error { return syncOne(gctx, id) })
			}
			return g.Wait()
		})
	if err != nil {
		stats := counters.stats(time.Since(start))
		return stats, fmt.Errorf("rebuild scan: %w", err)
	}

	if track {
		if err := c.prune(ctx, seen, &counters); err != nil {
			return counters.stats(time.Since(start)), fmt.Errorf("rebuild prune: %w", err)
		}
	}

	stats := counters.stats(time.Since(start))
	log.Info("rebuild finished",
		"scanned", stats.Scanned,
		"synced", stats.Synced,
		"pruned", stats.Pruned,
		"busy", stats.Busy,
		"failed", stats.Failed,
		"elapsed", stats.Elapsed,
	)
	if stats.Failed > 0 {
		return stats, fmt.Errorf("%w: %d of %d entities failed", ErrRebuildIncomplete, stats.Failed, stats.Scanned)
	}
	return stats, nil
}

// prune re-synchronizes indexed ids the store scan did not see. For an
// accommodation that is really gone that turns into a delete; one created
// after the scan started is simply written.
func (c *Coordinator) prune(ctx context.Context, seen map[int64]struct{}, counters *rebuildCounters) error {
	return paginator.Walk(ctx, c.pager, c.cfg.PageSize, paginator.Asc, c.reader.ListAfter,
		func(d index.Document) int64 { return d.ID },
		func(batch []index.Document) error {
			for _, d := range batch {
				if _, ok := seen[d.ID]; ok {
					continue
				}
				err := c.Synchronize(ctx, d.ID)
				switch {
				case err == nil:
					counters.pruned.Add(1)
				case errors.Is(err, apperrors.ErrLockBusy):
					counters.busy.Add(1)
				case ctx.Err() != nil:
					return ctx.Err()
				default:
					counters.failed.Add(1)
					c.logger.Warn("orphan not pruned", "entity_id", d.ID, "error", err)
				}
			}
			return nil
		})
}
