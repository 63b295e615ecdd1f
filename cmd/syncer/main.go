// Command syncer keeps the Elasticsearch accommodation index in step with
// PostgreSQL.
//
// It consumes the accommodation, review-summary and reservation event topics
// plus the retry topic, and synchronizes each event's accommodation under its
// index lock on a sharded worker pool. Events that still fail after retries
// go to the retry topic. If even that fails, the consumer stops before the
// failed offset and the syncer exits non-zero so the group redelivers it.
// With -rebuild it instead walks every accommodation once, prunes orphaned
// documents, and exits.
//
// Usage:
//
//	go run ./cmd/syncer [-config configs/development.yaml] [-rebuild]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/indexsync"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/projector"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/redis"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	rebuild := flag.Bool("rebuild", false, "synchronize every accommodation once and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, *rebuild); err != nil {
		slog.Error("syncer failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, rebuild bool) error {
	slog.Info("starting syncer", "rebuild", rebuild, "workers", cfg.Sync.Workers, "index", cfg.Elasticsearch.Index)
	m := metrics.New(prometheus.DefaultRegisterer)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()

	rdb, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	es, err := index.NewElastic(cfg.Elasticsearch, index.WithMetrics(m))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := es.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("preparing index: %w", err)
	}

	pager, err := paginator.New(paginator.ConfigFrom(cfg.Pagination))
	if err != nil {
		return err
	}
	primary := store.New(db, nil)
	cache := index.NewCachedReader(es, rdb, cfg.Redis.CacheTTL, m)
	locks := lock.NewManager(lock.NewRedisBackend(rdb), lock.WithPrefix(cfg.Lock.Prefix), lock.WithMetrics(m))
	coord := indexsync.New(locks, projector.New(primary),
		index.InvalidatingWriter{Writer: es, Cache: cache},
		indexsync.ConfigFrom(cfg.Lock, cfg.Sync, cfg.Pagination),
		indexsync.WithMetrics(m),
		indexsync.WithReader(es),
		indexsync.WithIDSource(primary.AccommodationIDs, pager),
	)

	if rebuild {
		stats, err := coord.Rebuild(ctx, cfg.Sync.RebuildConcurrency)
		slog.Info("rebuild complete",
			"scanned", stats.Scanned, "synced", stats.Synced, "pruned", stats.Pruned,
			"busy", stats.Busy, "failed", stats.Failed, "elapsed", stats.Elapsed)
		return err
	}

	checker := health.NewChecker(5 * time.Second)
	checker.Register("postgres", health.PingCheck(db, true))
	checker.Register("redis", health.PingCheck(rdb, true))
	checker.Register("elasticsearch", health.PingCheck(es, true))
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/health/live":  checker.LiveHandler(),
			"/health/ready": checker.ReadyHandler(),
		})
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	dispatcher := events.NewDispatcher()
	dispatcher.Register(events.FamilyAccommodation, coord.Handle)
	dispatcher.Register(events.FamilyReviewSummary, coord.Handle)
	dispatcher.Register(events.FamilyReservation, coord.Handle)

	pool := events.NewPool(dispatcher.Dispatch, events.PoolConfigFrom(cfg.Sync), events.WithPoolMetrics(m))
	requeue := events.NewRetryPublisher(cfg.Kafka)
	defer requeue.Close()
	handle := events.MessageHandler(pool, requeue, m)

	topics := cfg.Kafka.Topics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	for _, topic := range []string{topics.AccommodationEvents, topics.ReviewEvents, topics.ReservationEvents, topics.IndexRetry} {
		consumer := kafka.NewConsumer(cfg.Kafka, topic, handle, kafka.WithWindow(cfg.Sync.Workers))
		g.Go(func() error { return consumer.Start(gctx) })
	}
	slog.Info("syncer ready", "group", cfg.Kafka.ConsumerGroup)

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("syncer stopped")
	return err
}
