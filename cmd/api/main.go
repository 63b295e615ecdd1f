// Command api serves the accommodation HTTP API.
//
// Writes go to PostgreSQL and publish domain events for the syncer. Reads
// come from the Elasticsearch index through the Redis document cache.
// Reservations are guarded by the distributed booking lock.
//
// Usage:
//
//	go run ./cmd/api [-config configs/development.yaml] [-migrate]
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

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/api/handler"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/api/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/api/router"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/booking"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/indexsync"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/projector"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/redis"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	migrate := flag.Bool("migrate", false, "create missing tables before serving")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, *migrate); err != nil {
		slog.Error("api failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, migrate bool) error {
	slog.Info("starting api service", "port", cfg.Server.Port)
	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	publisher := events.NewKafkaPublisher(cfg.Kafka)
	defer publisher.Close()

	primary := store.New(db, publisher)
	if migrate {
		if err := primary.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := es.EnsureIndex(ctx); err != nil {
			return err
		}
	}

	pager, err := paginator.New(paginator.ConfigFrom(cfg.Pagination))
	if err != nil {
		return err
	}
	cache := index.NewCachedReader(es, rdb, cfg.Redis.CacheTTL, m)
	locks := lock.NewManager(lock.NewRedisBackend(rdb), lock.WithPrefix(cfg.Lock.Prefix), lock.WithMetrics(m))
	coord := indexsync.New(locks, projector.New(primary),
		index.InvalidatingWriter{Writer: es, Cache: cache},
		indexsync.ConfigFrom(cfg.Lock, cfg.Sync, cfg.Pagination),
		indexsync.WithMetrics(m),
		indexsync.WithReader(es),
		indexsync.WithIDSource(primary.AccommodationIDs, pager),
	)

	checker := health.NewChecker(5 * time.Second)
	checker.Register("postgres", health.PingCheck(db, true))
	checker.Register("elasticsearch", health.PingCheck(es, true))
	checker.Register("redis", health.PingCheck(rdb, false))

	limiter := ratelimit.New(cfg.Server.RateLimit, cfg.Server.RateLimitWindow)
	go limiter.Run(ctx, 5*time.Minute)

	h := handler.New(handler.Deps{
		Documents:          cache,
		Accommodations:     primary,
		Bookings:           booking.NewService(locks, primary, cfg.Lock.BookingLease, cfg.Server.RequestTimeout),
		Sync:               coord,
		Pager:              pager,
		Background:         ctx,
		RebuildConcurrency: cfg.Sync.RebuildConcurrency,
	})
	chain := router.New(h, router.Options{
		Limiter:        limiter,
		Health:         checker,
		Metrics:        m,
		AdminKey:       cfg.Server.AdminKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowOrigins:   cfg.Server.AllowOrigins,
	})

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, nil)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("api service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("api service stopped")
	return nil
}
