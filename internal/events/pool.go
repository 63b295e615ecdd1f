package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// ErrPoolStopped is returned by Submit once the pool has shut down.
var ErrPoolStopped = errors.New("event pool stopped")

type PoolConfig struct {
	Workers   int
	QueueSize int
	Retry     resilience.RetryConfig
}

func PoolConfigFrom(c config.SyncConfig) PoolConfig {
	return PoolConfig{
		Workers:   c.Workers,
		QueueSize: c.QueueSize,
		Retry: resilience.RetryConfig{
			MaxAttempts:  c.MaxAttempts,
			InitialDelay: c.InitialBackoff,
			MaxDelay:     c.MaxBackoff,
		},
	}
}

type job struct {
	ctx  context.Context
	ev   Event
	done chan error
}

// Pool runs event handlers on a fixed set of workers. Events are sharded by
// entity id, so one instance never handles the same accommodation on two
// workers at once.
type Pool struct {
	handler Handler
	shards  []chan job
	retry   resilience.RetryConfig
	stopped chan struct{}
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type PoolOption func(*Pool)

func WithPoolMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

func NewPool(handler Handler, cfg PoolConfig, opts ...PoolOption) *Pool {
	workers := max(cfg.Workers, 1)
	queue := max(cfg.QueueSize/workers, 1)
	p := &Pool{
		handler: handler,
		shards:  make([]chan job, workers),
		retry:   cfg.Retry,
		stopped: make(chan struct{}),
		logger:  slog.Default().With("component", "event-pool"),
	}
	for i := range p.shards {
		p.shards[i] = make(chan job, queue)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.stopped)
	p.logger.Info("event pool started", "workers", len(p.shards))
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range p.shards {
		g.Go(func() error {
			p.work(gctx, shard)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("event pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, shard <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-shard:
			j.done <- p.process(j.ctx, j.ev)
		}
	}
}

// Submit queues e and waits for its outcome. Transient failures are retried
// with backoff before the last error is returned.
func (p *Pool) Submit(ctx context.Context, e Event) error {
	j := job{ctx: ctx, ev: e, done: make(chan error, 1)}
	shard := p.shards[uint64(e.EntityID)%uint64(len(p.shards))]
	select {
	case shard <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrPoolStopped
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrPoolStopped
	}
}

func (p *Pool) process(ctx context.Context, e Event) error {
	ctx = logger.WithEntityID(ctx, e.EntityID)
	log := logger.FromContext(ctx).With("component", "event-pool", "kind", string(e.Kind))

	start := time.Now()
	err := resilience.RetryIf(ctx, e.String(), p.retry, Transient, func() error {
		return p.handler(ctx, e)
	})
	if err != nil {
		p.metrics.EventConsumed(string(e.Kind), "failed")
		log.Warn("event handling failed", "error", err, "elapsed", time.Since(start))
		return err
	}
	p.metrics.EventConsumed(string(e.Kind), "ok")
	log.Debug("event handled", "elapsed", time.Since(start))
	return nil
}

// Transient reports whether err may clear up on a later attempt.
func Transient(err error) bool {
	return errors.Is(err, apperrors.ErrIndexUnavailable) ||
		errors.Is(err, apperrors.ErrStoreUnavailable) ||
		errors.Is(err, apperrors.ErrLockBusy) ||
		errors.Is(err, apperrors.ErrVersionConflict) ||
		errors.Is(err, apperrors.ErrTimeout)
}

// MessageHandler adapts the pool to a Kafka consumer. Undecodable messages
// are logged and skipped. When requeue is non-nil, an event that still
// fails after the pool's retries is re-published there so the partition
// keeps moving. The error is returned, and the offset left uncommitted,
// when there is no requeue target, when requeueing fails, or when the
// consumer is shutting down.
func MessageHandler(p *Pool, requeue Publisher, m *metrics.Metrics) kafka.MessageHandler {
	log := slog.Default().With("component", "event-consumer")
	return func(ctx context.Context, key, value []byte) error {
		e, err := Decode(value)
		if err != nil {
			m.EventConsumed("unknown", "undecodable")
			log.Warn("skipping undecodable event", "key", string(key), "error", err)
			return nil
		}
		err = p.Submit(ctx, e)
		if err == nil || requeue == nil || ctx.Err() != nil || errors.Is(err, ErrPoolStopped) {
			return err
		}
		if rqErr := requeue.Publish(ctx, e); rqErr != nil {
			return fmt.Errorf("requeueing %s after %v: %w", e, err, rqErr)
		}
		m.EventRequeued()
		log.Info("event requeued", "event", e.String(), "cause", err)
		return nil
	}
}
