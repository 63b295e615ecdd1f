// Package indexsync keeps the search index in step with the primary store.
//
// Each synchronization of an accommodation runs under the lock
// "index:{id}" and moves through
//
//	Idle → Locking → Projecting → Writing → Idle
//	Idle → Locking → Deleting → Idle
//	Idle → Locking → Failed (lock busy, nothing written)
//
// The coordinator keeps no state between calls beyond the lock it holds
// during one.
package indexsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/tracing"
)

type State string

const (
	StateIdle       State = "idle"
	StateLocking    State = "locking"
	StateProjecting State = "projecting"
	StateWriting    State = "writing"
	StateDeleting   State = "deleting"
	StateFailed     State = "failed"
)

// Locker is the part of *lock.Manager the coordinator uses.
type Locker interface {
	WithLock(ctx context.Context, name string, lease time.Duration, fn func(ctx context.Context, h lock.Handle) error) error
}

// Projector builds the current document for an accommodation.
type Projector interface {
	Project(ctx context.Context, id int64) (index.Document, error)
}

type Config struct {
	Lease time.Duration
	// ConflictRetries bounds re-projections after a version conflict.
	ConflictRetries int
	// PageSize is the id batch size of rebuild scans.
	PageSize int
}

func ConfigFrom(l config.LockConfig, s config.SyncConfig, p config.PaginationConfig) Config {
	return Config{
		Lease:           l.IndexLease,
		ConflictRetries: s.ConflictRetries,
		PageSize:        p.MaxSize,
	}
}

type Coordinator struct {
	locks     Locker
	projector Projector
	writer    index.Writer
	reader    index.Reader
	ids       paginator.FetchFunc[int64]
	pager     *paginator.Paginator
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Coordinator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithReader enables Verify and index pruning during Rebuild.
func WithReader(r index.Reader) Option {
	return func(c *Coordinator) { c.reader = r }
}

// WithIDSource enables Rebuild. ids lists accommodation ids from the
// primary store.
func WithIDSource(ids paginator.FetchFunc[int64], pager *paginator.Paginator) Option {
	return func(c *Coordinator) {
		c.ids = ids
		c.pager = pager
	}
}

func New(locks Locker, projector Projector, writer index.Writer, cfg Config, opts ...Option) *Coordinator {
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	c := &Coordinator{
		locks:     locks,
		projector: projector,
		writer:    writer,
		cfg:       cfg,
		logger:    slog.Default().With("component", "indexsync"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle is the event handler: deletions remove the document, every other
// kind re-synchronizes it. The event's kind only picks the path; the
// document always comes from current store state.
func (c *Coordinator) Handle(ctx context.Context, e events.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.IsDeletion() {
		return c.Remove(ctx, e.EntityID)
	}
	return c.Synchronize(ctx, e.EntityID)
}

// Synchronize projects the accommodation's current state and writes it to
// the index. An accommodation that no longer exists is deleted from the
// index instead. Fails fast with ErrLockBusy when another synchronization
// of the same id is running.
func (c *Coordinator) Synchronize(ctx context.Context, id int64) error {
	return c.run(ctx, "upsert", id, c.upsert)
}

// Remove deletes the accommodation's document. Removing an absent
// document succeeds.
func (c *Coordinator) Remove(ctx context.Context, id int64) error {
	return c.run(ctx, "delete", id, c.remove)
}

func (c *Coordinator) run(ctx context.Context, action string, id int64, body func(*pass) error) error {
	start := time.Now()
	ctx = logger.WithEntityID(ctx, id)
	ctx, span := tracing.Start(ctx, "sync."+action, slog.Int64("entity_id", id))
	p := &pass{id: id, state: StateIdle, logger: logger.FromContext(ctx).With("component", "indexsync")}

	p.enter(ctx, StateLocking)
	err := c.locks.WithLock(ctx, lock.IndexKey(id), c.cfg.Lease, func(ctx context.Context, _ lock.Handle) error {
		return body(p.with(ctx))
	})
	if errors.Is(err, apperrors.ErrLockBusy) && p.state == StateLocking {
		p.enter(ctx, StateFailed)
	}
	p.finish(err)

	result := outcome(err)
	if p.action != "" {
		action = p.action
	}
	c.metrics.SyncObserved(action, result, time.Since(start))
	span.SetAttr("outcome", result)
	span.End(c.logger, err)
	if err != nil {
		return fmt.Errorf("synchronizing %d: %w", id, err)
	}
	return nil
}

func (c *Coordinator) upsert(p *pass) error {
	for attempt := 0; ; attempt++ {
		p.enter(p.ctx, StateProjecting)
		doc, err := c.projector.Project(p.ctx, p.id)
		if errors.Is(err, apperrors.ErrEntityGone) {
			p.logger.Info("accommodation gone, deleting document")
			return c.remove(p)
		}
		if err != nil {
			return err
		}

		p.enter(p.ctx, StateWriting)
		err = c.writer.Upsert(p.ctx, doc)
		if errors.Is(err, apperrors.ErrVersionConflict) && attempt < c.cfg.ConflictRetries {
			p.logger.Warn("version conflict, re-projecting", "attempt", attempt+1)
			continue
		}
		return err
	}
}

func (c *Coordinator) remove(p *pass) error {
	p.action = "delete"
	p.enter(p.ctx, StateDeleting)
	return c.writer.Delete(p.ctx, p.id)
}

// Verify reports whether the indexed document matches a fresh projection
// byte for byte. A gone accommodation matches an absent document.
func (c *Coordinator) Verify(ctx context.Context, id int64) (bool, error) {
	if c.reader == nil {
		return false, fmt.Errorf("%w: coordinator has no index reader", apperrors.ErrInternal)
	}
	want, err := c.projector.Project(ctx, id)
	gone := errors.Is(err, apperrors.ErrEntityGone)
	if err != nil && !gone {
		return false, err
	}

	got, err := c.reader.Get(ctx, id)
	if errors.Is(err, apperrors.ErrDocumentNotFound) {
		return gone, nil
	}
	if err != nil {
		return false, err
	}
	if gone {
		return false, nil
	}

	a, err := want.Canonical()
	if err != nil {
		return false, err
	}
	b, err := got.Canonical()
	if err != nil {
		return false, err
	}
	return string(a) == string(b), nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrLockBusy):
		return "busy"
	case errors.Is(err, apperrors.ErrIndexUnavailable), errors.Is(err, apperrors.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, apperrors.ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}

// pass is one synchronization of one id.
type pass struct {
	ctx    context.Context
	id     int64
	action string
	state  State
	step   *tracing.Span
	logger *slog.Logger
}

func (p *pass) with(ctx context.Context) *pass {
	p.ctx = ctx
	return p
}

func (p *pass) enter(ctx context.Context, s State) {
	if p.step != nil {
		p.step.End(nil, nil)
	}
	p.logger.Debug("sync state", "from", p.state, "to", s)
	p.state = s
	_, p.step = tracing.Start(ctx, string(s))
}

func (p *pass) finish(err error) {
	if p.step != nil {
		p.step.End(nil, err)
	}
	if p.state != StateFailed {
		p.logger.Debug("sync state", "from", p.state, "to", StateIdle)
		p.state = StateIdle
	}
}
