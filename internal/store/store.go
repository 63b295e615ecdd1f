// Package store is the PostgreSQL primary store for accommodations, their
// amenities, reviews and reservations.
//
// Every mutation publishes a domain event after its transaction commits. A
// failed publish is logged and does not fail the mutation: the search index
// may lag the store, the store never lags the index.
//
// accommodations.version advances with every change to indexed state
// (update, review). Documents are written to the index under it as an
// external version, so a stale projection can never overwrite a newer one.
//
// Tables:
//
//	CREATE TABLE accommodations (
//	    id         BIGSERIAL PRIMARY KEY,
//	    name       TEXT NOT NULL,
//	    version    BIGINT NOT NULL DEFAULT 1,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE TABLE accommodation_images (
//	    accommodation_id BIGINT NOT NULL REFERENCES accommodations(id) ON DELETE CASCADE,
//	    position         INT NOT NULL,
//	    url              TEXT NOT NULL,
//	    PRIMARY KEY (accommodation_id, position)
//	);
//	CREATE TABLE amenities (
//	    id               BIGSERIAL PRIMARY KEY,
//	    accommodation_id BIGINT NOT NULL REFERENCES accommodations(id) ON DELETE CASCADE,
//	    type             TEXT NOT NULL
//	);
//	CREATE TABLE reviews (
//	    id               BIGSERIAL PRIMARY KEY,
//	    accommodation_id BIGINT NOT NULL REFERENCES accommodations(id) ON DELETE CASCADE,
//	    score            SMALLINT NOT NULL CHECK (score BETWEEN 1 AND 5),
//	    body             TEXT NOT NULL DEFAULT '',
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE TABLE reservations (
//	    id               BIGSERIAL PRIMARY KEY,
//	    accommodation_id BIGINT NOT NULL REFERENCES accommodations(id) ON DELETE CASCADE,
//	    guest            TEXT NOT NULL,
//	    check_in         DATE NOT NULL,
//	    check_out        DATE NOT NULL CHECK (check_out > check_in),
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/events"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/projector"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/postgres"
)

// Schema creates the tables above when missing.
const Schema = `
CREATE TABLE IF NOT EXISTS accommodations (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL,
    version    BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE accommodations ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 1;
CREATE TABLE IF NOT EXISTS accommodation_images (
    accommodation_id BIGINT NOT NULL REFERENCES accommodations(id) ON DELETE CASCADE,
    position         INT NOT NULL,
    url              TEXT NOT NULL,
    PRIMARY KEY (accommodation_id, position)
);
CREATE TABLE IF NOT EXISTS amenities (
    id               BIGSERIAL PRIMARY KEY,
    accommodation_id BIGINT NOT NULL REFERENCES accommodations(id) ON DELETE CASCADE,
    type             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS amenities_accommodation_idx ON amenities (accommodation_id);
CREATE TABLE IF NOT EXISTS reviews (
    id               BIGSERIAL PRIMARY KEY,
    accommodation_id BIGINT NOT NULL REFERENCES accommodations(id) ON DELETE CASCADE,
    score            SMALLINT NOT NULL CHECK (score BETWEEN 1 AND 5),
    body             TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS reviews_accommodation_idx ON reviews (accommodation_id);
CREATE TABLE IF NOT EXISTS reservations (
    id               BIGSERIAL PRIMARY KEY,
    accommodation_id BIGINT NOT NULL REFERENCES accommodations(id) ON DELETE CASCADE,
    guest            TEXT NOT NULL,
    check_in         DATE NOT NULL,
    check_out        DATE NOT NULL CHECK (check_out > check_in),
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS reservations_accommodation_idx ON reservations (accommodation_id, check_in);
`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db        *postgres.Client
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a Store. publisher may be nil for read-only use.
func New(db *postgres.Client, publisher events.Publisher) *Store {
	return &Store{
		db:        db,
		publisher: publisher,
		logger:    slog.Default().With("component", "store"),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Snapshot reads the display fields and both aggregates of one
// accommodation inside a single repeatable-read transaction.
func (s *Store) Snapshot(ctx context.Context, id int64) (projector.Snapshot, error) {
	snap, err := s.snapshot(ctx, id)
	return snap, unavailable(err)
}

func (s *Store) snapshot(ctx context.Context, id int64) (projector.Snapshot, error) {
	tx, err := s.db.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return projector.Snapshot{}, fmt.Errorf("beginning snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap := projector.Snapshot{EntityID: id}
	if snap.Display, snap.Version, err = display(ctx, tx, id); err != nil {
		return projector.Snapshot{}, err
	}
	if snap.Amenities, err = amenityCounts(ctx, tx, id); err != nil {
		return projector.Snapshot{}, err
	}
	if snap.Rating, err = rating(ctx, tx, id); err != nil {
		return projector.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return projector.Snapshot{}, fmt.Errorf("ending snapshot: %w", err)
	}
	return snap, nil
}

// AmenityCounts groups the accommodation's amenities by type. No amenities
// means no rows, not zero counts.
func (s *Store) AmenityCounts(ctx context.Context, id int64) ([]projector.AmenityProjection, error) {
	counts, err := amenityCounts(ctx, s.db.DB, id)
	return counts, unavailable(err)
}

// AverageRating averages the accommodation's review scores. No reviews
// means a nil Average.
func (s *Store) AverageRating(ctx context.Context, id int64) (projector.RatingProjection, error) {
	r, err := rating(ctx, s.db.DB, id)
	return r, unavailable(err)
}

// AccommodationIDs answers keyset page queries over accommodation ids.
func (s *Store) AccommodationIDs(ctx context.Context, q paginator.Query) ([]int64, error) {
	ids, err := s.accommodationIDs(ctx, q)
	return ids, unavailable(err)
}

func (s *Store) accommodationIDs(ctx context.Context, q paginator.Query) ([]int64, error) {
	query := `SELECT id FROM accommodations WHERE id > $1 ORDER BY id ASC LIMIT $2`
	if q.Direction == paginator.Desc {
		query = `SELECT id FROM accommodations WHERE id < $1 ORDER BY id DESC LIMIT $2`
	}
	rows, err := s.db.DB.QueryContext(ctx, query, q.After, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("listing accommodation ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0, q.Limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning accommodation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func display(ctx context.Context, q querier, id int64) (projector.Display, int64, error) {
	var (
		d       projector.Display
		version int64
		thumb   sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT a.name, a.version,
		        (SELECT url FROM accommodation_images i
		          WHERE i.accommodation_id = a.id
		          ORDER BY i.position LIMIT 1)
		   FROM accommodations a
		  WHERE a.id = $1`, id).Scan(&d.Name, &version, &thumb)
	if errors.Is(err, sql.ErrNoRows) {
		return projector.Display{}, 0, fmt.Errorf("accommodation %d: %w", id, apperrors.ErrEntityGone)
	}
	if err != nil {
		return projector.Display{}, 0, fmt.Errorf("reading accommodation %d: %w", id, err)
	}
	d.ThumbnailURL = thumb.String
	return d, version, nil
}

func amenityCounts(ctx context.Context, q querier, id int64) ([]projector.AmenityProjection, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM amenities
		  WHERE accommodation_id = $1
		  GROUP BY type
		  ORDER BY type`, id)
	if err != nil {
		return nil, fmt.Errorf("counting amenities of %d: %w", id, err)
	}
	defer rows.Close()

	var out []projector.AmenityProjection
	for rows.Next() {
		a := projector.AmenityProjection{EntityID: id}
		if err := rows.Scan(&a.Type, &a.Count); err != nil {
			return nil, fmt.Errorf("scanning amenity count: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// rating sums in SQL and divides in Go so the mean is exact.
func rating(ctx context.Context, q querier, id int64) (projector.RatingProjection, error) {
	var (
		n   int
		sum int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(score), COALESCE(SUM(score), 0) FROM reviews WHERE accommodation_id = $1`, id).Scan(&n, &sum)
	if err != nil {
		return projector.RatingProjection{}, fmt.Errorf("averaging reviews of %d: %w", id, err)
	}
	return projector.RatingProjection{EntityID: id, Average: projector.Mean(sum, n), Reviews: n}, nil
}

// unavailable marks a failed read as ErrStoreUnavailable so event workers
// retry it. ErrEntityGone passes through unchanged.
func unavailable(err error) error {
	if err == nil || errors.Is(err, apperrors.ErrEntityGone) {
		return err
	}
	return fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
}

// emit publishes e after a committed mutation.
func (s *Store) emit(ctx context.Context, e events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Error("failed to publish event, index will lag until the next rebuild",
			"event", e.String(),
			"error", err,
		)
	}
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", apperrors.ErrInvalidInput)
	}
	return nil
}
