package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/events"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
)

// Accommodation is the writable state of an accommodation. Images are
// stored in slice order; the first one is the thumbnail. Amenities may
// repeat a type.
type Accommodation struct {
	Name      string   `json:"name"`
	Images    []string `json:"images"`
	Amenities []string `json:"amenities"`
}

type Review struct {
	ID              int64  `json:"id"`
	AccommodationID int64  `json:"accommodation_id"`
	Score           int    `json:"score"`
	Body            string `json:"body"`
}

// Reservation covers the nights [CheckIn, CheckOut).
type Reservation struct {
	ID              int64     `json:"id"`
	AccommodationID int64     `json:"accommodation_id"`
	Guest           string    `json:"guest"`
	CheckIn         time.Time `json:"check_in"`
	CheckOut        time.Time `json:"check_out"`
}

func (s *Store) CreateAccommodation(ctx context.Context, a Accommodation) (int64, error) {
	if err := validName(a.Name); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO accommodations (name) VALUES ($1) RETURNING id`, a.Name).Scan(&id); err != nil {
			return fmt.Errorf("inserting accommodation: %w", err)
		}
		return writeChildren(ctx, tx, id, a)
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("accommodation created", "entity_id", id)
	s.emit(ctx, events.Event{Kind: events.AccommodationCreated, EntityID: id})
	return id, nil
}

// UpdateAccommodation replaces the name, images and amenities of id.
func (s *Store) UpdateAccommodation(ctx context.Context, id int64, a Accommodation) error {
	if err := validName(a.Name); err != nil {
		return err
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE accommodations SET name = $1, version = version + 1, updated_at = NOW() WHERE id = $2`, a.Name, id)
		if err != nil {
			return fmt.Errorf("updating accommodation %d: %w", id, err)
		}
		if err := mustAffect(res, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM accommodation_images WHERE accommodation_id = $1`, id); err != nil {
			return fmt.Errorf("clearing images of %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM amenities WHERE accommodation_id = $1`, id); err != nil {
			return fmt.Errorf("clearing amenities of %d: %w", id, err)
		}
		return writeChildren(ctx, tx, id, a)
	})
	if err != nil {
		return err
	}

	s.emit(ctx, events.Event{Kind: events.AccommodationUpdated, EntityID: id})
	return nil
}

func (s *Store) DeleteAccommodation(ctx context.Context, id int64) error {
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM accommodations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting accommodation %d: %w", id, err)
	}
	if err := mustAffect(res, id); err != nil {
		return err
	}

	s.logger.Info("accommodation deleted", "entity_id", id)
	s.emit(ctx, events.Event{Kind: events.AccommodationDeleted, EntityID: id})
	return nil
}

func (s *Store) AddReview(ctx context.Context, r Review) (Review, error) {
	if r.Score < 1 || r.Score > 5 {
		return Review{}, fmt.Errorf("%w: score %d outside 1..5", apperrors.ErrInvalidInput, r.Score)
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := bumpVersion(ctx, tx, r.AccommodationID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`INSERT INTO reviews (accommodation_id, score, body) VALUES ($1, $2, $3) RETURNING id`,
			r.AccommodationID, r.Score, r.Body).Scan(&r.ID)
	})
	if err != nil {
		return Review{}, err
	}

	s.emit(ctx, events.Event{Kind: events.ReviewSummaryChanged, EntityID: r.AccommodationID})
	return r, nil
}

// CreateReservation inserts r unless it overlaps an existing reservation of
// the same accommodation, in which case it fails with ErrDatesUnavailable.
// The accommodation row is locked for the duration of the check.
func (s *Store) CreateReservation(ctx context.Context, r Reservation) (Reservation, error) {
	if !r.CheckOut.After(r.CheckIn) {
		return Reservation{}, fmt.Errorf("%w: check-out must be after check-in", apperrors.ErrInvalidInput)
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := lockAccommodation(ctx, tx, r.AccommodationID); err != nil {
			return err
		}
		var overlapping bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (
			    SELECT 1 FROM reservations
			     WHERE accommodation_id = $1 AND check_in < $3 AND check_out > $2)`,
			r.AccommodationID, r.CheckIn, r.CheckOut).Scan(&overlapping); err != nil {
			return fmt.Errorf("checking availability: %w", err)
		}
		if overlapping {
			return fmt.Errorf("accommodation %d from %s to %s: %w",
				r.AccommodationID, r.CheckIn.Format(time.DateOnly), r.CheckOut.Format(time.DateOnly),
				apperrors.ErrDatesUnavailable)
		}
		return tx.QueryRowContext(ctx,
			`INSERT INTO reservations (accommodation_id, guest, check_in, check_out)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			r.AccommodationID, r.Guest, r.CheckIn, r.CheckOut).Scan(&r.ID)
	})
	if err != nil {
		return Reservation{}, err
	}

	s.emit(ctx, events.Event{Kind: events.ReservationChanged, EntityID: r.AccommodationID})
	return r, nil
}

func lockAccommodation(ctx context.Context, tx *sql.Tx, id int64) error {
	var got int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM accommodations WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("accommodation %d: %w", id, apperrors.ErrEntityGone)
	}
	if err != nil {
		return fmt.Errorf("locking accommodation %d: %w", id, err)
	}
	return nil
}

// bumpVersion advances the accommodation's version, locking its row until
// the transaction ends.
func bumpVersion(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE accommodations SET version = version + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("bumping version of %d: %w", id, err)
	}
	return mustAffect(res, id)
}

func writeChildren(ctx context.Context, tx *sql.Tx, id int64, a Accommodation) error {
	for i, url := range a.Images {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accommodation_images (accommodation_id, position, url) VALUES ($1, $2, $3)`,
			id, i, url); err != nil {
			return fmt.Errorf("inserting image %d of %d: %w", i, id, err)
		}
	}
	for _, t := range a.Amenities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO amenities (accommodation_id, type) VALUES ($1, $2)`, id, t); err != nil {
			return fmt.Errorf("inserting amenity %s of %d: %w", t, id, err)
		}
	}
	return nil
}

func mustAffect(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("accommodation %d: %w", id, apperrors.ErrEntityGone)
	}
	return nil
}
