// Package booking creates reservations under a lock on the accommodation and
// date range, so two instances cannot book the same nights at once.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/resilience"
)

// Request is the reservation payload. Dates are calendar days
// (YYYY-MM-DD); the stay covers check-in up to, not including, check-out.
type Request struct {
	AccommodationID int64  `json:"accommodation_id"`
	Guest           string `json:"guest"`
	CheckIn         string `json:"check_in"`
	CheckOut        string `json:"check_out"`
}

// Locker is the part of *lock.Manager the service uses.
type Locker interface {
	WithLock(ctx context.Context, name string, lease time.Duration, fn func(ctx context.Context, h lock.Handle) error) error
}

// Reservations persists a reservation, failing with ErrDatesUnavailable on
// overlap.
type Reservations interface {
	CreateReservation(ctx context.Context, r store.Reservation) (store.Reservation, error)
}

type Service struct {
	locks        Locker
	reservations Reservations
	lease        time.Duration
	timeout      time.Duration
	logger       *slog.Logger
}

// NewService creates a Service. Each reservation holds its lock for at most
// lease and must be stored within timeout.
func NewService(locks Locker, reservations Reservations, lease, timeout time.Duration) *Service {
	if lease <= 0 {
		lease = 10 * time.Second
	}
	if timeout <= 0 || timeout > lease {
		timeout = lease
	}
	return &Service{
		locks:        locks,
		reservations: reservations,
		lease:        lease,
		timeout:      timeout,
		logger:       slog.Default().With("component", "booking"),
	}
}

// Reserve books the requested nights. Lock contention is not retried: a
// concurrent attempt for the same range fails with ErrLockBusy, which the
// caller reports as dates unavailable.
func (s *Service) Reserve(ctx context.Context, req Request) (store.Reservation, error) {
	r, err := parse(req)
	if err != nil {
		return store.Reservation{}, err
	}
	log := logger.FromContext(ctx).With("component", "booking", "accommodation_id", r.AccommodationID)

	key := lock.BookingKey(r.AccommodationID, r.CheckIn, r.CheckOut)
	var created store.Reservation
	err = s.locks.WithLock(ctx, key, s.lease, func(ctx context.Context, _ lock.Handle) error {
		return resilience.WithTimeout(ctx, s.timeout, "reserve", func(ctx context.Context) error {
			var err error
			created, err = s.reservations.CreateReservation(ctx, r)
			return err
		})
	})
	switch {
	case err == nil:
		log.Info("reservation created", "reservation_id", created.ID, "check_in", req.CheckIn, "check_out", req.CheckOut)
		return created, nil
	case errors.Is(err, apperrors.ErrLockBusy):
		log.Info("reservation rejected, range being booked concurrently", "check_in", req.CheckIn, "check_out", req.CheckOut)
		return store.Reservation{}, fmt.Errorf("reserving %s: %w", key, err)
	case errors.Is(err, context.DeadlineExceeded):
		return store.Reservation{}, fmt.Errorf("reserving %s: %w: %w", key, apperrors.ErrTimeout, err)
	default:
		return store.Reservation{}, fmt.Errorf("reserving %s: %w", key, err)
	}
}

func parse(req Request) (store.Reservation, error) {
	var errs []error
	if req.AccommodationID <= 0 {
		errs = append(errs, errors.New("accommodation_id must be positive"))
	}
	guest := strings.TrimSpace(req.Guest)
	if guest == "" {
		errs = append(errs, errors.New("guest is required"))
	}
	in, err := time.Parse(time.DateOnly, req.CheckIn)
	if err != nil {
		errs = append(errs, fmt.Errorf("check_in: %w", err))
	}
	out, err := time.Parse(time.DateOnly, req.CheckOut)
	if err != nil {
		errs = append(errs, fmt.Errorf("check_out: %w", err))
	}
	if len(errs) == 0 && !out.After(in) {
		errs = append(errs, errors.New("check_out must be after check_in"))
	}
	if len(errs) > 0 {
		return store.Reservation{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, errors.Join(errs...))
	}
	return store.Reservation{
		AccommodationID: req.AccommodationID,
		Guest:           guest,
		CheckIn:         in,
		CheckOut:        out,
	}, nil
}
