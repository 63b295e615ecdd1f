// Package events carries accommodation lifecycle events from primary-store
// mutations to the index synchronizer.
//
// An Event names only what changed (its Kind) and which accommodation it
// concerns. It never carries data: handlers always re-read current state,
// so duplicated and reordered deliveries are harmless. Delivery is
// at-least-once.
package events

import (
	"fmt"

	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/kafka"
)

type Kind string

const (
	AccommodationCreated Kind = "AccommodationCreated"
	AccommodationUpdated Kind = "AccommodationUpdated"
	AccommodationDeleted Kind = "AccommodationDeleted"
	ReviewSummaryChanged Kind = "ReviewSummaryChanged"
	ReservationChanged   Kind = "ReservationChanged"
)

// Family groups kinds that share a subscription and a topic.
type Family string

const (
	FamilyAccommodation Family = "accommodation"
	FamilyReviewSummary Family = "review-summary"
	FamilyReservation   Family = "reservation"
)

var kindFamilies = map[Kind]Family{
	AccommodationCreated: FamilyAccommodation,
	AccommodationUpdated: FamilyAccommodation,
	AccommodationDeleted: FamilyAccommodation,
	ReviewSummaryChanged: FamilyReviewSummary,
	ReservationChanged:   FamilyReservation,
}

// Family returns the subscription family of k, or "" for an unknown kind.
func (k Kind) Family() Family {
	return kindFamilies[k]
}

func (k Kind) Valid() bool {
	_, ok := kindFamilies[k]
	return ok
}

// Event is comparable; two deliveries of the same event are ==.
type Event struct {
	Kind     Kind  `json:"kind"`
	EntityID int64 `json:"entity_id"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s{%d}", e.Kind, e.EntityID)
}

// IsDeletion reports whether e removes the entity rather than changing it.
func (e Event) IsDeletion() bool {
	return e.Kind == AccommodationDeleted
}

func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown event kind %q", apperrors.ErrInvalidInput, e.Kind)
	}
	if e.EntityID <= 0 {
		return fmt.Errorf("%w: event %s has no entity id", apperrors.ErrInvalidInput, e.Kind)
	}
	return nil
}

// Decode parses and validates the wire form {"kind":"...","entity_id":N}.
func Decode(data []byte) (Event, error) {
	e, err := kafka.DecodeJSON[Event](data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
