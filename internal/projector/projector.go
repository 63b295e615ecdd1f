// Package projector rebuilds an accommodation's search document from the
// primary store's current state.
//
// A projection never looks at event payloads. Running it twice for the same
// id with no store change in between produces byte-identical documents, and
// running it later only ever yields fresher state.
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/index"
	apperrors "github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/errors"
)

// Display holds the document's presentation fields.
type Display struct {
	Name         string
	ThumbnailURL string
}

// AmenityProjection is one row of "count attached amenities by type". Type
// is the store's raw value.
type AmenityProjection struct {
	EntityID int64
	Type     string
	Count    int
}

// RatingProjection is the review aggregate. Average is nil when there are
// no reviews.
type RatingProjection struct {
	EntityID int64
	Average  *float64
	Reviews  int
}

// Snapshot is everything a document is built from, read at one point in
// time.
type Snapshot struct {
	EntityID  int64
	// Version orders the store's changes to this accommodation.
	Version   int64
	Display   Display
	Amenities []AmenityProjection
	Rating    RatingProjection
}

// Source reads a consistent Snapshot. It fails with ErrEntityGone when the
// accommodation does not exist.
type Source interface {
	Snapshot(ctx context.Context, id int64) (Snapshot, error)
}

type Projector struct {
	source Source
	logger *slog.Logger
}

func New(source Source) *Projector {
	return &Projector{
		source: source,
		logger: slog.Default().With("component", "projector"),
	}
}

// Project returns the current document for id.
func (p *Projector) Project(ctx context.Context, id int64) (index.Document, error) {
	snap, err := p.source.Snapshot(ctx, id)
	if err != nil {
		return index.Document{}, fmt.Errorf("projecting %d: %w", id, err)
	}
	return p.Build(snap)
}

// Build assembles a document from snap. Amenity types outside the
// enumeration are dropped with a warning; impossible aggregates fail with
// ErrInternal.
func (p *Projector) Build(snap Snapshot) (index.Document, error) {
	amenities := index.ZeroAmenities()
	seen := make(map[index.AmenityType]bool, len(snap.Amenities))
	for _, a := range snap.Amenities {
		if a.EntityID != snap.EntityID {
			return index.Document{}, corrupt(snap.EntityID, "amenity row for entity %d", a.EntityID)
		}
		t, ok := index.ParseAmenityType(a.Type)
		if !ok {
			p.logger.Warn("ignoring unknown amenity type", "entity_id", snap.EntityID, "type", a.Type)
			continue
		}
		if a.Count < 0 {
			return index.Document{}, corrupt(snap.EntityID, "negative %s count %d", t, a.Count)
		}
		if seen[t] {
			return index.Document{}, corrupt(snap.EntityID, "duplicate %s group", t)
		}
		seen[t] = true
		amenities[t] = a.Count
	}

	r := snap.Rating
	if r.Average != nil {
		if math.IsNaN(*r.Average) || math.IsInf(*r.Average, 0) {
			return index.Document{}, corrupt(snap.EntityID, "average rating %v", *r.Average)
		}
		if r.Reviews == 0 {
			return index.Document{}, corrupt(snap.EntityID, "average rating without reviews")
		}
	}
	var avg *float64
	if r.Average != nil {
		v := *r.Average
		avg = &v
	}

	return index.Document{
		ID:            snap.EntityID,
		Version:       snap.Version,
		Name:          snap.Display.Name,
		ThumbnailURL:  snap.Display.ThumbnailURL,
		AverageRating: avg,
		Amenities:     amenities,
	}, nil
}

// Mean is the exact arithmetic mean of n scores summing to sum, or nil for
// no scores.
func Mean(sum int64, n int) *float64 {
	if n == 0 {
		return nil
	}
	v := float64(sum) / float64(n)
	return &v
}

func corrupt(id int64, format string, args ...any) error {
	return fmt.Errorf("%w: accommodation %d: %s", apperrors.ErrInternal, id, fmt.Sprintf(format, args...))
}
