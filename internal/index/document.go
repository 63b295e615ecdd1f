// Package index owns the search-side representation of an accommodation and
// the Elasticsearch writer and readers for it.
//
// Documents are only ever written whole. An upsert replaces every field of
// the previous document for that id, so no field can outlive the state it was
// projected from.
package index

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/internal/paginator"
)

// AmenityType is one member of the fixed amenity enumeration.
type AmenityType string

const (
	AmenityWiFi            AmenityType = "WIFI"
	AmenityParking         AmenityType = "PARKING"
	AmenityPool            AmenityType = "POOL"
	AmenityKitchen         AmenityType = "KITCHEN"
	AmenityAirConditioning AmenityType = "AIR_CONDITIONING"
	AmenityHeating         AmenityType = "HEATING"
	AmenityWasher          AmenityType = "WASHER"
	AmenityTV              AmenityType = "TV"
	AmenityPetFriendly     AmenityType = "PET_FRIENDLY"
	AmenityGym             AmenityType = "GYM"
)

var amenityTypes = []AmenityType{
	AmenityWiFi,
	AmenityParking,
	AmenityPool,
	AmenityKitchen,
	AmenityAirConditioning,
	AmenityHeating,
	AmenityWasher,
	AmenityTV,
	AmenityPetFriendly,
	AmenityGym,
}

// AmenityTypes returns the enumeration in declaration order.
func AmenityTypes() []AmenityType {
	return append([]AmenityType(nil), amenityTypes...)
}

func ParseAmenityType(s string) (AmenityType, bool) {
	for _, t := range amenityTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// ZeroAmenities returns a count map holding every type at 0.
func ZeroAmenities() map[AmenityType]int {
	m := make(map[AmenityType]int, len(amenityTypes))
	for _, t := range amenityTypes {
		m[t] = 0
	}
	return m
}

// Document is the indexed image of one accommodation. AverageRating is nil
// when the accommodation has no reviews and is written as JSON null.
//
// Version is the store version the document was projected from. It orders
// index writes and is not part of the stored body.
type Document struct {
	ID            int64               `json:"id"`
	Version       int64               `json:"-"`
	Name          string              `json:"name"`
	ThumbnailURL  string              `json:"thumbnail_url"`
	AverageRating *float64            `json:"average_rating"`
	Amenities     map[AmenityType]int `json:"amenities"`
}

// Canonical is the byte form stored in the index. encoding/json sorts map
// keys, so equal documents always encode identically.
func (d Document) Canonical() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding document %d: %w", d.ID, err)
	}
	return data, nil
}

// Writer applies whole-document changes to the index. Both operations are
// idempotent.
type Writer interface {
	// Upsert replaces the document with d.ID. Fails with
	// ErrIndexUnavailable or ErrVersionConflict.
	Upsert(ctx context.Context, d Document) error
	// Delete removes the document; a missing id is not an error.
	Delete(ctx context.Context, id int64) error
}

type Reader interface {
	// Get fails with ErrDocumentNotFound for an unknown id.
	Get(ctx context.Context, id int64) (Document, error)
	// ListAfter answers a keyset page query ordered by id.
	ListAfter(ctx context.Context, q paginator.Query) ([]Document, error)
}
