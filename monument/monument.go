// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

// Package monument holds the Monument record shared by every pipeline stage.
package monument

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/loca-ai/locavision/spatial"
	"github.com/loca-ai/locavision/utils/textutils"
)

// ErrMalformedRecord is returned when a persisted monument lacks a required field.
var ErrMalformedRecord = errors.New("malformed record")

// Monument is a point of interest populated from an encyclopedia page.
//
// ImageURLs holds locators: external image URLs, or storage URIs once the
// images were uploaded. The position of a locator is stable and is used to
// derive storage paths.
type Monument struct {
	Name        string             `json:"name"`
	Description string             `json:"desc"`
	Coord       spatial.Coordinate `json:"coord"`
	ImageURLs   []string           `json:"image_urls"`
}

// wire shape used to detect missing fields.
type record struct {
	Name        *string `json:"name"`
	Description *string `json:"desc"`
	Coord       *struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"coord"`
	ImageURLs *[]string `json:"image_urls"`
}

// MarshalJSON always emits image_urls as an array, never null.
func (m Monument) MarshalJSON() ([]byte, error) {
	type plain Monument

	p := plain(m)
	if p.ImageURLs == nil {
		p.ImageURLs = []string{}
	}

	return json.Marshal(p)
}

// UnmarshalJSON decodes a monument failing with ErrMalformedRecord when a
// required field is absent.
func (m *Monument) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	var missing []string

	if r.Name == nil {
		missing = append(missing, "name")
	}

	if r.Coord == nil {
		missing = append(missing, "coord")
	} else {
		if r.Coord.Lat == nil {
			missing = append(missing, "coord.lat")
		}

		if r.Coord.Lon == nil {
			missing = append(missing, "coord.lon")
		}
	}

	if r.ImageURLs == nil {
		missing = append(missing, "image_urls")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedRecord, strings.Join(missing, ", "))
	}

	coord := spatial.Coordinate{Lat: *r.Coord.Lat, Lon: *r.Coord.Lon}
	if err := coord.Validate(); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrMalformedRecord, *r.Name, err)
	}

	*m = Monument{
		Name:      *r.Name,
		Coord:     coord,
		ImageURLs: *r.ImageURLs,
	}

	if r.Description != nil {
		m.Description = *r.Description
	}

	return nil
}

// Slug returns the storage safe name of the monument. Names that leave no
// ASCII after transliteration get "monument-" and a prefix of their sha256,
// so distinct names never share a slug.
func (m *Monument) Slug() string {
	if slug := textutils.Slugify(m.Name); slug != "" {
		return slug
	}

	sum := sha256.Sum256([]byte(m.Name))

	return "monument-" + hex.EncodeToString(sum[:])[:8]
}

// Clone returns a deep copy; the locator slice is not shared.
func (m *Monument) Clone() Monument {
	ret := *m
	ret.ImageURLs = slices.Clone(m.ImageURLs)

	return ret
}

// Equal reports whether both monuments have the same JSON representation.
func (m *Monument) Equal(o *Monument) bool {
	return m.Name == o.Name &&
		m.Description == o.Description &&
		m.Coord == o.Coord &&
		slices.Equal(m.ImageURLs, o.ImageURLs)
}

// Dedupe appends to existing the incoming monuments that are not
// structurally equal to one already present. First seen order is kept.
func Dedupe(existing []Monument, incoming ...Monument) []Monument {
	for _, m := range incoming {
		if !slices.ContainsFunc(existing, func(e Monument) bool { return e.Equal(&m) }) {
			existing = append(existing, m.Clone())
		}
	}

	return existing
}
