// Copyright 2025 The LocaVision Authors
//
// SPDX-License-Identifier: Apache-2.0
package spatial

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/uber/h3-go/v4"
)

// ErrInvalidCoordinate is returned when latitude or longitude are not usable.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate represents a geographical point with latitude and longitude.
// It is a value type and is never mutated once built.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NewCoordinate builds a Coordinate validating that both components are
// finite and within range.
func NewCoordinate(lat, lon float64) (Coordinate, error) {
	c := Coordinate{Lat: lat, Lon: lon}

	return c, c.Validate()
}

// Validate checks that the coordinate is finite and within range.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("%w: non finite value %v", ErrInvalidCoordinate, c)
	}

	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidCoordinate, c.Lat)
	}

	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidCoordinate, c.Lon)
	}

	return nil
}

// String returns a string representation of the Coordinate.
func (c Coordinate) String() string {
	return fmt.Sprintf("(%.5f, %.5f)", c.Lat, c.Lon)
}

// Point returns the coordinate as an orb.Point (lon, lat).
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// DistanceTo calculates the distance between two coordinates on Earth in meters.
func (c Coordinate) DistanceTo(other Coordinate) float64 {
	return geo.DistanceHaversine(c.Point(), other.Point())
}

// Cell returns the H3 cell containing the coordinate at the given resolution.
func (c Coordinate) Cell(res int) (h3.Cell, error) {
	cell, err := h3.LatLngToCell(h3.NewLatLng(c.Lat, c.Lon), res)
	if err != nil {
		return 0, fmt.Errorf("converting %s to h3 cell at res %d: %w", c, res, err)
	}

	return cell, nil
}

// FromCell returns the center of an H3 cell.
func FromCell(cell h3.Cell) (Coordinate, error) {
	ll, err := cell.LatLng()
	if err != nil {
		return Coordinate{}, fmt.Errorf("getting center of h3 cell %s: %w", cell, err)
	}

	return Coordinate{Lat: ll.Lat, Lon: ll.Lng}, nil
}
