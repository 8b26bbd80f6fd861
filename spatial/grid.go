// Copyright 2025 The LocaVision Authors
//
// SPDX-License-Identifier: Apache-2.0
package spatial

import (
	"errors"
	"fmt"
	"slices"

	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"
)

// Linspace returns n evenly spaced values over [start, stop], both included.
func Linspace(start, stop float64, n int) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{start}
	}

	step := (stop - start) / float64(n-1)
	ret := make([]float64, n)

	for i := range ret {
		ret[i] = start + float64(i)*step
	}

	// avoid accumulated error on the last element
	ret[n-1] = stop

	return ret
}

// Bound builds an orb.Bound from latitude and longitude limits.
func Bound(minLat, maxLat, minLon, maxLon float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{min(minLon, maxLon), min(minLat, maxLat)},
		Max: orb.Point{max(minLon, maxLon), max(minLat, maxLat)},
	}
}

// Grid sweeps the bound row by row: rows latitudes from bottom to top, and
// for each of them cols longitudes from left to right.
func Grid(bound orb.Bound, rows, cols int) []Coordinate {
	lats := Linspace(bound.Min.Lat(), bound.Max.Lat(), rows)
	lons := Linspace(bound.Min.Lon(), bound.Max.Lon(), cols)

	ret := make([]Coordinate, 0, len(lats)*len(lons))

	for _, lat := range lats {
		for _, lon := range lons {
			ret = append(ret, Coordinate{Lat: lat, Lon: lon})
		}
	}

	return ret
}

// H3Grid returns the centers of the H3 cells at resolution res covering the
// bound, ordered by cell index.
func H3Grid(bound orb.Bound, res int) ([]Coordinate, error) {
	if res < 0 || res > 15 {
		return nil, fmt.Errorf("h3 resolution %d out of range [0, 15]", res)
	}

	loop := h3.GeoLoop{
		h3.NewLatLng(bound.Min.Lat(), bound.Min.Lon()),
		h3.NewLatLng(bound.Min.Lat(), bound.Max.Lon()),
		h3.NewLatLng(bound.Max.Lat(), bound.Max.Lon()),
		h3.NewLatLng(bound.Max.Lat(), bound.Min.Lon()),
	}

	cells, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: loop}, res)
	if err != nil {
		return nil, fmt.Errorf("covering bound with h3 cells: %w", err)
	}

	// a bound smaller than a cell has no cell center inside
	if len(cells) == 0 {
		center, err := Coordinate{Lat: bound.Center().Lat(), Lon: bound.Center().Lon()}.Cell(res)
		if err != nil {
			return nil, err
		}

		cells = []h3.Cell{center}
	}

	slices.Sort(cells)

	ret := make([]Coordinate, 0, len(cells))

	var errs []error

	for _, cell := range cells {
		c, err := FromCell(cell)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		ret = append(ret, c)
	}

	return ret, errors.Join(errs...)
}
