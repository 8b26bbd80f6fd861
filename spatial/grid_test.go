// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinspace(t *testing.T) {
	tests := []struct {
		name        string
		start, stop float64
		n           int
		expected    []float64
	}{
		{"zero", 0, 1, 0, nil},
		{"one", 2, 5, 1, []float64{2}},
		{"two", 0, 1, 2, []float64{0, 1}},
		{"five", 0, 1, 5, []float64{0, 0.25, 0.5, 0.75, 1}},
		{"descending", 1, 0, 3, []float64{1, 0.5, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Linspace(tt.start, tt.stop, tt.n)
			require.Len(t, got, len(tt.expected))

			for i := range got {
				assert.InDelta(t, tt.expected[i], got[i], 1e-12)
			}
		})
	}
}

func TestGrid(t *testing.T) {
	b := Bound(41.34, 41.27, -73, -72.8)

	cells := Grid(b, 10, 10)
	require.Len(t, cells, 100)

	assert.InDelta(t, 41.27, cells[0].Lat, 1e-9)
	assert.InDelta(t, -73, cells[0].Lon, 1e-9)
	assert.InDelta(t, 41.27, cells[9].Lat, 1e-9)
	assert.InDelta(t, -72.8, cells[9].Lon, 1e-9)
	assert.InDelta(t, 41.34, cells[99].Lat, 1e-9)
	assert.InDelta(t, -72.8, cells[99].Lon, 1e-9)
}

func TestH3Grid(t *testing.T) {
	b := Bound(41.27, 41.34, -73, -72.8)

	coarse, err := H3Grid(b, 6)
	require.NoError(t, err)
	assert.NotEmpty(t, coarse)

	fine, err := H3Grid(b, 8)
	require.NoError(t, err)
	assert.Greater(t, len(fine), len(coarse))

	for _, c := range fine {
		// cell centers may fall slightly outside the bound, but never far
		assert.InDelta(t, 41.305, c.Lat, 0.1)
		assert.InDelta(t, -72.9, c.Lon, 0.2)
	}
}

func TestH3GridTinyBound(t *testing.T) {
	b := Bound(41.3, 41.3001, -72.9, -72.8999)

	got, err := H3Grid(b, 3)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestH3GridInvalidResolution(t *testing.T) {
	_, err := H3Grid(Bound(0, 1, 0, 1), 16)
	assert.Error(t, err)
}
