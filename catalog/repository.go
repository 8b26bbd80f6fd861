// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog keeps a local index of monuments between pipeline stages.
package catalog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/loca-ai/locavision/monument"
	"github.com/loca-ai/locavision/spatial"
	"github.com/uber/h3-go/v4"
)

// IndexResolution is the H3 resolution of the monument cell index.
const IndexResolution = 7

// above this many rings a full scan is cheaper than the cell lookup.
const maxRings = 20

// ErrNotFound is returned when a monument does not exist.
var ErrNotFound = errors.New("monument not found")

// Entry is a stored monument.
type Entry struct {
	monument.Monument

	Cell      h3.Cell
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Nearby is a monument found around a coordinate.
type Nearby struct {
	Monument       monument.Monument `json:"monument"`
	DistanceMeters float64           `json:"distance_m"`
}

// MonumentRepository handles persistence of monuments.
type MonumentRepository interface {
	// CreateSchema creates the monuments table
	CreateSchema() error

	// SaveMonuments inserts or updates monuments by name and returns how
	// many were new
	SaveMonuments(monuments []monument.Monument) (int, error)

	// GetMonument returns a monument by name
	GetMonument(name string) (*Entry, error)

	// ListMonuments returns all monuments sorted by name
	ListMonuments() ([]monument.Monument, error)

	// CountMonuments returns the total number of monuments
	CountMonuments() (int, error)

	// Nearby returns the monuments within radiusMeters of coord, closest first
	Nearby(coord spatial.Coordinate, radiusMeters float64) ([]Nearby, error)

	// DB returns the underlying database connection
	DB() *sql.DB
}

type sqlMonumentRepository struct {
	db *sql.DB
}

// NewMonumentRepository creates a new monument repository.
func NewMonumentRepository(db *sql.DB) MonumentRepository {
	return &sqlMonumentRepository{db: db}
}

// DB returns the underlying database connection for advanced queries.
func (r *sqlMonumentRepository) DB() *sql.DB {
	return r.db
}

func (r *sqlMonumentRepository) CreateSchema() error {
	_, err := r.db.Exec(`
		CREATE SEQUENCE IF NOT EXISTS monuments_seq START 1;

		CREATE TABLE IF NOT EXISTS monuments (
			id INTEGER PRIMARY KEY DEFAULT nextval('monuments_seq'),
			name VARCHAR NOT NULL UNIQUE,
			description TEXT NOT NULL,
			lat DOUBLE NOT NULL,
			lon DOUBLE NOT NULL,
			image_urls VARCHAR NOT NULL,
			h3_res7 BIGINT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)

	return err
}

func (r *sqlMonumentRepository) SaveMonuments(monuments []monument.Monument) (n int, err error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}

	defer func() {
		if err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				err = errors.Join(err, rErr)
			}
		}
	}()

	now := time.Now()

	for i := range monuments {
		m := &monuments[i]
		if err = m.Coord.Validate(); err != nil {
			return 0, fmt.Errorf("monument %q: %w", m.Name, err)
		}

		cell, cerr := m.Coord.Cell(IndexResolution)
		if cerr != nil {
			return 0, fmt.Errorf("monument %q: %w", m.Name, cerr)
		}

		urls, jerr := json.Marshal(nonNil(m.ImageURLs))
		if jerr != nil {
			return 0, jerr
		}

		var exists int
		if err = tx.QueryRow(`SELECT COUNT(*) FROM monuments WHERE name = ?`, m.Name).Scan(&exists); err != nil {
			return 0, err
		}

		if exists > 0 {
			_, err = tx.Exec(`
				UPDATE monuments
				SET description = ?, lat = ?, lon = ?, image_urls = ?, h3_res7 = ?, updated_at = ?
				WHERE name = ?
			`, m.Description, m.Coord.Lat, m.Coord.Lon, string(urls), int64(cell), now, m.Name)
		} else {
			_, err = tx.Exec(`
				INSERT INTO monuments(name, description, lat, lon, image_urls, h3_res7, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, m.Name, m.Description, m.Coord.Lat, m.Coord.Lon, string(urls), int64(cell), now, now)
			n++
		}

		if err != nil {
			return 0, fmt.Errorf("saving monument %q: %w", m.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	return n, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

const selectEntry = `
	SELECT name, description, lat, lon, image_urls, h3_res7, created_at, updated_at
	FROM monuments`

func scanEntry(row interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		e    Entry
		urls string
		cell int64
	)

	err := row.Scan(
		&e.Name,
		&e.Description,
		&e.Coord.Lat,
		&e.Coord.Lon,
		&urls,
		&cell,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(urls), &e.ImageURLs); err != nil {
		return nil, fmt.Errorf("decoding image urls of %q: %w", e.Name, err)
	}

	e.ImageURLs = nonNil(e.ImageURLs)
	e.Cell = h3.Cell(cell)

	return &e, nil
}

func (r *sqlMonumentRepository) list(query string, args ...any) ([]*Entry, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *sqlMonumentRepository) GetMonument(name string) (*Entry, error) {
	e, err := scanEntry(r.db.QueryRow(selectEntry+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	return e, err
}

func (r *sqlMonumentRepository) ListMonuments() ([]monument.Monument, error) {
	entries, err := r.list(selectEntry + ` ORDER BY name`)
	if err != nil {
		return nil, err
	}

	ret := make([]monument.Monument, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, e.Monument)
	}

	return ret, nil
}

func (r *sqlMonumentRepository) CountMonuments() (int, error) {
	var count int

	err := r.db.QueryRow("SELECT COUNT(*) FROM monuments").Scan(&count)

	return count, err
}

// rings returns how many H3 rings around a cell cover radiusMeters.
func rings(radiusMeters float64) (int, error) {
	edge, err := h3.HexagonEdgeLengthAvgM(IndexResolution)
	if err != nil {
		return 0, err
	}

	// cells are distorted across the globe, so err on the wide side
	return int(math.Ceil(2*radiusMeters/edge)) + 1, nil
}

func (r *sqlMonumentRepository) Nearby(coord spatial.Coordinate, radiusMeters float64) ([]Nearby, error) {
	if err := coord.Validate(); err != nil {
		return nil, err
	}

	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		return nil, fmt.Errorf("invalid radius %v", radiusMeters)
	}

	k, err := rings(radiusMeters)
	if err != nil {
		return nil, err
	}

	var entries []*Entry

	if k > maxRings {
		entries, err = r.list(selectEntry)
	} else {
		var center h3.Cell

		center, err = coord.Cell(IndexResolution)
		if err != nil {
			return nil, err
		}

		var cells []h3.Cell

		cells, err = center.GridDisk(k)
		if err != nil {
			return nil, fmt.Errorf("computing disk around %s: %w", coord, err)
		}

		placeholders := make([]string, len(cells))
		args := make([]any, len(cells))

		for i, c := range cells {
			placeholders[i] = "?"
			args[i] = int64(c)
		}

		entries, err = r.list(selectEntry+` WHERE h3_res7 IN (`+strings.Join(placeholders, ",")+`)`, args...)
	}

	if err != nil {
		return nil, err
	}

	ret := []Nearby{}

	for _, e := range entries {
		d := coord.DistanceTo(e.Coord)
		if d <= radiusMeters {
			ret = append(ret, Nearby{Monument: e.Monument, DistanceMeters: d})
		}
	}

	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].DistanceMeters != ret[j].DistanceMeters {
			return ret[i].DistanceMeters < ret[j].DistanceMeters
		}

		return ret[i].Monument.Name < ret[j].Monument.Name
	})

	return ret, nil
}
