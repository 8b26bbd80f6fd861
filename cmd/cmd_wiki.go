// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/loca-ai/locavision/monument"
	"github.com/loca-ai/locavision/spatial"
	"github.com/loca-ai/locavision/wiki"
	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
)

var wikiCmd = &cobra.Command{
	Use:   "wiki",
	Short: "Harvest monuments from Wikipedia",
}

type wikiOptions struct {
	Lat, Lon float64
	Radius   int
	Limit    int
	Output   string

	MinLat, MaxLat float64
	MinLon, MaxLon float64
	Rows, Cols     int
	H3Res          int
	Resume         bool
}

var wikiFlags = &wikiOptions{}

func newWikiClient() *wiki.Client {
	return wiki.NewClient(&wiki.ClientOptions{
		Endpoint:            cfg.WikiEndpoint,
		UserAgent:           cfg.UserAgent,
		EnableHTTPTrace:     rootFlags.EnableHTTPTrace,
		EnableHTTPBodyTrace: rootFlags.EnableHTTPBodyTrace,
	})
}

func logWikiMetrics(m *wiki.Metrics) {
	log.Printf(
		"Wiki metrics - %d requests, %d pages requested, %d monuments built, %d pages skipped, %d images resolved, %d unresolved",
		m.Requests,
		m.PagesRequested,
		m.MonumentsBuilt,
		m.PagesSkipped,
		m.ImagesResolved,
		m.ImagesUnresolved,
	)
}

// writeMonuments saves to path, or prints to stdout when path is empty.
func writeMonuments(path string, monuments []monument.Monument) error {
	if path == "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(monuments)
	}

	if err := monument.Save(path, monuments); err != nil {
		return err
	}

	log.Printf("Wrote %d monuments to %s", len(monuments), path)

	return nil
}

var wikiNearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "Lists the monuments around a coordinate",
	RunE: func(cmd *cobra.Command, _ []string) error {
		coord, err := spatial.NewCoordinate(wikiFlags.Lat, wikiFlags.Lon)
		if err != nil {
			return err
		}

		c := newWikiClient()

		monuments, err := c.SearchNearby(cmd.Context(), coord, wikiFlags.Radius, wikiFlags.Limit)
		logWikiMetrics(&c.Metrics)

		if err != nil {
			return err
		}

		return writeMonuments(wikiFlags.Output, monuments)
	},
}

// sweepPoints returns the H3 cell centers at h3Res, or the rows x cols grid
// when h3Res is negative.
func sweepPoints(bound orb.Bound, rows, cols, h3Res int) ([]spatial.Coordinate, error) {
	if h3Res >= 0 {
		return spatial.H3Grid(bound, h3Res)
	}

	return spatial.Grid(bound, rows, cols), nil
}

var wikiSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Harvests the monuments of a bounding box",
	Long: `
Sweeps a bounding box, searching for monuments around every point of a regular
grid (--rows x --cols) or around the center of every H3 cell (--h3-res), and
writes the union of the results without duplicates.
`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bound := spatial.Bound(wikiFlags.MinLat, wikiFlags.MaxLat, wikiFlags.MinLon, wikiFlags.MaxLon)

		points, err := sweepPoints(bound, wikiFlags.Rows, wikiFlags.Cols, wikiFlags.H3Res)
		if err != nil {
			return err
		}

		var existing []monument.Monument

		if wikiFlags.Resume && wikiFlags.Output != "" {
			existing, err = monument.Load(wikiFlags.Output)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}

		log.Printf("Sweeping %d points with radius %dm", len(points), wikiFlags.Radius)

		c := newWikiClient()
		monuments, err := c.Sweep(cmd.Context(), points, wiki.SweepOptions{
			RadiusMeters: wikiFlags.Radius,
			Limit:        wikiFlags.Limit,
			Existing:     existing,
		})
		logWikiMetrics(&c.Metrics)

		if err != nil {
			// keep what was harvested so far
			if len(monuments) > 0 && wikiFlags.Output != "" {
				if werr := writeMonuments(wikiFlags.Output, monuments); werr != nil {
					log.Printf("Saving partial results: %v", werr)
				}
			}

			return fmt.Errorf("sweep interrupted after %d monuments: %w", len(monuments), err)
		}

		return writeMonuments(wikiFlags.Output, monuments)
	},
}

func init() {
	rootCmd.AddCommand(wikiCmd)
	wikiCmd.AddCommand(wikiNearbyCmd)
	wikiCmd.AddCommand(wikiSweepCmd)

	wikiCmd.PersistentFlags().IntVar(&wikiFlags.Radius, "radius", 1500, "Search radius in meters")
	wikiCmd.PersistentFlags().IntVar(&wikiFlags.Limit, "limit", 10, "Maximum pages per search")
	wikiCmd.PersistentFlags().StringVarP(
		&wikiFlags.Output,
		"output",
		"o",
		"",
		"Output file (.json or .json.gz); stdout when empty",
	)

	wikiNearbyCmd.Flags().Float64Var(&wikiFlags.Lat, "lat", 0, "Latitude")
	wikiNearbyCmd.Flags().Float64Var(&wikiFlags.Lon, "lon", 0, "Longitude")
	_ = wikiNearbyCmd.MarkFlagRequired("lat")
	_ = wikiNearbyCmd.MarkFlagRequired("lon")

	wikiSweepCmd.Flags().Float64Var(&wikiFlags.MinLat, "min-lat", 41.27, "Southern latitude of the box")
	wikiSweepCmd.Flags().Float64Var(&wikiFlags.MaxLat, "max-lat", 41.34, "Northern latitude of the box")
	wikiSweepCmd.Flags().Float64Var(&wikiFlags.MinLon, "min-lon", -73, "Western longitude of the box")
	wikiSweepCmd.Flags().Float64Var(&wikiFlags.MaxLon, "max-lon", -72.8, "Eastern longitude of the box")
	wikiSweepCmd.Flags().IntVar(&wikiFlags.Rows, "rows", 10, "Grid latitudes")
	wikiSweepCmd.Flags().IntVar(&wikiFlags.Cols, "cols", 10, "Grid longitudes")
	wikiSweepCmd.Flags().IntVar(
		&wikiFlags.H3Res,
		"h3-res",
		-1,
		"Sweep H3 cell centers at this resolution (0-15) instead of a grid; negative disables",
	)
	wikiSweepCmd.Flags().BoolVar(&wikiFlags.Resume, "resume", false, "Keep the monuments already in the output file")
}
