// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/loca-ai/locavision/catalog"
	"github.com/loca-ai/locavision/monument"
	"github.com/loca-ai/locavision/spatial"
	"github.com/loca-ai/locavision/utils/textutils"
	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Local monument catalog",
}

type catalogOptions struct {
	Lat, Lon float64
	Radius   float64
}

var catalogFlags = &catalogOptions{}

// openCatalog opens the DuckDB catalog, creating its directory and schema.
func openCatalog() (catalog.MonumentRepository, error) {
	if dir := filepath.Dir(cfg.CatalogDB); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	db, err := sql.Open("duckdb", cfg.CatalogDB)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.CatalogDB, err)
	}

	repo := catalog.NewMonumentRepository(db)
	if err := repo.CreateSchema(); err != nil {
		_ = db.Close()

		return nil, err
	}

	return repo, nil
}

var catalogIndexCmd = &cobra.Command{
	Use:   "index <monuments.json>",
	Short: "Loads monuments into the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		monuments, err := monument.Load(args[0])
		if err != nil {
			return err
		}

		repo, err := openCatalog()
		if err != nil {
			return err
		}
		defer repo.DB().Close()

		n, err := repo.SaveMonuments(monuments)
		if err != nil {
			return err
		}

		total, err := repo.CountMonuments()
		if err != nil {
			return err
		}

		log.Printf(
			"Catalog - %s new, %s updated, %s total",
			textutils.FormatInt(int64(n)),
			textutils.FormatInt(int64(len(monuments)-n)),
			textutils.FormatInt(int64(total)),
		)

		return nil
	},
}

var catalogNearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "Lists catalog monuments around a coordinate",
	RunE: func(_ *cobra.Command, _ []string) error {
		coord, err := spatial.NewCoordinate(catalogFlags.Lat, catalogFlags.Lon)
		if err != nil {
			return err
		}

		repo, err := openCatalog()
		if err != nil {
			return err
		}
		defer repo.DB().Close()

		results, err := repo.Nearby(coord, catalogFlags.Radius)
		if err != nil {
			return err
		}

		return printJSON(results)
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogIndexCmd)
	catalogCmd.AddCommand(catalogNearbyCmd)

	catalogNearbyCmd.Flags().Float64Var(&catalogFlags.Lat, "lat", 0, "Latitude")
	catalogNearbyCmd.Flags().Float64Var(&catalogFlags.Lon, "lon", 0, "Longitude")
	catalogNearbyCmd.Flags().Float64Var(&catalogFlags.Radius, "radius", 1000, "Radius in meters")
	_ = catalogNearbyCmd.MarkFlagRequired("lat")
	_ = catalogNearbyCmd.MarkFlagRequired("lon")
}
