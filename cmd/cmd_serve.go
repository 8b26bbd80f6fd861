// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"log"

	"github.com/loca-ai/locavision/server"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	Addr string
}

var serveFlags = &serveOptions{}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves the search and catalog API",
	Long: `
Serves POST /api/search, which matches a base64 image against the product set,
and GET /api/monuments/nearby, which queries the local catalog. Endpoints whose
dependencies are not configured answer 503.
`,
	RunE: func(cmd *cobra.Command, _ []string) (err error) {
		ctx := cmd.Context()

		cfg.VisionAPIKey = server.APIKey(ctx, cfg.VisionAPIKey, cfg.ProjectID)

		// nil interface, never a nil *cloud.Bridge
		var searcher server.Searcher

		h, err := newBridge(ctx, true)
		if err != nil {
			log.Printf("Similarity search disabled: %v", err)
		} else {
			defer func() {
				err = errors.Join(err, h.Close())
			}()

			searcher = h.Bridge
		}

		repo, err := openCatalog()
		if err != nil {
			return err
		}
		defer repo.DB().Close()

		log.Printf("Listening on %s", serveFlags.Addr)

		return server.NewServer(searcher, repo).Run(serveFlags.Addr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveFlags.Addr, "addr", server.DefaultAddr, "Listen address")
}
