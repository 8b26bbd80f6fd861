// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package wiki

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/loca-ai/locavision/monument"
	"github.com/loca-ai/locavision/spatial"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// SweepOptions configuration for Sweep.
type SweepOptions struct {
	RadiusMeters int
	Limit        int

	// Existing monuments are kept and never duplicated
	Existing []monument.Monument
}

// Sweep runs SearchNearby around every point and returns the union of the
// results without duplicates, in discovery order.
func (c *Client) Sweep(ctx context.Context, points []spatial.Coordinate, options SweepOptions) ([]monument.Monument, error) {
	ret := monument.Dedupe([]monument.Monument{}, options.Existing...)

	var bar *progressbar.ProgressBar
	if isatty.IsTerminal(os.Stderr.Fd()) {
		bar = progressbar.NewOptions(len(points),
			progressbar.OptionSetDescription("Sweeping"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	for _, p := range points {
		found, err := c.SearchNearby(ctx, p, options.RadiusMeters, options.Limit)
		if err != nil {
			return ret, fmt.Errorf("sweeping %s: %w", p, err)
		}

		before := len(ret)
		ret = monument.Dedupe(ret, found...)

		if bar == nil {
			log.Printf("Sweep %s - %d found, %d new", p, len(found), len(ret)-before)
		} else if err := bar.Add(1); err != nil {
			log.Printf("updating progress bar: %v", err)
		}
	}

	return ret, nil
}
