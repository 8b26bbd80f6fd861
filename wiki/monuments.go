// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/loca-ai/locavision/monument"
	"github.com/loca-ai/locavision/spatial"
)

// Request limits.
const (
	DefaultGeosearchLimit = 200
	MaxGeosearchLimit     = 500

	// extracts are only served for 20 pages per request
	pageBatchSize  = 20
	titleBatchSize = 50
)

type geosearchResponse struct {
	Query *struct {
		Geosearch []struct {
			PageID int    `json:"pageid"`
			Title  string `json:"title"`
		} `json:"geosearch"`
	} `json:"query"`
}

type pagesResponse struct {
	Query *struct {
		Normalized []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"normalized"`
		Pages []page `json:"pages"`
	} `json:"query"`
}

type page struct {
	PageID      int    `json:"pageid"`
	Title       string `json:"title"`
	Missing     bool   `json:"missing"`
	Extract     string `json:"extract"`
	PageImage   string `json:"pageimage"`
	Coordinates []struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coordinates"`
	Images []struct {
		Title string `json:"title"`
	} `json:"images"`
	ImageInfo []struct {
		URL string `json:"url"`
	} `json:"imageinfo"`
}

// merge folds a continuation chunk of the same page into p.
func (p *page) merge(o *page) {
	if p.Title == "" {
		p.Title = o.Title
	}

	if p.Extract == "" {
		p.Extract = o.Extract
	}

	if p.PageImage == "" {
		p.PageImage = o.PageImage
	}

	if len(p.Coordinates) == 0 {
		p.Coordinates = o.Coordinates
	}

	p.Images = append(p.Images, o.Images...)
	p.ImageInfo = append(p.ImageInfo, o.ImageInfo...)
}

// Geosearch returns the ids of the pages within radiusMeters of coord.
func (c *Client) Geosearch(ctx context.Context, coord spatial.Coordinate, radiusMeters, limit int) ([]int, error) {
	if err := coord.Validate(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultGeosearchLimit
	}

	limit = min(limit, MaxGeosearchLimit)

	params := url.Values{
		"list":     {"geosearch"},
		"gscoord":  {fmt.Sprintf("%g|%g", coord.Lat, coord.Lon)},
		"gsradius": {strconv.Itoa(radiusMeters)},
		"gslimit":  {strconv.Itoa(limit)},
	}

	body, err := c.get(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("geosearch around %s: %w", coord, err)
	}

	var resp geosearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding geosearch response: %w", err)
	}

	ret := []int{}

	if resp.Query == nil {
		return ret, nil
	}

	for _, r := range resp.Query.Geosearch {
		ret = append(ret, r.PageID)
	}

	return ret, nil
}

// ImageTitles lists the image titles of a page: the page image first, then
// every other image in order. SVG files and duplicates are left out.
func ImageTitles(pageImage string, images []string) []string {
	ret := []string{}
	seen := map[string]bool{}

	add := func(title string) {
		if title == "" || seen[title] || strings.HasSuffix(strings.ToLower(title), ".svg") {
			return
		}

		seen[title] = true
		ret = append(ret, title)
	}

	if pageImage != "" {
		add("File:" + pageImage)
	}

	for _, title := range images {
		add(title)
	}

	return ret
}

// fetchPages resolves the given page ids, merging continuation chunks.
// The pages are returned in the order of ids; redirect targets not present
// in ids follow in the order they were first seen.
func (c *Client) fetchPages(ctx context.Context, ids []int) ([]*page, error) {
	byID := map[int]*page{}

	var extra []int

	for batch := range slices.Chunk(ids, pageBatchSize) {
		ps := make([]string, len(batch))
		for i, id := range batch {
			ps[i] = strconv.Itoa(id)
		}

		params := url.Values{
			"prop":          {"images|extracts|pageimages|coordinates"},
			"formatversion": {"2"},
			"pageids":       {strings.Join(ps, "|")},
			"redirects":     {"1"},
			"explaintext":   {"1"},
			"exintro":       {"1"},
			"exlimit":       {"max"},
			"imlimit":       {"max"},
		}

		err := c.query(ctx, params, func(body []byte) error {
			var resp pagesResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decoding pages response: %w", err)
			}

			if resp.Query == nil {
				return nil
			}

			for i := range resp.Query.Pages {
				p := &resp.Query.Pages[i]
				if prev, ok := byID[p.PageID]; ok {
					prev.merge(p)

					continue
				}

				byID[p.PageID] = p
				extra = append(extra, p.PageID)
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("resolving pages %v: %w", batch, err)
		}
	}

	var ret []*page

	used := map[int]bool{}

	for _, id := range append(append([]int{}, ids...), extra...) {
		if p, ok := byID[id]; ok && !used[id] {
			used[id] = true
			ret = append(ret, p)
		}
	}

	return ret, nil
}

// ResolveMonuments turns page ids into monuments. Pages without coordinates
// are skipped.
func (c *Client) ResolveMonuments(ctx context.Context, pageIDs []int) ([]monument.Monument, error) {
	ret := []monument.Monument{}

	if len(pageIDs) == 0 {
		return ret, nil
	}

	c.Metrics.PagesRequested += len(pageIDs)

	pages, err := c.fetchPages(ctx, pageIDs)
	if err != nil {
		return nil, err
	}

	var (
		kept    []*page
		titles  []string
		perPage [][]string
	)

	for _, p := range pages {
		if p.Missing {
			log.Printf("Wiki - page %d is missing, skipping", p.PageID)
			c.Metrics.PagesSkipped++

			continue
		}

		if len(p.Coordinates) == 0 {
			log.Printf("Wiki - page %d %q has no coordinates, skipping", p.PageID, p.Title)
			c.Metrics.PagesSkipped++

			continue
		}

		images := make([]string, len(p.Images))
		for i, img := range p.Images {
			images[i] = img.Title
		}

		t := ImageTitles(p.PageImage, images)
		kept = append(kept, p)
		perPage = append(perPage, t)
		titles = append(titles, t...)
	}

	urls, err := c.resolveImageURLs(ctx, titles)
	if err != nil {
		return nil, err
	}

	for i, p := range kept {
		coord := spatial.Coordinate{Lat: p.Coordinates[0].Lat, Lon: p.Coordinates[0].Lon}
		if err := coord.Validate(); err != nil {
			log.Printf("Wiki - page %d %q: %v, skipping", p.PageID, p.Title, err)
			c.Metrics.PagesSkipped++

			continue
		}

		m := monument.Monument{
			Name:        p.Title,
			Description: p.Extract,
			Coord:       coord,
			ImageURLs:   []string{},
		}

		for _, title := range perPage[i] {
			if u, ok := urls[title]; ok {
				m.ImageURLs = append(m.ImageURLs, u)
			}
		}

		ret = append(ret, m)
	}

	c.Metrics.MonumentsBuilt += len(ret)

	return ret, nil
}

// ImageURLs resolves file titles into absolute URLs, in title order.
// Titles that cannot be resolved are dropped.
func (c *Client) ImageURLs(ctx context.Context, titles []string) ([]string, error) {
	urls, err := c.resolveImageURLs(ctx, titles)
	if err != nil {
		return nil, err
	}

	ret := []string{}

	for _, title := range titles {
		if u, ok := urls[title]; ok {
			ret = append(ret, u)
		}
	}

	return ret, nil
}

// resolveImageURLs maps every requested title to its URL.
func (c *Client) resolveImageURLs(ctx context.Context, titles []string) (map[string]string, error) {
	ret := map[string]string{}

	unique := make([]string, 0, len(titles))
	seen := map[string]bool{}

	for _, t := range titles {
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}

	for batch := range slices.Chunk(unique, titleBatchSize) {
		params := url.Values{
			"prop":          {"imageinfo"},
			"iiprop":        {"url"},
			"formatversion": {"2"},
			"titles":        {strings.Join(batch, "|")},
		}

		// requested title for every title the API reports back
		requested := map[string]string{}
		for _, t := range batch {
			requested[t] = t
		}

		err := c.query(ctx, params, func(body []byte) error {
			var resp pagesResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decoding imageinfo response: %w", err)
			}

			if resp.Query == nil {
				return nil
			}

			for _, n := range resp.Query.Normalized {
				requested[n.To] = n.From
			}

			for _, p := range resp.Query.Pages {
				if len(p.ImageInfo) == 0 || p.ImageInfo[0].URL == "" {
					continue
				}

				from, ok := requested[p.Title]
				if !ok {
					from = p.Title
				}

				if _, done := ret[from]; !done {
					ret[from] = p.ImageInfo[0].URL
				}
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("resolving %d image titles: %w", len(batch), err)
		}
	}

	c.Metrics.ImagesResolved += len(ret)
	c.Metrics.ImagesUnresolved += len(unique) - len(ret)

	return ret, nil
}

// SearchNearby finds the monuments within radiusMeters of coord.
func (c *Client) SearchNearby(ctx context.Context, coord spatial.Coordinate, radiusMeters, limit int) ([]monument.Monument, error) {
	ids, err := c.Geosearch(ctx, coord, radiusMeters, limit)
	if err != nil {
		return nil, err
	}

	return c.ResolveMonuments(ctx, ids)
}
