// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes similarity search and the monument catalog over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	apikeys "cloud.google.com/go/apikeys/apiv2"
	"cloud.google.com/go/apikeys/apiv2/apikeyspb"
	"github.com/gin-gonic/gin"
	"github.com/loca-ai/locavision/catalog"
	"github.com/loca-ai/locavision/cloud"
	"github.com/loca-ai/locavision/spatial"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"
)

// Defaults.
const (
	DefaultAddr         = "localhost:8080"
	DefaultRadiusMeters = 1000
	MaxRadiusMeters     = 50000
	MaxResults          = 50

	// APIKeyDisplayName is the display name of the Vision API key looked up
	// through Application Default Credentials.
	APIKeyDisplayName = "LocaVision Vision Key"
)

// Searcher runs similarity searches; *cloud.Bridge implements it.
type Searcher interface {
	UploadBase64Image(ctx context.Context, payload string) (string, error)
	GetSimilarProductsBase64(ctx context.Context, payload, filter string, maxResults int) (*cloud.SearchResult, error)
}

// Server is the HTTP API.
type Server struct {
	searcher Searcher
	catalog  catalog.MonumentRepository
}

// NewServer creates a server. Either dependency may be nil, which disables
// its endpoints.
func NewServer(searcher Searcher, repo catalog.MonumentRepository) *Server {
	return &Server{
		searcher: searcher,
		catalog:  repo,
	}
}

// APIKey returns key when set, otherwise looks the Vision API key up with
// Application Default Credentials. An empty result means none was found and
// callers should authenticate with credentials instead.
func APIKey(ctx context.Context, key, projectID string) string {
	if key != "" {
		return key
	}

	log.Println("VISION_API_KEY is not set. Attempting to retrieve via ADC...")

	key, err := getAPIKeyFromADC(ctx, projectID)
	if err != nil {
		log.Printf("Failed to retrieve API key via ADC: %v", err)

		return ""
	}

	log.Println("Retrieved Vision API Key via ADC")

	return key
}

func getAPIKeyFromADC(ctx context.Context, fallbackProjectID string) (string, error) {
	creds, err := google.FindDefaultCredentials(ctx, cloud.CloudPlatformScope)
	if err != nil {
		return "", fmt.Errorf("finding default credentials: %w", err)
	}

	projectID := creds.ProjectID
	if projectID == "" {
		// user credentials without a quota project
		projectID = fallbackProjectID
	}

	if projectID == "" {
		return "", errors.New("no project id in credentials nor configuration")
	}

	client, err := apikeys.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("creating apikeys client: %w", err)
	}
	defer client.Close()

	it := client.ListKeys(ctx, &apikeyspb.ListKeysRequest{
		Parent: fmt.Sprintf("projects/%s/locations/global", projectID),
	})

	for {
		key, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}

		if err != nil {
			return "", fmt.Errorf("listing keys: %w", err)
		}

		if key.DisplayName != APIKeyDisplayName {
			continue
		}

		// ListKeys redacts the KeyString
		resp, err := client.GetKeyString(ctx, &apikeyspb.GetKeyStringRequest{Name: key.Name})
		if err != nil {
			return "", fmt.Errorf("getting key string: %w", err)
		}

		if resp.KeyString == "" {
			return "", fmt.Errorf("key '%s' found but KeyString is empty", APIKeyDisplayName)
		}

		return resp.KeyString, nil
	}

	return "", fmt.Errorf("key with display name '%s' not found in project %s", APIKeyDisplayName, projectID)
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/healthcheck", s.healthcheck)
	r.POST("/api/search", s.search)
	r.GET("/api/monuments/nearby", s.nearby)

	return r
}

// Run serves the API on addr.
func (s *Server) Run(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	return s.Router().Run(addr)
}

func (s *Server) healthcheck(ctx *gin.Context) {
	ctx.String(http.StatusOK, "OK")
}

// SearchRequest is the body of POST /api/search.
type SearchRequest struct {
	// Image is base64 or a data URL
	Image  string `json:"image" binding:"required"`
	Filter string `json:"filter"`
	Max    int    `json:"max"`
}

// SearchResponse is the answer of POST /api/search.
type SearchResponse struct {
	URI       string        `json:"uri"`
	IndexTime string        `json:"index_time"`
	Matches   []cloud.Match `json:"matches"`
}

func (s *Server) search(ctx *gin.Context) {
	if s.searcher == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "similarity search is not configured"})

		return
	}

	var req SearchRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	if req.Max < 0 || req.Max > MaxResults {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("max must be between 0 and %d", MaxResults)})

		return
	}

	uri, err := s.searcher.UploadBase64Image(ctx, req.Image)
	if err != nil {
		ctx.JSON(statusOf(err), gin.H{"error": err.Error()})

		return
	}

	result, err := s.searcher.GetSimilarProductsBase64(ctx, req.Image, req.Filter, req.Max)
	if err != nil {
		log.Printf("similarity search failed: %v", err)
		ctx.JSON(statusOf(err), gin.H{"error": err.Error()})

		return
	}

	matches := result.Matches
	if matches == nil {
		matches = []cloud.Match{}
	}

	ctx.JSON(http.StatusOK, SearchResponse{
		URI:       uri,
		IndexTime: result.IndexTime,
		Matches:   matches,
	})
}

func statusOf(err error) int {
	if errors.Is(err, cloud.ErrInvalidPayload) {
		return http.StatusBadRequest
	}

	return http.StatusBadGateway
}

func parseFloatQuery(ctx *gin.Context, name string) (float64, error) {
	v := ctx.Query(name)
	if v == "" {
		return 0, fmt.Errorf("%s query parameter is required", name)
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	return f, nil
}

func (s *Server) nearby(ctx *gin.Context) {
	if s.catalog == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "catalog is not configured"})

		return
	}

	lat, err := parseFloatQuery(ctx, "lat")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	lon, err := parseFloatQuery(ctx, "lon")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	coord, err := spatial.NewCoordinate(lat, lon)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})

		return
	}

	radius := float64(DefaultRadiusMeters)
	if ctx.Query("radius") != "" {
		radius, err = parseFloatQuery(ctx, "radius")
		if err != nil || radius < 0 || radius > MaxRadiusMeters {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("radius must be between 0 and %d", MaxRadiusMeters)})

			return
		}
	}

	results, err := s.catalog.Nearby(coord, radius)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})

		return
	}

	ctx.JSON(http.StatusOK, gin.H{"results": results})
}
