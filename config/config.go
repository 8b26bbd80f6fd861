// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

// Package config builds the process configuration from the environment.
//
// A Config is built once, after the optional .env file was loaded, and then
// passed by value to every component constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment keys.
const (
	EnvCredentials     = "GOOGLE_APPLICATION_CREDENTIALS"
	EnvProjectID       = "PROJECT_ID"
	EnvLocation        = "LOCATION"
	EnvImageBucket     = "IMAGE_BUCKET"
	EnvCSVBucket       = "CSV_BUCKET"
	EnvProductSetID    = "PRODUCT_SET_ID"
	EnvProductCategory = "PRODUCT_CATEGORY"
	EnvStorageScheme   = "STORAGE_SCHEME"
	EnvVisionAPIKey    = "VISION_API_KEY"
	EnvWikiEndpoint    = "WIKI_ENDPOINT"
	EnvCatalogDB       = "CATALOG_DB"
	EnvDownloadTimeout = "DOWNLOAD_TIMEOUT"
)

// Defaults.
const (
	DefaultLocation        = "us-east1"
	DefaultProductCategory = "general-v1"
	DefaultStorageScheme   = "gs"
	DefaultWikiEndpoint    = "https://en.wikipedia.org/w/api.php"
	DefaultCatalogDB       = "db/locavision.duckdb"
	DefaultDownloadTimeout = 3 * time.Second
)

// ErrMissingSetting is returned by the Require* helpers.
var ErrMissingSetting = errors.New("missing setting")

// Config is the immutable configuration of the process.
type Config struct {
	// CredentialsFile is a service account JSON file; empty means ADC
	CredentialsFile string

	ProjectID       string
	Location        string
	ImageBucket     string
	CSVBucket       string
	ProductSetID    string
	ProductCategory string

	// StorageScheme is the URI scheme of storage locators, e.g. "gs"
	StorageScheme string

	VisionAPIKey    string
	WikiEndpoint    string
	CatalogDB       string
	DownloadTimeout time.Duration

	// UserAgent is sent on every outgoing HTTP request
	UserAgent string
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv builds a Config from the process environment.
func FromEnv(userAgent string) (Config, error) {
	return Load(os.LookupEnv, userAgent)
}

// Load builds a Config reading keys through lookup.
func Load(lookup LookupFunc, userAgent string) (Config, error) {
	getEnv := func(key, fallback string) string {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}

		return fallback
	}

	cfg := Config{
		CredentialsFile: getEnv(EnvCredentials, ""),
		ProjectID:       getEnv(EnvProjectID, ""),
		Location:        getEnv(EnvLocation, DefaultLocation),
		ImageBucket:     getEnv(EnvImageBucket, ""),
		CSVBucket:       getEnv(EnvCSVBucket, ""),
		ProductSetID:    getEnv(EnvProductSetID, ""),
		ProductCategory: getEnv(EnvProductCategory, DefaultProductCategory),
		StorageScheme:   getEnv(EnvStorageScheme, DefaultStorageScheme),
		VisionAPIKey:    getEnv(EnvVisionAPIKey, ""),
		WikiEndpoint:    getEnv(EnvWikiEndpoint, DefaultWikiEndpoint),
		CatalogDB:       getEnv(EnvCatalogDB, DefaultCatalogDB),
		DownloadTimeout: DefaultDownloadTimeout,
		UserAgent:       userAgent,
	}

	if v := getEnv(EnvDownloadTimeout, ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", EnvDownloadTimeout, err)
		}

		cfg.DownloadTimeout = d
	}

	return cfg, nil
}

// Require returns ErrMissingSetting naming every empty setting among the
// given environment keys.
func (c Config) Require(keys ...string) error {
	values := map[string]string{
		EnvProjectID:    c.ProjectID,
		EnvLocation:     c.Location,
		EnvImageBucket:  c.ImageBucket,
		EnvCSVBucket:    c.CSVBucket,
		EnvProductSetID: c.ProductSetID,
	}

	var missing []string

	for _, k := range keys {
		if values[k] == "" {
			missing = append(missing, k)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingSetting, strings.Join(missing, ", "))
	}

	return nil
}
