// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

// Package cloud moves monuments into object storage and the product
// similarity index.
package cloud

import (
	"context"
	"crypto/md5" //nolint:gosec // object naming, not security
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/loca-ai/locavision/monument"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"gocloud.dev/blob"
)

// Defaults.
const (
	DefaultStorageScheme   = "gs"
	DefaultProductCategory = "general-v1"
	DefaultLocation        = "us-east1"
	DefaultMaxResults      = 3

	fallbackExtension = "jpg"
)

// BridgeOptions configuration for Bridge.
type BridgeOptions struct {
	ImageBucket     string
	CSVBucket       string
	StorageScheme   string
	ProductSetID    string
	ProductCategory string
	Project         string
	Location        string

	// DownloadTimeout bounds each image download
	DownloadTimeout time.Duration

	// UserAgent is the User-Agent header to use in HTTP requests
	UserAgent string
}

// Bridge uploads monument images, exports the import CSV and talks to the
// similarity index.
type Bridge struct {
	options    BridgeOptions
	images     *blob.Bucket
	csvs       *blob.Bucket
	downloader Downloader
	search     ProductSearch
}

// NewBridge creates a bridge. csvs and search may be nil for callers that only
// upload images.
func NewBridge(options BridgeOptions, images, csvs *blob.Bucket, downloader Downloader, search ProductSearch) *Bridge {
	if options.StorageScheme == "" {
		options.StorageScheme = DefaultStorageScheme
	}

	if options.ProductCategory == "" {
		options.ProductCategory = DefaultProductCategory
	}

	if options.Location == "" {
		options.Location = DefaultLocation
	}

	return &Bridge{
		options:    options,
		images:     images,
		csvs:       csvs,
		downloader: downloader,
		search:     search,
	}
}

// UploadMetrics tracks statistics about an UploadImages run.
type UploadMetrics struct {
	Monuments int // monuments processed
	Uploaded  int // images downloaded and stored
	Stored    int // images that already had a storage locator
	Failed    int // images skipped for a transient error
}

// Merge combines two UploadMetrics.
func (m *UploadMetrics) Merge(o *UploadMetrics) *UploadMetrics {
	m.Monuments += o.Monuments
	m.Uploaded += o.Uploaded
	m.Stored += o.Stored
	m.Failed += o.Failed

	return m
}

// StoragePrefix is the prefix of every image storage locator.
func (b *Bridge) StoragePrefix() string {
	return b.options.StorageScheme + "://" + b.options.ImageBucket + "/"
}

// IsStored reports whether locator already points into the image bucket.
func (b *Bridge) IsStored(locator string) bool {
	return strings.HasPrefix(locator, b.StoragePrefix())
}

func (b *Bridge) imageLocator(key string) string {
	return b.StoragePrefix() + key
}

func (b *Bridge) csvLocator(key string) string {
	return b.options.StorageScheme + "://" + b.options.CSVBucket + "/" + key
}

// extension returns the extension of the image URL path, without the dot.
func extension(locator string) string {
	p := locator
	if u, err := url.Parse(locator); err == nil {
		p = u.Path
	}

	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" {
		return fallbackExtension
	}

	return strings.ToLower(ext)
}

// UploadImages copies every external image into the image bucket under
// slug/index.ext and returns the monuments with their locators replaced.
// monuments is not modified. Images that fail to download keep their original
// locator, so a later run retries only those. On error the returned list still
// holds every upload done before the failure.
func (b *Bridge) UploadImages(ctx context.Context, monuments []monument.Monument) ([]monument.Monument, UploadMetrics, error) {
	var metrics UploadMetrics

	ret := make([]monument.Monument, len(monuments))

	var bar *progressbar.ProgressBar
	if isatty.IsTerminal(os.Stderr.Fd()) {
		bar = progressbar.NewOptions(len(monuments),
			progressbar.OptionSetDescription("Uploading images"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	for i := range monuments {
		ret[i] = monuments[i].Clone()

		m, err := b.uploadMonument(ctx, &ret[i])
		metrics.Merge(&m)

		if err != nil {
			// finished uploads stay in the result so callers can save them
			for j := i + 1; j < len(monuments); j++ {
				ret[j] = monuments[j].Clone()
			}

			return ret, metrics, fmt.Errorf("uploading images of %q: %w", ret[i].Name, err)
		}

		if bar == nil {
			log.Printf("Uploaded images of %s", ret[i].Name)
		} else if err := bar.Add(1); err != nil {
			log.Printf("updating progress bar: %v", err)
		}
	}

	return ret, metrics, nil
}

func (b *Bridge) uploadMonument(ctx context.Context, m *monument.Monument) (UploadMetrics, error) {
	metrics := UploadMetrics{Monuments: 1}
	slug := m.Slug()

	for i, locator := range m.ImageURLs {
		if b.IsStored(locator) {
			metrics.Stored++

			continue
		}

		if err := ctx.Err(); err != nil {
			return metrics, err
		}

		data, contentType, err := b.downloader.Download(ctx, locator)
		if err != nil {
			if ctx.Err() == nil && IsTransient(err) {
				log.Printf("Skipping image %s: %v", locator, err)
				metrics.Failed++

				continue
			}

			return metrics, err
		}

		key := fmt.Sprintf("%s/%d.%s", slug, i, extension(locator))
		if err := b.images.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType}); err != nil {
			return metrics, fmt.Errorf("writing %s: %w", key, err)
		}

		m.ImageURLs[i] = b.imageLocator(key)
		metrics.Uploaded++
	}

	return metrics, nil
}

// DecodeBase64Image decodes a base64 image, optionally wrapped as a data URL
// ("data:image/jpeg;base64,...").
func DecodeBase64Image(payload string) ([]byte, error) {
	if _, after, found := strings.Cut(payload, "base64,"); found {
		payload = after
	}

	payload = strings.Join(strings.Fields(payload), "")
	if payload == "" {
		return nil, ErrInvalidPayload
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	}

	return data, nil
}

// UploadBase64Image stores a base64 image named after its content and returns
// its storage locator.
func (b *Bridge) UploadBase64Image(ctx context.Context, payload string) (string, error) {
	data, err := DecodeBase64Image(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(data) //nolint:gosec // object naming, not security
	key := hex.EncodeToString(sum[:])[:15] + ".jpeg"

	if err := b.images.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "image/jpeg"}); err != nil {
		return "", fmt.Errorf("writing %s: %w", key, err)
	}

	return b.imageLocator(key), nil
}

// location is the parent resource of the similarity index.
func (b *Bridge) location() string {
	return LocationName(b.options.Project, b.options.Location)
}

func (b *Bridge) searchService() (ProductSearch, error) {
	if b.search == nil {
		return nil, errors.New("product search is not configured")
	}

	return b.search, nil
}

// CreateProduct creates a product in the similarity index. An empty category
// means the configured one.
func (b *Bridge) CreateProduct(ctx context.Context, id, displayName, category string, labels []Label) (*Product, error) {
	s, err := b.searchService()
	if err != nil {
		return nil, err
	}

	if category == "" {
		category = b.options.ProductCategory
	}

	product, err := s.CreateProduct(ctx, b.location(), id, &Product{
		DisplayName: displayName,
		Category:    category,
		Labels:      labels,
	})
	if err != nil {
		return nil, fmt.Errorf("creating product %s: %w", id, err)
	}

	return product, nil
}

// CreateProductSet creates a product set and returns its resource name.
func (b *Bridge) CreateProductSet(ctx context.Context, id, displayName string) (string, error) {
	s, err := b.searchService()
	if err != nil {
		return "", err
	}

	name, err := s.CreateProductSet(ctx, b.location(), id, displayName)
	if err != nil {
		return "", fmt.Errorf("creating product set %s: %w", id, err)
	}

	return name, nil
}

// CreateReferenceImage attaches the stored image uri to a product.
func (b *Bridge) CreateReferenceImage(ctx context.Context, productID, imageID, uri string) (string, error) {
	s, err := b.searchService()
	if err != nil {
		return "", err
	}

	product := ProductName(b.options.Project, b.options.Location, productID)

	name, err := s.CreateReferenceImage(ctx, product, imageID, uri)
	if err != nil {
		return "", fmt.Errorf("creating reference image %s of %s: %w", imageID, productID, err)
	}

	return name, nil
}

// AddProductToProductSet adds a product to the configured product set.
func (b *Bridge) AddProductToProductSet(ctx context.Context, productID string) error {
	s, err := b.searchService()
	if err != nil {
		return err
	}

	set := ProductSetName(b.options.Project, b.options.Location, b.options.ProductSetID)
	product := ProductName(b.options.Project, b.options.Location, productID)

	if err := s.AddProductToProductSet(ctx, set, product); err != nil {
		return fmt.Errorf("adding %s to %s: %w", productID, b.options.ProductSetID, err)
	}

	return nil
}

// ImportProductSets imports a CSV catalog already in storage and waits for the
// import to finish.
func (b *Bridge) ImportProductSets(ctx context.Context, uri string) (*ImportResult, error) {
	s, err := b.searchService()
	if err != nil {
		return nil, err
	}

	result, err := s.ImportProductSets(ctx, b.location(), uri)
	if err != nil {
		return nil, fmt.Errorf("importing %s: %w", uri, err)
	}

	for _, status := range result.Statuses {
		if status.OK() {
			log.Printf("Imported reference image %s", status.ReferenceImage)
		} else {
			log.Printf("Import of row %d failed with code %d: %s", status.Index, status.Code, status.Message)
		}
	}

	return result, nil
}

// GetSimilarProductsFile searches the product set for images similar to the
// local file at path.
func (b *Bridge) GetSimilarProductsFile(ctx context.Context, path, filter string, maxResults int) (*SearchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return b.similar(ctx, data, filter, maxResults)
}

// GetSimilarProductsBase64 searches the product set for images similar to a
// base64 encoded image.
func (b *Bridge) GetSimilarProductsBase64(ctx context.Context, payload, filter string, maxResults int) (*SearchResult, error) {
	data, err := DecodeBase64Image(payload)
	if err != nil {
		return nil, err
	}

	return b.similar(ctx, data, filter, maxResults)
}

func (b *Bridge) similar(ctx context.Context, content []byte, filter string, maxResults int) (*SearchResult, error) {
	s, err := b.searchService()
	if err != nil {
		return nil, err
	}

	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	result, err := s.Search(ctx, &SearchRequest{
		Content:    content,
		ProductSet: ProductSetName(b.options.Project, b.options.Location, b.options.ProductSetID),
		Categories: []string{b.options.ProductCategory},
		Filter:     filter,
		MaxResults: maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("searching similar products: %w", err)
	}

	return result, nil
}
