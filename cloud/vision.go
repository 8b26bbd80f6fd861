// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

// CloudPlatformScope is the OAuth scope used for storage and vision.
const CloudPlatformScope = vision.CloudPlatformScope

// DefaultPollInterval is the wait between checks of a running import.
const DefaultPollInterval = 5 * time.Second

const productSearchFeature = "PRODUCT_SEARCH"

// Credentials loads credentials from a service account file or, when file is
// empty, from Application Default Credentials.
func Credentials(ctx context.Context, file string) (*google.Credentials, error) {
	if file == "" {
		creds, err := google.FindDefaultCredentials(ctx, CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("finding default credentials: %w", err)
		}

		return creds, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading credentials %s: %w", file, err)
	}

	//nolint:staticcheck // the file is the operator's own service account
	creds, err := google.CredentialsFromJSON(ctx, data, CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials %s: %w", file, err)
	}

	return creds, nil
}

// VisionIndex is a ProductSearch backed by the Cloud Vision product search API.
type VisionIndex struct {
	svc *vision.Service

	// PollInterval is the wait between checks of a running import
	PollInterval time.Duration
}

// NewVisionIndex creates the index client.
func NewVisionIndex(ctx context.Context, opts ...option.ClientOption) (*VisionIndex, error) {
	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vision service: %w", err)
	}

	return &VisionIndex{svc: svc, PollInterval: DefaultPollInterval}, nil
}

// VisionClientOptions picks the authentication of the vision client: an API
// key when given, credentials otherwise.
func VisionClientOptions(ctx context.Context, apiKey, credentialsFile, userAgent string) ([]option.ClientOption, error) {
	opts := []option.ClientOption{}
	if userAgent != "" {
		opts = append(opts, option.WithUserAgent(userAgent))
	}

	if apiKey != "" {
		return append(opts, option.WithAPIKey(apiKey)), nil
	}

	creds, err := Credentials(ctx, credentialsFile)
	if err != nil {
		return nil, err
	}

	return append(opts, option.WithCredentials(creds)), nil
}

func toVisionLabels(labels []Label) []*vision.KeyValue {
	var ret []*vision.KeyValue

	for _, l := range labels {
		ret = append(ret, &vision.KeyValue{Key: l.Key, Value: l.Value})
	}

	return ret
}

func fromVisionProduct(p *vision.Product) Product {
	if p == nil {
		return Product{}
	}

	ret := Product{
		Name:        p.Name,
		DisplayName: p.DisplayName,
		Description: p.Description,
		Category:    p.ProductCategory,
	}

	for _, l := range p.ProductLabels {
		ret.Labels = append(ret.Labels, Label{Key: l.Key, Value: l.Value})
	}

	return ret
}

// CreateProduct implements ProductSearch.
func (v *VisionIndex) CreateProduct(ctx context.Context, parent, id string, product *Product) (*Product, error) {
	p, err := v.svc.Projects.Locations.Products.Create(parent, &vision.Product{
		DisplayName:     product.DisplayName,
		Description:     product.Description,
		ProductCategory: product.Category,
		ProductLabels:   toVisionLabels(product.Labels),
	}).ProductId(id).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	ret := fromVisionProduct(p)

	return &ret, nil
}

// CreateProductSet implements ProductSearch.
func (v *VisionIndex) CreateProductSet(ctx context.Context, parent, id, displayName string) (string, error) {
	set, err := v.svc.Projects.Locations.ProductSets.Create(parent, &vision.ProductSet{
		DisplayName: displayName,
	}).ProductSetId(id).Context(ctx).Do()
	if err != nil {
		return "", err
	}

	return set.Name, nil
}

// CreateReferenceImage implements ProductSearch.
func (v *VisionIndex) CreateReferenceImage(ctx context.Context, product, id, uri string) (string, error) {
	img, err := v.svc.Projects.Locations.Products.ReferenceImages.Create(product, &vision.ReferenceImage{
		Uri: uri,
	}).ReferenceImageId(id).Context(ctx).Do()
	if err != nil {
		return "", err
	}

	return img.Name, nil
}

// AddProductToProductSet implements ProductSearch.
func (v *VisionIndex) AddProductToProductSet(ctx context.Context, productSet, product string) error {
	_, err := v.svc.Projects.Locations.ProductSets.AddProduct(productSet, &vision.AddProductToProductSetRequest{
		Product: product,
	}).Context(ctx).Do()

	return err
}

// ImportProductSets implements ProductSearch. It polls the long running
// operation until it is done or ctx is cancelled; cancelling does not stop the
// remote import.
func (v *VisionIndex) ImportProductSets(ctx context.Context, parent, csvURI string) (*ImportResult, error) {
	op, err := v.svc.Projects.Locations.ProductSets.Import(parent, &vision.ImportProductSetsRequest{
		InputConfig: &vision.ImportProductSetsInputConfig{
			GcsSource: &vision.ImportProductSetsGcsSource{CsvFileUri: csvURI},
		},
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	name := op.Name
	log.Printf("Import started: %s", name)

	interval := v.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for !op.Done {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", name, ctx.Err())
		case <-time.After(interval):
		}

		op, err = v.svc.Operations.Get(name).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("polling %s: %w", name, err)
		}
	}

	if op.Error != nil {
		return nil, fmt.Errorf("%w: code %d: %s", ErrImportFailed, op.Error.Code, op.Error.Message)
	}

	var resp vision.ImportProductSetsResponse
	if len(op.Response) > 0 {
		if err := json.Unmarshal(op.Response, &resp); err != nil {
			return nil, fmt.Errorf("decoding import response: %w", err)
		}
	}

	ret := &ImportResult{URI: csvURI}

	for i, s := range resp.Statuses {
		status := ImportStatus{Index: i}
		if s != nil {
			status.Code = int(s.Code)
			status.Message = s.Message
		}

		if status.OK() && i < len(resp.ReferenceImages) && resp.ReferenceImages[i] != nil {
			status.ReferenceImage = resp.ReferenceImages[i].Name
		}

		ret.Statuses = append(ret.Statuses, status)
	}

	return ret, nil
}

// Search implements ProductSearch.
func (v *VisionIndex) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	batch, err := v.svc.Images.Annotate(&vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image: &vision.Image{Content: base64.StdEncoding.EncodeToString(req.Content)},
			Features: []*vision.Feature{{
				Type:       productSearchFeature,
				MaxResults: int64(req.MaxResults),
			}},
			ImageContext: &vision.ImageContext{
				ProductSearchParams: &vision.ProductSearchParams{
					ProductSet:        req.ProductSet,
					ProductCategories: req.Categories,
					Filter:            req.Filter,
				},
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	if len(batch.Responses) == 0 {
		return nil, errors.New("empty annotate response")
	}

	resp := batch.Responses[0]
	if resp.Error != nil {
		return nil, fmt.Errorf("product search: code %d: %s", resp.Error.Code, resp.Error.Message)
	}

	ret := &SearchResult{Matches: []Match{}}

	if resp.ProductSearchResults == nil {
		return ret, nil
	}

	ret.IndexTime = resp.ProductSearchResults.IndexTime

	for _, r := range resp.ProductSearchResults.Results {
		ret.Matches = append(ret.Matches, Match{
			Score:   r.Score,
			Image:   r.Image,
			Product: fromVisionProduct(r.Product),
		})
	}

	return ret, nil
}
