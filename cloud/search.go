// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"fmt"
)

// Label is a key/value product label.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Product is a catalog entry of the similarity index.
type Product struct {
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	Labels      []Label `json:"labels,omitempty"`
}

// Match is a single similarity search hit.
type Match struct {
	Score   float64 `json:"score"`
	Image   string  `json:"image"`
	Product Product `json:"product"`
}

// SearchResult is the outcome of a similarity search.
type SearchResult struct {
	// IndexTime is when the searched index was last built
	IndexTime string  `json:"index_time"`
	Matches   []Match `json:"matches"`
}

// SearchRequest is a similarity query.
type SearchRequest struct {
	Content    []byte
	ProductSet string
	Categories []string
	Filter     string
	MaxResults int
}

// ImportStatus is the outcome of a single CSV row of an import.
type ImportStatus struct {
	Index          int    `json:"index"`
	Code           int    `json:"code"`
	Message        string `json:"message,omitempty"`
	ReferenceImage string `json:"reference_image,omitempty"`
}

// OK reports whether the row was imported.
func (s ImportStatus) OK() bool {
	return s.Code == 0
}

// ImportResult is the outcome of a product set import.
type ImportResult struct {
	URI      string         `json:"uri"`
	Statuses []ImportStatus `json:"statuses"`
}

// Imported counts the rows that were imported.
func (r *ImportResult) Imported() int {
	n := 0

	for _, s := range r.Statuses {
		if s.OK() {
			n++
		}
	}

	return n
}

// ProductSearch is the remote similarity index. Resource names are fully
// qualified, e.g. projects/p/locations/l/products/old-mill.
type ProductSearch interface {
	CreateProduct(ctx context.Context, parent, id string, product *Product) (*Product, error)
	CreateProductSet(ctx context.Context, parent, id, displayName string) (string, error)
	CreateReferenceImage(ctx context.Context, product, id, uri string) (string, error)
	AddProductToProductSet(ctx context.Context, productSet, product string) error

	// ImportProductSets runs a CSV import and waits for it to finish.
	ImportProductSets(ctx context.Context, parent, csvURI string) (*ImportResult, error)
	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)
}

// LocationName returns the parent resource of products and sets.
func LocationName(project, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s", project, location)
}

// ProductName returns the resource name of a product.
func ProductName(project, location, id string) string {
	return LocationName(project, location) + "/products/" + id
}

// ProductSetName returns the resource name of a product set.
func ProductSetName(project, location, id string) string {
	return LocationName(project, location) + "/productSets/" + id
}
