// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/loca-ai/locavision/monument"
	"gocloud.dev/blob"
)

// productIDRegexp extracts the product id out of slug/index.ext locators.
func (b *Bridge) productIDRegexp() *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(b.StoragePrefix()) + `([^/ .]+)/\d+\.\w+$`)
}

// quote renders a CSV field, always quoted, embedded quotes doubled.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// MonumentsToCSV renders the bulk import CSV: one row per image with columns
// image uri, image id, product set, product id, category, display name,
// labels and bounding polygon. Every image must already be stored.
func (b *Bridge) MonumentsToCSV(monuments []monument.Monument) (string, error) {
	re := b.productIDRegexp()

	var rows []string

	for _, m := range monuments {
		for _, locator := range m.ImageURLs {
			match := re.FindStringSubmatch(locator)
			if match == nil {
				return "", &PreconditionError{Monument: m.Name, Locator: locator}
			}

			fields := []string{
				locator,
				"",
				b.options.ProductSetID,
				match[1],
				b.options.ProductCategory,
				m.Name,
				"",
				"",
			}

			for i := range fields {
				fields[i] = quote(fields[i])
			}

			rows = append(rows, strings.Join(fields, ","))
		}
	}

	return strings.Join(rows, "\n"), nil
}

// UploadProductSet exports monuments to CSV, stores it named after its
// content hash and imports it into the similarity index.
func (b *Bridge) UploadProductSet(ctx context.Context, monuments []monument.Monument) (*ImportResult, error) {
	csv, err := b.MonumentsToCSV(monuments)
	if err != nil {
		return nil, err
	}

	if csv == "" {
		return nil, ErrEmptyProductSet
	}

	uri, err := b.PublishCSV(ctx, csv)
	if err != nil {
		return nil, err
	}

	return b.ImportProductSets(ctx, uri)
}

// PublishCSV stores csv in the CSV bucket and returns its locator.
func (b *Bridge) PublishCSV(ctx context.Context, csv string) (string, error) {
	if b.csvs == nil {
		return "", errors.New("CSV bucket is not configured")
	}

	sum := sha256.Sum256([]byte(csv))
	key := hex.EncodeToString(sum[:]) + ".csv"

	if err := b.csvs.WriteAll(ctx, key, []byte(csv), &blob.WriterOptions{ContentType: "text/csv"}); err != nil {
		return "", fmt.Errorf("writing %s: %w", key, err)
	}

	uri := b.csvLocator(key)
	log.Printf("Published product set CSV %s", uri)

	return uri, nil
}
