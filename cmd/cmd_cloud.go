// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/loca-ai/locavision/cloud"
	"github.com/loca-ai/locavision/config"
	"github.com/loca-ai/locavision/monument"
	"github.com/loca-ai/locavision/utils/httputils"
	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	"golang.org/x/oauth2/google"
)

var cloudCmd = &cobra.Command{
	Use:   "cloud",
	Short: "Storage and similarity index operations",
}

type cloudOptions struct {
	Output   string
	Category string
	Labels   []string
	File     string
	Base64   string
	Filter   string
	Max      int
}

var cloudFlags = &cloudOptions{}

// bridgeHandle owns the buckets opened for a Bridge.
type bridgeHandle struct {
	*cloud.Bridge
	buckets []*blob.Bucket
}

func (h *bridgeHandle) Close() error {
	var errs []error

	for _, b := range h.buckets {
		errs = append(errs, b.Close())
	}

	return errors.Join(errs...)
}

// newBridge wires storage, downloads and the vision index from cfg. The csv
// bucket and the index are only set up when withIndex is true.
func newBridge(ctx context.Context, withIndex bool) (*bridgeHandle, error) {
	required := []string{config.EnvImageBucket}
	if withIndex {
		required = append(required, config.EnvProjectID, config.EnvCSVBucket, config.EnvProductSetID)
	}

	if err := cfg.Require(required...); err != nil {
		return nil, err
	}

	var creds *google.Credentials

	if cfg.StorageScheme == "gs" {
		var err error

		creds, err = cloud.Credentials(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
	}

	h := &bridgeHandle{}

	images, err := cloud.OpenBucket(ctx, cfg.StorageScheme, cfg.ImageBucket, creds)
	if err != nil {
		return nil, err
	}

	h.buckets = append(h.buckets, images)

	var (
		csvs   *blob.Bucket
		search cloud.ProductSearch
	)

	if withIndex {
		csvs, err = cloud.OpenBucket(ctx, cfg.StorageScheme, cfg.CSVBucket, creds)
		if err != nil {
			return nil, errors.Join(err, h.Close())
		}

		h.buckets = append(h.buckets, csvs)

		opts, err := cloud.VisionClientOptions(ctx, cfg.VisionAPIKey, cfg.CredentialsFile, cfg.UserAgent)
		if err != nil {
			return nil, errors.Join(err, h.Close())
		}

		index, err := cloud.NewVisionIndex(ctx, opts...)
		if err != nil {
			return nil, errors.Join(err, h.Close())
		}

		search = index
	}

	downloader := cloud.NewHTTPDownloader(httputils.ClientOptions{
		UserAgent:           cfg.UserAgent,
		Timeout:             cfg.DownloadTimeout,
		EnableHTTPTrace:     rootFlags.EnableHTTPTrace,
		EnableHTTPBodyTrace: rootFlags.EnableHTTPBodyTrace,
	})

	h.Bridge = cloud.NewBridge(cloud.BridgeOptions{
		ImageBucket:     cfg.ImageBucket,
		CSVBucket:       cfg.CSVBucket,
		StorageScheme:   cfg.StorageScheme,
		ProductSetID:    cfg.ProductSetID,
		ProductCategory: cfg.ProductCategory,
		Project:         cfg.ProjectID,
		Location:        cfg.Location,
		DownloadTimeout: cfg.DownloadTimeout,
		UserAgent:       cfg.UserAgent,
	}, images, csvs, downloader, search)

	return h, nil
}

func withBridge(ctx context.Context, withIndex bool, fn func(*cloud.Bridge) error) (err error) {
	h, err := newBridge(ctx, withIndex)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, h.Close())
	}()

	return fn(h.Bridge)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

var cloudUploadCmd = &cobra.Command{
	Use:   "upload <monuments.json> <output.json>",
	Short: "Copies monument images into the image bucket",
	Long: `
Downloads every image of the monuments that is not stored yet and writes it to
the image bucket, rewriting its locator. Images that fail for transient reasons
keep their original locator so a later run retries them.
`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		monuments, err := monument.Load(args[0])
		if err != nil {
			return err
		}

		return withBridge(cmd.Context(), false, func(b *cloud.Bridge) error {
			uploaded, metrics, err := b.UploadImages(cmd.Context(), monuments)
			log.Printf(
				"Upload metrics - %d monuments, %d uploaded, %d already stored, %d failed",
				metrics.Monuments,
				metrics.Uploaded,
				metrics.Stored,
				metrics.Failed,
			)

			if err != nil {
				if uploaded != nil {
					if werr := writeMonuments(args[1], uploaded); werr != nil {
						log.Printf("Saving partial results: %v", werr)
					}
				}

				return err
			}

			return writeMonuments(args[1], uploaded)
		})
	},
}

var cloudCSVCmd = &cobra.Command{
	Use:   "csv <monuments.json>",
	Short: "Writes the product set import CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		monuments, err := monument.Load(args[0])
		if err != nil {
			return err
		}

		return withBridge(cmd.Context(), false, func(b *cloud.Bridge) error {
			csv, err := b.MonumentsToCSV(monuments)
			if err != nil {
				return err
			}

			if cloudFlags.Output == "" {
				_, err = fmt.Fprint(os.Stdout, csv)

				return err
			}

			return os.WriteFile(cloudFlags.Output, []byte(csv), 0o600)
		})
	},
}

var cloudPublishCmd = &cobra.Command{
	Use:   "publish <monuments.json>",
	Short: "Exports the monuments and imports them into the product set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		monuments, err := monument.Load(args[0])
		if err != nil {
			return err
		}

		return withBridge(cmd.Context(), true, func(b *cloud.Bridge) error {
			result, err := b.UploadProductSet(cmd.Context(), monuments)
			if err != nil {
				return err
			}

			log.Printf("Imported %d of %d reference images from %s", result.Imported(), len(result.Statuses), result.URI)

			return nil
		})
	},
}

var cloudImportCmd = &cobra.Command{
	Use:   "import <csv-uri>",
	Short: "Imports an already published CSV into the product set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBridge(cmd.Context(), true, func(b *cloud.Bridge) error {
			result, err := b.ImportProductSets(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			log.Printf("Imported %d of %d reference images", result.Imported(), len(result.Statuses))

			return nil
		})
	},
}

var cloudProductCmd = &cobra.Command{
	Use:   "product",
	Short: "Product operations",
}

func parseLabels(raw []string) ([]cloud.Label, error) {
	labels := make([]cloud.Label, 0, len(raw))

	for _, l := range raw {
		k, v, ok := strings.Cut(l, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, expected key=value", l)
		}

		labels = append(labels, cloud.Label{Key: k, Value: v})
	}

	return labels, nil
}

var cloudProductCreateCmd = &cobra.Command{
	Use:   "create <product-id> <display-name>",
	Short: "Creates a product",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		labels, err := parseLabels(cloudFlags.Labels)
		if err != nil {
			return err
		}

		return withBridge(cmd.Context(), true, func(b *cloud.Bridge) error {
			product, err := b.CreateProduct(cmd.Context(), args[0], args[1], cloudFlags.Category, labels)
			if err != nil {
				return err
			}

			return printJSON(product)
		})
	},
}

var cloudProductAddCmd = &cobra.Command{
	Use:   "add-to-set <product-id>",
	Short: "Adds a product to the configured product set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBridge(cmd.Context(), true, func(b *cloud.Bridge) error {
			if err := b.AddProductToProductSet(cmd.Context(), args[0]); err != nil {
				return err
			}

			log.Printf("Added %s to %s", args[0], cfg.ProductSetID)

			return nil
		})
	},
}

var cloudProductSetCmd = &cobra.Command{
	Use:   "product-set",
	Short: "Product set operations",
}

var cloudProductSetCreateCmd = &cobra.Command{
	Use:   "create <product-set-id> <display-name>",
	Short: "Creates a product set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBridge(cmd.Context(), true, func(b *cloud.Bridge) error {
			name, err := b.CreateProductSet(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			log.Printf("Created %s", name)

			return nil
		})
	},
}

var cloudReferenceImageCmd = &cobra.Command{
	Use:   "reference-image",
	Short: "Reference image operations",
}

var cloudReferenceImageCreateCmd = &cobra.Command{
	Use:   "create <product-id> <image-id> <uri>",
	Short: "Attaches a stored image to a product",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBridge(cmd.Context(), true, func(b *cloud.Bridge) error {
			name, err := b.CreateReferenceImage(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}

			log.Printf("Created %s", name)

			return nil
		})
	},
}

var cloudSimilarCmd = &cobra.Command{
	Use:   "similar",
	Short: "Finds the products most similar to an image",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if (cloudFlags.File == "") == (cloudFlags.Base64 == "") {
			return errors.New("exactly one of --file or --base64 is required")
		}

		return withBridge(cmd.Context(), true, func(b *cloud.Bridge) error {
			var (
				result *cloud.SearchResult
				err    error
			)

			if cloudFlags.File != "" {
				result, err = b.GetSimilarProductsFile(cmd.Context(), cloudFlags.File, cloudFlags.Filter, cloudFlags.Max)
			} else {
				result, err = b.GetSimilarProductsBase64(cmd.Context(), cloudFlags.Base64, cloudFlags.Filter, cloudFlags.Max)
			}

			if err != nil {
				return err
			}

			return printJSON(result)
		})
	},
}

func init() {
	rootCmd.AddCommand(cloudCmd)
	cloudCmd.AddCommand(cloudUploadCmd)
	cloudCmd.AddCommand(cloudCSVCmd)
	cloudCmd.AddCommand(cloudPublishCmd)
	cloudCmd.AddCommand(cloudImportCmd)
	cloudCmd.AddCommand(cloudProductCmd)
	cloudCmd.AddCommand(cloudProductSetCmd)
	cloudCmd.AddCommand(cloudReferenceImageCmd)
	cloudCmd.AddCommand(cloudSimilarCmd)
	cloudProductCmd.AddCommand(cloudProductCreateCmd)
	cloudProductCmd.AddCommand(cloudProductAddCmd)
	cloudProductSetCmd.AddCommand(cloudProductSetCreateCmd)
	cloudReferenceImageCmd.AddCommand(cloudReferenceImageCreateCmd)

	cloudCSVCmd.Flags().StringVarP(&cloudFlags.Output, "output", "o", "", "Output file; stdout when empty")

	cloudProductCreateCmd.Flags().StringVar(
		&cloudFlags.Category,
		"category",
		"",
		"Product category; the configured one when empty",
	)
	cloudProductCreateCmd.Flags().StringSliceVar(&cloudFlags.Labels, "label", nil, "Product label as key=value")

	cloudSimilarCmd.Flags().StringVar(&cloudFlags.File, "file", "", "Image file")
	cloudSimilarCmd.Flags().StringVar(&cloudFlags.Base64, "base64", "", "Image as base64 or data URL")
	cloudSimilarCmd.Flags().StringVar(&cloudFlags.Filter, "filter", "", "Label filter expression")
	cloudSimilarCmd.Flags().IntVar(&cloudFlags.Max, "max", cloud.DefaultMaxResults, "Maximum matches")
}
