// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"fmt"

	"gocloud.dev/blob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcp"
	"golang.org/x/oauth2/google"
)

// OpenBucket opens name for the given storage scheme. "gs" uses Cloud
// Storage with creds; "mem" is an in-process bucket for local runs.
func OpenBucket(ctx context.Context, scheme, name string, creds *google.Credentials) (*blob.Bucket, error) {
	switch scheme {
	case "mem":
		return memblob.OpenBucket(nil), nil
	case "gs":
		if creds == nil {
			return nil, fmt.Errorf("opening gs://%s: no credentials", name)
		}

		client, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
		if err != nil {
			return nil, fmt.Errorf("creating storage client: %w", err)
		}

		bucket, err := gcsblob.OpenBucket(ctx, client, name, nil)
		if err != nil {
			return nil, fmt.Errorf("opening gs://%s: %w", name, err)
		}

		return bucket, nil
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", scheme)
	}
}
