// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loca-ai/locavision/utils/httputils"
)

// DefaultDownloadTimeout bounds every image download.
const DefaultDownloadTimeout = 3 * time.Second

// Downloader fetches remote images.
type Downloader interface {
	// Download returns the body and content type of url. Failures are
	// reported as *DownloadError.
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// HTTPDownloader is a Downloader over plain HTTP.
type HTTPDownloader struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPDownloader creates a downloader; a zero timeout means
// DefaultDownloadTimeout.
func NewHTTPDownloader(options httputils.ClientOptions) *HTTPDownloader {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}

	// the deadline is applied per request through the context
	options.Timeout = 0

	return &HTTPDownloader{
		client:  httputils.NewClient(options),
		timeout: timeout,
	}
}

// Download implements Downloader.
func (d *HTTPDownloader) Download(ctx context.Context, url string) (body []byte, contentType string, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &DownloadError{URL: url, Err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", &DownloadError{URL: url, Err: err}
	}

	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing resp.Body: %w", cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &DownloadError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &DownloadError{URL: url, Err: err}
	}

	return body, resp.Header.Get("Content-Type"), nil
}
