// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

// Package wiki retrieves monuments from the MediaWiki action API.
package wiki

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"net/http"
	"net/url"
	"time"

	"github.com/loca-ai/locavision/utils/httputils"
	"github.com/tidwall/gjson"
)

// DefaultEndpoint is the English Wikipedia action API.
const DefaultEndpoint = "https://en.wikipedia.org/w/api.php"

// maximum number of continuation rounds followed for a single query.
const maxContinuations = 100

// ErrTooManyContinuations is returned when a query keeps asking to continue.
var ErrTooManyContinuations = errors.New("too many continuation rounds")

// APIError is an error payload returned by MediaWiki with a 2xx status,
// e.g. code "maxlag" when replication lag is above the requested limit.
type APIError struct {
	Code string
	Info string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mediawiki error %s: %s", e.Code, e.Info)
}

// StatusError is returned when the API answers with a non 2xx status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// ClientOptions configuration for Client.
type ClientOptions struct {
	// Endpoint is the api.php URL; defaults to DefaultEndpoint
	Endpoint string

	// UserAgent is the User-Agent header to use in HTTP requests
	UserAgent string

	// Enables light tracing of HTTP requests and responses
	EnableHTTPTrace bool

	// Enables full HTTP body tracing
	EnableHTTPBodyTrace bool

	// Timeout bounds every request; zero relies on the transport defaults
	Timeout time.Duration

	// HTTPClient overrides the client assembled from the options above
	HTTPClient *http.Client
}

// Metrics tracks statistics about the requests done by a Client.
type Metrics struct {
	Requests         int // HTTP requests issued
	PagesRequested   int // page ids asked to be resolved
	MonumentsBuilt   int // monuments returned
	PagesSkipped     int // pages dropped for lack of coordinates
	ImagesResolved   int // image titles turned into URLs
	ImagesUnresolved int // image titles without URL
}

// Merge combines two Metrics.
func (m *Metrics) Merge(o *Metrics) *Metrics {
	m.Requests += o.Requests
	m.PagesRequested += o.PagesRequested
	m.MonumentsBuilt += o.MonumentsBuilt
	m.PagesSkipped += o.PagesSkipped
	m.ImagesResolved += o.ImagesResolved
	m.ImagesUnresolved += o.ImagesUnresolved

	return m
}

// Client talks to a MediaWiki action API endpoint.
type Client struct {
	endpoint string
	client   *http.Client
	Metrics  Metrics
}

// NewClient creates a new client with the provided options.
func NewClient(options *ClientOptions) *Client {
	if options == nil {
		options = &ClientOptions{}
	}

	endpoint := DefaultEndpoint
	if options.Endpoint != "" {
		endpoint = options.Endpoint
	}

	client := options.HTTPClient
	if client == nil {
		client = httputils.NewClient(httputils.ClientOptions{
			UserAgent:           options.UserAgent,
			Timeout:             options.Timeout,
			EnableHTTPTrace:     options.EnableHTTPTrace,
			EnableHTTPBodyTrace: options.EnableHTTPBodyTrace,
		})
	}

	return &Client{
		endpoint: endpoint,
		client:   client,
	}
}

// parameters sent with every request.
func baseParams() url.Values {
	return url.Values{
		"action": {"query"},
		"format": {"json"},
		"maxlag": {"1"},
		"utf8":   {"1"},
	}
}

// get issues a single query merging params over the base parameters.
func (c *Client) get(ctx context.Context, params url.Values) (body []byte, err error) {
	q := baseParams()
	for k, v := range params {
		q[k] = v
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint <%s>: %w", c.endpoint, err)
	}

	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.Metrics.Requests++

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}

	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing resp.Body: %w", cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: c.endpoint}
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response from %s is not valid JSON", c.endpoint)
	}

	if apiErr := gjson.GetBytes(body, "error"); apiErr.Exists() {
		return nil, &APIError{
			Code: apiErr.Get("code").String(),
			Info: apiErr.Get("info").String(),
		}
	}

	return body, nil
}

// query issues a query and follows the continuation tokens MediaWiki hands
// back, calling fn with every response body.
func (c *Client) query(ctx context.Context, params url.Values, fn func(body []byte) error) error {
	next := maps.Clone(params)

	for range maxContinuations {
		body, err := c.get(ctx, next)
		if err != nil {
			return err
		}

		if err := fn(body); err != nil {
			return err
		}

		cont := gjson.GetBytes(body, "continue")
		if !cont.IsObject() {
			return nil
		}

		// the original request plus the latest continue object only
		next = maps.Clone(params)
		cont.ForEach(func(key, value gjson.Result) bool {
			next.Set(key.String(), value.String())

			return true
		})

		log.Printf("Wiki - continuing query with %s", cont.Raw)
	}

	return ErrTooManyContinuations
}
