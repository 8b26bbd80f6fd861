// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors.
var (
	ErrEmptyProductSet = errors.New("no rows to import")
	ErrInvalidPayload  = errors.New("invalid base64 image payload")
	ErrImportFailed    = errors.New("product set import failed")
)

// PreconditionError is returned when exporting a monument whose image was not
// uploaded to storage yet.
type PreconditionError struct {
	Monument string
	Locator  string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("monument %q: image %q is not a storage locator, upload images first", e.Monument, e.Locator)
}

// DownloadError is a failure fetching a single remote image.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("downloading %s: %v", e.URL, e.Err)
	}

	return fmt.Sprintf("downloading %s: status %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a per image network failure that the
// upload pipeline recovers from by skipping the image.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var downloadErr *DownloadError
	if errors.As(err, &downloadErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host")
}

// IsPrecondition reports whether err comes from exporting before uploading.
func IsPrecondition(err error) bool {
	var preErr *PreconditionError

	return errors.As(err, &preErr)
}
