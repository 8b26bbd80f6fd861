// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package monument

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Combines multiple closers to ensure all resources are released.
type multiReadCloser struct {
	io.ReadCloser
	underlying io.Closer
}

// Implements io.Closer and ensures all resources are properly released.
func (r *multiReadCloser) Close() error {
	return errors.Join(
		r.ReadCloser.Close(),
		r.underlying.Close(),
	)
}

func isGzip(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gz")
}

// Load reads a JSON array of monuments. Files ending in .gz are decompressed.
func Load(path string) ([]Monument, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("opening monuments file: %w", err)
	}

	var r io.ReadCloser = f

	if isGzip(path) {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating gzip reader: %w", err), f.Close())
		}

		r = &multiReadCloser{gr, f}
	}

	ret, err := Decode(r)

	return ret, errors.Join(err, r.Close())
}

// Decode reads a JSON array of monuments from r.
func Decode(r io.Reader) ([]Monument, error) {
	var ret []Monument

	dec := json.NewDecoder(r)
	if err := dec.Decode(&ret); err != nil {
		if errors.Is(err, io.EOF) {
			return []Monument{}, nil
		}

		return nil, fmt.Errorf("decoding monuments: %w", err)
	}

	if ret == nil {
		ret = []Monument{}
	}

	return ret, nil
}

// Save writes the monuments as an indented JSON array. The file is replaced
// atomically: content goes to a temporary file in the same directory which is
// then renamed over path.
func Save(path string, monuments []Monument) (err error) {
	if monuments == nil {
		monuments = []Monument{}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}

	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	var (
		w  io.Writer = f
		gw *gzip.Writer
	)

	if isGzip(path) {
		gw = gzip.NewWriter(f)
		w = gw
	}

	data, err := json.MarshalIndent(monuments, "", "  ")
	if err != nil {
		return errors.Join(fmt.Errorf("marshaling monuments: %w", err), f.Close())
	}

	if _, err := w.Write(data); err != nil {
		return errors.Join(fmt.Errorf("writing monuments: %w", err), f.Close())
	}

	if gw != nil {
		if err := gw.Close(); err != nil {
			return errors.Join(fmt.Errorf("closing gzip writer: %w", err), f.Close())
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}

	return nil
}
