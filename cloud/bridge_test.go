// Copyright 2025 The LocaVision Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/loca-ai/locavision/monument"
	"github.com/loca-ai/locavision/spatial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

type fakeDownload struct {
	data []byte
	err  error
}

type fakeDownloader struct {
	files map[string]fakeDownload
	calls []string
}

func (d *fakeDownloader) Download(_ context.Context, url string) ([]byte, string, error) {
	d.calls = append(d.calls, url)

	f, ok := d.files[url]
	if !ok {
		return nil, "", &DownloadError{URL: url, StatusCode: 404}
	}

	if f.err != nil {
		return nil, "", f.err
	}

	return f.data, "image/jpeg", nil
}

type fakeSearch struct {
	parent   string
	id       string
	product  *Product
	set      string
	csvURI   string
	request  *SearchRequest
	statuses []ImportStatus
}

func (s *fakeSearch) CreateProduct(_ context.Context, parent, id string, product *Product) (*Product, error) {
	s.parent, s.id, s.product = parent, id, product

	ret := *product
	ret.Name = parent + "/products/" + id

	return &ret, nil
}

func (s *fakeSearch) CreateProductSet(_ context.Context, parent, id, _ string) (string, error) {
	s.parent, s.id = parent, id

	return parent + "/productSets/" + id, nil
}

func (s *fakeSearch) CreateReferenceImage(_ context.Context, product, id, _ string) (string, error) {
	s.parent, s.id = product, id

	return product + "/referenceImages/" + id, nil
}

func (s *fakeSearch) AddProductToProductSet(_ context.Context, productSet, product string) error {
	s.set, s.id = productSet, product

	return nil
}

func (s *fakeSearch) ImportProductSets(_ context.Context, parent, csvURI string) (*ImportResult, error) {
	s.parent, s.csvURI = parent, csvURI

	return &ImportResult{URI: csvURI, Statuses: s.statuses}, nil
}

func (s *fakeSearch) Search(_ context.Context, req *SearchRequest) (*SearchResult, error) {
	s.request = req

	return &SearchResult{IndexTime: "2022-05-01T00:00:00Z", Matches: []Match{{Score: 0.9, Image: "img"}}}, nil
}

type fixture struct {
	bridge     *Bridge
	images     *blob.Bucket
	csvs       *blob.Bucket
	downloader *fakeDownloader
	search     *fakeSearch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		images:     memblob.OpenBucket(nil),
		csvs:       memblob.OpenBucket(nil),
		downloader: &fakeDownloader{files: map[string]fakeDownload{}},
		search:     &fakeSearch{},
	}

	t.Cleanup(func() {
		_ = f.images.Close()
		_ = f.csvs.Close()
	})

	f.bridge = NewBridge(BridgeOptions{
		ImageBucket:  "b",
		CSVBucket:    "csv",
		ProductSetID: "SET1",
		Project:      "loca",
		Location:     "us-east1",
	}, f.images, f.csvs, f.downloader, f.search)

	return f
}

func oldMill(urls ...string) monument.Monument {
	return monument.Monument{
		Name:        "Old Mill",
		Description: "A mill.",
		Coord:       spatial.Coordinate{Lat: 41.3, Lon: -72.9},
		ImageURLs:   urls,
	}
}

func TestUploadImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.downloader.files["http://ex.org/a.jpg"] = fakeDownload{data: []byte("a")}
	f.downloader.files["http://ex.org/b.PNG?width=100"] = fakeDownload{data: []byte("b")}

	input := []monument.Monument{oldMill(
		"http://ex.org/a.jpg",
		"http://ex.org/b.PNG?width=100",
		"gs://b/old-mill/2.jpg",
		"http://ex.org/down.jpg",
	)}

	got, metrics, err := f.bridge.UploadImages(ctx, input)
	require.NoError(t, err)

	expected := []string{
		"gs://b/old-mill/0.jpg",
		"gs://b/old-mill/1.png",
		"gs://b/old-mill/2.jpg",
		"http://ex.org/down.jpg",
	}
	if diff := cmp.Diff(expected, got[0].ImageURLs); diff != "" {
		t.Errorf("UploadImages() mismatch (-expected +got):\n%s", diff)
	}

	assert.Equal(t, UploadMetrics{Monuments: 1, Uploaded: 2, Stored: 1, Failed: 1}, metrics)
	assert.Equal(t, "http://ex.org/a.jpg", input[0].ImageURLs[0], "input must not be modified")

	data, err := f.images.ReadAll(ctx, "old-mill/1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)

	// a second run only retries the failed image
	f.downloader.calls = nil
	_, metrics, err = f.bridge.UploadImages(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://ex.org/down.jpg"}, f.downloader.calls)
	assert.Equal(t, 3, metrics.Stored)
}

func TestUploadImagesPropagatesErrors(t *testing.T) {
	f := newFixture(t)
	f.downloader.files["http://ex.org/a.jpg"] = fakeDownload{data: []byte("a")}
	f.downloader.files["http://ex.org/b.jpg"] = fakeDownload{err: errors.New("permission denied")}

	lighthouse := oldMill("http://ex.org/a.jpg")
	lighthouse.Name = "Lighthouse"
	input := []monument.Monument{
		lighthouse,
		oldMill("http://ex.org/a.jpg", "http://ex.org/b.jpg"),
		oldMill("http://ex.org/c.jpg"),
	}

	got, metrics, err := f.bridge.UploadImages(context.Background(), input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Old Mill")
	assert.Equal(t, 2, metrics.Uploaded)

	// uploads done before the failure are kept, the rest is untouched
	expected := [][]string{
		{"gs://b/lighthouse/0.jpg"},
		{"gs://b/old-mill/0.jpg", "http://ex.org/b.jpg"},
		{"http://ex.org/c.jpg"},
	}
	require.Len(t, got, 3)

	for i := range expected {
		if diff := cmp.Diff(expected[i], got[i].ImageURLs); diff != "" {
			t.Errorf("UploadImages()[%d] mismatch (-expected +got):\n%s", i, diff)
		}
	}

	assert.Equal(t, "http://ex.org/a.jpg", input[1].ImageURLs[0], "input must not be modified")
}

func TestUploadImagesNonLatinNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.downloader.files["http://ex.org/a.jpg"] = fakeDownload{data: []byte("athens")}
	f.downloader.files["http://ex.org/b.jpg"] = fakeDownload{data: []byte("moscow")}
	f.downloader.files["http://ex.org/c.jpg"] = fakeDownload{data: []byte("columns")}
	f.downloader.files["http://ex.org/d.jpg"] = fakeDownload{data: []byte("liberty")}

	input := []monument.Monument{
		{Name: "Παρθενώνας", ImageURLs: []string{"http://ex.org/a.jpg"}},
		{Name: "Кремль", ImageURLs: []string{"http://ex.org/b.jpg"}},
		{Name: "🏛", ImageURLs: []string{"http://ex.org/c.jpg"}},
		{Name: "🗽", ImageURLs: []string{"http://ex.org/d.jpg"}},
	}

	got, _, err := f.bridge.UploadImages(ctx, input)
	require.NoError(t, err)

	seen := map[string]bool{}

	for i, m := range got {
		require.Len(t, m.ImageURLs, 1)

		locator := m.ImageURLs[0]
		assert.Equal(t, "gs://b/"+input[i].Slug()+"/0.jpg", locator)
		assert.NotContains(t, locator, "//0.jpg")
		assert.False(t, seen[locator], "locator %s reused", locator)
		seen[locator] = true

		data, err := f.images.ReadAll(ctx, input[i].Slug()+"/0.jpg")
		require.NoError(t, err)
		assert.Equal(t, f.downloader.files[input[i].ImageURLs[0]].data, data)
	}

	assert.Equal(t, "gs://b/kreml/0.jpg", got[1].ImageURLs[0])

	csv, err := f.bridge.MonumentsToCSV(got)
	require.NoError(t, err)
	assert.Contains(t, csv, `"gs://b/kreml/0.jpg","","SET1","kreml","general-v1","Кремль","",""`)
}

func TestUploadImagesEmpty(t *testing.T) {
	f := newFixture(t)

	got, metrics, err := f.bridge.UploadImages(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, UploadMetrics{}, metrics)
}

func TestMonumentsToCSV(t *testing.T) {
	f := newFixture(t)

	csv, err := f.bridge.MonumentsToCSV([]monument.Monument{oldMill("gs://b/old-mill/0.jpg")})
	require.NoError(t, err)
	assert.Equal(t, `"gs://b/old-mill/0.jpg","","SET1","old-mill","general-v1","Old Mill","",""`, csv)

	quoted := monument.Monument{Name: `Say "Hi"`, ImageURLs: []string{"gs://b/say-hi/0.jpg", "gs://b/say-hi/1.png"}}
	csv, err = f.bridge.MonumentsToCSV([]monument.Monument{quoted})
	require.NoError(t, err)
	assert.Equal(t,
		`"gs://b/say-hi/0.jpg","","SET1","say-hi","general-v1","Say ""Hi""","",""`+"\n"+
			`"gs://b/say-hi/1.png","","SET1","say-hi","general-v1","Say ""Hi""","",""`,
		csv)

	csv, err = f.bridge.MonumentsToCSV(nil)
	require.NoError(t, err)
	assert.Empty(t, csv)
}

func TestMonumentsToCSVPrecondition(t *testing.T) {
	f := newFixture(t)

	for _, locator := range []string{"http://ex.org/a.jpg", "gs://other/old-mill/0.jpg", "gs://b/old-mill.jpg"} {
		t.Run(locator, func(t *testing.T) {
			_, err := f.bridge.MonumentsToCSV([]monument.Monument{oldMill("gs://b/old-mill/0.jpg", locator)})

			var preErr *PreconditionError
			require.ErrorAs(t, err, &preErr)
			assert.Equal(t, locator, preErr.Locator)
			assert.True(t, IsPrecondition(err))
		})
	}
}

func TestUploadProductSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.search.statuses = []ImportStatus{{Index: 0, ReferenceImage: "ri"}, {Index: 1, Code: 3, Message: "bad"}}

	result, err := f.bridge.UploadProductSet(ctx, []monument.Monument{oldMill("gs://b/old-mill/0.jpg")})
	require.NoError(t, err)

	csv, err := f.bridge.MonumentsToCSV([]monument.Monument{oldMill("gs://b/old-mill/0.jpg")})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(csv))
	key := hex.EncodeToString(sum[:]) + ".csv"

	data, err := f.csvs.ReadAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, csv, string(data))

	assert.Equal(t, "gs://csv/"+key, f.search.csvURI)
	assert.Equal(t, "projects/loca/locations/us-east1", f.search.parent)
	assert.Equal(t, 1, result.Imported())
}

func TestUploadProductSetEmpty(t *testing.T) {
	f := newFixture(t)

	_, err := f.bridge.UploadProductSet(context.Background(), []monument.Monument{oldMill()})
	require.ErrorIs(t, err, ErrEmptyProductSet)
}

func TestUploadBase64Image(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))

	for _, payload := range []string{"data:image/jpeg;base64," + encoded, encoded} {
		uri, err := f.bridge.UploadBase64Image(ctx, payload)
		require.NoError(t, err)
		assert.Equal(t, "gs://b/5d41402abc4b2a7.jpeg", uri)
	}

	data, err := f.images.ReadAll(ctx, "5d41402abc4b2a7.jpeg")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = f.bridge.UploadBase64Image(ctx, "data:image/jpeg;base64,%%%")
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = f.bridge.UploadBase64Image(ctx, "")
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestGetSimilarProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.bridge.GetSimilarProductsBase64(ctx, base64.StdEncoding.EncodeToString([]byte("img")), "style=gothic", 0)
	require.NoError(t, err)
	assert.Len(t, result.Matches, 1)

	assert.Equal(t, []byte("img"), f.search.request.Content)
	assert.Equal(t, "projects/loca/locations/us-east1/productSets/SET1", f.search.request.ProductSet)
	assert.Equal(t, []string{"general-v1"}, f.search.request.Categories)
	assert.Equal(t, "style=gothic", f.search.request.Filter)
	assert.Equal(t, DefaultMaxResults, f.search.request.MaxResults)

	path := filepath.Join(t.TempDir(), "q.jpg")
	require.NoError(t, os.WriteFile(path, []byte("file"), 0o600))

	_, err = f.bridge.GetSimilarProductsFile(ctx, path, "", 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("file"), f.search.request.Content)
	assert.Equal(t, 7, f.search.request.MaxResults)

	_, err = f.bridge.GetSimilarProductsFile(ctx, filepath.Join(t.TempDir(), "nope.jpg"), "", 1)
	assert.Error(t, err)
}

func TestProductOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.bridge.CreateProduct(ctx, "old-mill", "Old Mill", "", []Label{{Key: "style", Value: "colonial"}})
	require.NoError(t, err)
	assert.Equal(t, "projects/loca/locations/us-east1/products/old-mill", p.Name)
	assert.Equal(t, "general-v1", f.search.product.Category)

	name, err := f.bridge.CreateProductSet(ctx, "SET1", "Monuments")
	require.NoError(t, err)
	assert.Equal(t, "projects/loca/locations/us-east1/productSets/SET1", name)

	name, err = f.bridge.CreateReferenceImage(ctx, "old-mill", "0", "gs://b/old-mill/0.jpg")
	require.NoError(t, err)
	assert.Equal(t, "projects/loca/locations/us-east1/products/old-mill/referenceImages/0", name)

	require.NoError(t, f.bridge.AddProductToProductSet(ctx, "old-mill"))
	assert.Equal(t, "projects/loca/locations/us-east1/productSets/SET1", f.search.set)
	assert.Equal(t, "projects/loca/locations/us-east1/products/old-mill", f.search.id)
}

func TestSearchNotConfigured(t *testing.T) {
	b := NewBridge(BridgeOptions{ImageBucket: "b"}, memblob.OpenBucket(nil), nil, &fakeDownloader{}, nil)

	_, err := b.CreateProductSet(context.Background(), "x", "x")
	assert.Error(t, err)

	_, err = b.PublishCSV(context.Background(), "x")
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"http://ex.org/a.jpg":               "jpg",
		"http://ex.org/dir.v2/b.PNG?w=100":  "png",
		"http://ex.org/noext":               "jpg",
		"https://upload.ex.org/x/Mill.jpeg": "jpeg",
	}

	for input, expected := range tests {
		assert.Equal(t, expected, extension(input), input)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&DownloadError{URL: "u", StatusCode: 500}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.False(t, IsTransient(errors.New("permission denied")))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(&PreconditionError{}))
}
