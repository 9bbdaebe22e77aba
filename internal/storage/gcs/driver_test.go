package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/storage"
)

type fakeObject struct {
	data        []byte
	contentType string
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	signed  []*gcs.SignedURLOptions
	closed  bool
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string]fakeObject{}}
}

func (b *fakeBucket) Write(ctx context.Context, key, contentType string, _ map[string]string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = fakeObject{data: data, contentType: contentType}
	return nil
}

func (b *fakeBucket) Attrs(ctx context.Context, key string) (*gcs.ObjectAttrs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return &gcs.ObjectAttrs{Name: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (b *fakeBucket) ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	end := min(offset+length, int64(len(obj.data)))
	return io.NopCloser(bytes.NewReader(obj.data[offset:end])), nil
}

func (b *fakeBucket) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; !ok {
		return gcs.ErrObjectNotExist
	}
	delete(b.objects, key)
	return nil
}

type sliceIterator struct {
	items []*gcs.ObjectAttrs
}

func (it *sliceIterator) Next() (*gcs.ObjectAttrs, error) {
	if len(it.items) == 0 {
		return nil, iterator.Done
	}
	next := it.items[0]
	it.items = it.items[1:]
	return next, nil
}

func (b *fakeBucket) List(ctx context.Context, prefix, startOffset string) ObjectIterator {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) && k >= startOffset {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	it := &sliceIterator{}
	for _, k := range keys {
		it.items = append(it.items, &gcs.ObjectAttrs{Name: k, Size: int64(len(b.objects[k].data)), ContentType: b.objects[k].contentType})
	}
	return it
}

func (b *fakeBucket) SignedURL(key string, opts *gcs.SignedURLOptions) (string, error) {
	b.signed = append(b.signed, opts)
	return fmt.Sprintf("https://storage.googleapis.com/bucket/%s?X-Goog-Signature=%s", key, opts.Method), nil
}

func (b *fakeBucket) Close() error {
	b.closed = true
	return nil
}

func newTestDriver(t *testing.T) (*Driver, *fakeBucket) {
	t.Helper()
	b := newFakeBucket()
	d, err := New(context.Background(), storage.BackendConfig{Kind: storage.KindGCS, Bucket: "bucket"}, WithBucket(b))
	require.NoError(t, err)
	return d, b
}

func TestDriver_UploadAndDelete(t *testing.T) {
	d, b := newTestDriver(t)
	ctx := context.Background()

	res, err := d.Upload(ctx, &storage.UploadFile{Name: "photo.jpg", Data: []byte{0xFF, 0xD8, 0xFF}}, storage.UploadOptions{Folder: "users/42"})
	require.NoError(t, err)
	assert.Regexp(t, `^users/42/\d{4}/\d{2}/\d+_[0-9A-Za-z]{8}_photo\.jpg$`, res.Reference)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, b.objects[res.Reference].data)
	assert.Equal(t, "image/jpeg", b.objects[res.Reference].contentType)
	assert.Len(t, res.Checksum, 64)

	deleted, err := d.Delete(ctx, res.Reference)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = d.Delete(ctx, res.Reference)
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, d.Close())
	assert.True(t, b.closed)
}

func TestDriver_ListSkipsToken(t *testing.T) {
	d, b := newTestDriver(t)
	ctx := context.Background()

	for _, k := range []string{"a/1.txt", "a/2.txt", "a/3.txt", "a/4.txt", "a/5.txt", "b/1.txt"} {
		b.objects[k] = fakeObject{data: []byte("x"), contentType: "text/plain"}
	}

	page, err := d.ListFiles(ctx, storage.ListOptions{Prefix: "a/", MaxResults: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1.txt", "a/2.txt"}, names(page.Files))
	require.Equal(t, "a/2.txt", page.NextToken)

	// The boundary object is inclusive in GCS but must not repeat.
	page, err = d.ListFiles(ctx, storage.ListOptions{Prefix: "a/", MaxResults: 2, ContinuationToken: page.NextToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/3.txt", "a/4.txt"}, names(page.Files))

	// Boundary deleted between pages.
	delete(b.objects, "a/4.txt")
	page, err = d.ListFiles(ctx, storage.ListOptions{Prefix: "a/", MaxResults: 2, ContinuationToken: page.NextToken})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/5.txt"}, names(page.Files))
	assert.Empty(t, page.NextToken)
}

func TestDriver_SignedURLs(t *testing.T) {
	d, b := newTestDriver(t)
	ctx := context.Background()

	up, err := d.GenerateUploadURL(ctx, storage.UploadURLRequest{Name: "clip.mp4", Folder: "videos"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, up.Method)
	assert.Equal(t, "video/mp4", up.Headers["Content-Type"])
	require.Len(t, b.signed, 1)
	assert.Equal(t, gcs.SigningSchemeV4, b.signed[0].Scheme)
	assert.WithinDuration(t, time.Now().Add(storage.DefaultURLExpiry), b.signed[0].Expires, 5*time.Second)

	_, err = d.GenerateViewURL(ctx, up.Reference)
	assert.True(t, errors.IsNotFound(err))

	b.objects[up.Reference] = fakeObject{data: []byte("x")}
	view, err := d.GenerateViewURL(ctx, up.Reference)
	require.NoError(t, err)
	assert.Contains(t, view.ViewURL, "X-Goog-Signature=GET")
}

func TestDriver_Validate(t *testing.T) {
	d, b := newTestDriver(t)
	ctx := context.Background()

	b.objects["x/2026/01/a.png"] = fakeObject{data: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, contentType: "image/png"}

	size := int64(8)
	res, err := d.ValidateAndConfirmUpload(ctx, "x/2026/01/a.png", storage.Expectation{ContentType: "image/*", Size: &size})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = d.ValidateAndConfirmUpload(ctx, "x/2026/01/a.png", storage.Expectation{ContentType: "application/pdf"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.True(t, res.Deleted)
	assert.NotContains(t, b.objects, "x/2026/01/a.png")
}

func TestClassify(t *testing.T) {
	assert.True(t, errors.IsNotFound(classify("op", gcs.ErrObjectNotExist)))
	assert.True(t, errors.IsNotFound(classify("op", &googleapi.Error{Code: http.StatusNotFound})))
	assert.True(t, errors.IsRetryable(classify("op", &googleapi.Error{Code: http.StatusServiceUnavailable})))
	assert.False(t, errors.IsRetryable(classify("op", &googleapi.Error{Code: http.StatusForbidden})))
}

func names(files []storage.FileDescriptor) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Name
	}
	return out
}
