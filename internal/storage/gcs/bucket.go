package gcs

import (
	"context"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Bucket is the subset of a GCS bucket used by Driver.
type Bucket interface {
	Write(ctx context.Context, key, contentType string, metadata map[string]string, r io.Reader) error
	Attrs(ctx context.Context, key string) (*gcs.ObjectAttrs, error)
	ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// List returns objects under prefix, starting at startOffset inclusive.
	List(ctx context.Context, prefix, startOffset string) ObjectIterator
	SignedURL(key string, opts *gcs.SignedURLOptions) (string, error)
	Close() error
}

// ObjectIterator yields object attributes until iterator.Done.
type ObjectIterator interface {
	Next() (*gcs.ObjectAttrs, error)
}

// clientBucket adapts a *gcs.Client to Bucket.
type clientBucket struct {
	client *gcs.Client
	handle *gcs.BucketHandle
	name   string
	// Static signing credentials; empty means the client's own identity.
	accessID   string
	privateKey []byte
}

func openBucket(ctx context.Context, name, endpoint, credentialsFile, accessID, privateKey string) (*clientBucket, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	b := &clientBucket{
		client:   client,
		handle:   client.Bucket(name),
		name:     name,
		accessID: accessID,
	}
	if privateKey != "" {
		// Keys copied from env files often carry literal \n sequences.
		b.privateKey = []byte(strings.ReplaceAll(privateKey, `\n`, "\n"))
	}
	return b, nil
}

func (b *clientBucket) Write(ctx context.Context, key, contentType string, metadata map[string]string, r io.Reader) error {
	w := b.handle.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (b *clientBucket) Attrs(ctx context.Context, key string) (*gcs.ObjectAttrs, error) {
	return b.handle.Object(key).Attrs(ctx)
}

func (b *clientBucket) ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return b.handle.Object(key).NewRangeReader(ctx, offset, length)
}

func (b *clientBucket) Delete(ctx context.Context, key string) error {
	return b.handle.Object(key).Delete(ctx)
}

func (b *clientBucket) List(ctx context.Context, prefix, startOffset string) ObjectIterator {
	q := &gcs.Query{Prefix: prefix, StartOffset: startOffset}
	_ = q.SetAttrSelection([]string{"Name", "Size", "ContentType", "Updated"})
	return b.handle.Objects(ctx, q)
}

func (b *clientBucket) SignedURL(key string, opts *gcs.SignedURLOptions) (string, error) {
	if b.accessID != "" && len(b.privateKey) > 0 {
		opts.GoogleAccessID = b.accessID
		opts.PrivateKey = b.privateKey
		return gcs.SignedURL(b.name, key, opts)
	}
	return b.handle.SignedURL(key, opts)
}

func (b *clientBucket) Close() error {
	return b.client.Close()
}
