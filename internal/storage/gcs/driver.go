// Package gcs implements the storage Driver on Google Cloud Storage.
package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/common/logger"
	"asisaid.cn/unistore/internal/storage"
)

// Driver implements storage.Driver for GCS.
type Driver struct {
	cfg    storage.BackendConfig
	bucket Bucket
	names  *storage.NameGenerator
	now    func() time.Time
	log    *zap.Logger
}

var _ storage.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithBucket sets the bucket implementation. Used with fakes in tests.
func WithBucket(b Bucket) Option {
	return func(d *Driver) { d.bucket = b }
}

// New creates a GCS driver. Without a credentials file the application
// default credentials are used.
func New(ctx context.Context, cfg storage.BackendConfig, opts ...Option) (*Driver, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		cfg: cfg,
		now: time.Now,
		log: logger.WithBackend("GCSStorage", string(storage.KindGCS)),
	}
	d.names = storage.NewNameGeneratorWithClock(func() time.Time { return d.now() })
	for _, opt := range opts {
		opt(d)
	}

	if d.bucket == nil {
		var file, accessID, key string
		if c := cfg.Credentials; c != nil {
			file, accessID, key = c.CredentialsFile, c.ServiceAccountEmail, c.PrivateKey
		}
		b, err := openBucket(ctx, cfg.Bucket, cfg.Endpoint, file, accessID, key)
		if err != nil {
			return nil, errors.E("gcs.New", errors.ErrInvalidConfig, err, "create GCS client")
		}
		d.bucket = b
	}

	d.log.Info("gcs storage ready", zap.String("bucket", cfg.Bucket))
	return d, nil
}

// Kind implements storage.Driver.
func (d *Driver) Kind() storage.BackendKind { return storage.KindGCS }

// Upload implements storage.Driver.
func (d *Driver) Upload(ctx context.Context, file *storage.UploadFile, opts storage.UploadOptions) (*storage.UploadResult, error) {
	const op = "gcs.Upload"

	if file == nil {
		return nil, errors.E(op, errors.ErrInvalidInput, nil, "nil upload")
	}

	at := d.now().UTC()
	ref, unique, err := storage.PrepareReference(d.cfg, d.names, file.Name, opts.Folder, at)
	if err != nil {
		return nil, err
	}

	content, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer content.Close()

	size, err := file.ActualSize()
	if err != nil {
		return nil, err
	}
	head, err := storage.Head(content)
	if err != nil {
		return nil, errors.E(op, errors.ErrBackend, err, "read upload")
	}
	contentType := storage.DetectContentType(head, file.Name, file.ContentType)
	if err := storage.CheckUploadPolicy(d.cfg, size, contentType); err != nil {
		return nil, err
	}

	h := sha256.New()
	err = d.bucket.Write(ctx, ref, contentType, map[string]string{"original-name": file.Name}, io.TeeReader(content, h))
	if err != nil {
		return nil, classify(op, err)
	}

	d.log.Info("file uploaded",
		zap.String("reference", ref),
		zap.Int64("size", size),
		zap.String("content_type", contentType),
	)

	res := &storage.UploadResult{
		Reference:    ref,
		Name:         unique,
		OriginalName: file.Name,
		Size:         size,
		ContentType:  contentType,
		Checksum:     hex.EncodeToString(h.Sum(nil)),
		UploadedAt:   at,
	}
	if d.cfg.BaseURL != "" {
		res.URL = storage.JoinURL(d.cfg.BaseURL, ref)
	}
	return res, nil
}

// GenerateUploadURL implements storage.Driver with a V4 signed PUT URL.
func (d *Driver) GenerateUploadURL(ctx context.Context, req storage.UploadURLRequest) (*storage.PresignedURL, error) {
	const op = "gcs.GenerateUploadURL"

	at := d.now().UTC()
	ref, _, err := storage.PrepareReference(d.cfg, d.names, req.Name, req.Folder, at)
	if err != nil {
		return nil, err
	}

	contentType := storage.BaseMediaType(req.ContentType)
	if contentType == "" {
		contentType = storage.DetectContentType(nil, req.Name, "")
	}
	if err := storage.CheckUploadPolicy(d.cfg, max(req.Size, 0), contentType); err != nil {
		return nil, err
	}

	expires := at.Add(d.cfg.URLExpiry)
	signed, err := d.bucket.SignedURL(ref, &gcs.SignedURLOptions{
		Scheme:      gcs.SigningSchemeV4,
		Method:      http.MethodPut,
		ContentType: contentType,
		Expires:     expires,
	})
	if err != nil {
		return nil, errors.E(op, errors.ErrInvalidConfig, err, "sign upload URL")
	}

	return &storage.PresignedURL{
		Reference: ref,
		UploadURL: signed,
		Method:    http.MethodPut,
		Headers:   map[string]string{"Content-Type": contentType},
		ExpiresAt: expires,
	}, nil
}

// GenerateViewURL implements storage.Driver with a V4 signed GET URL.
func (d *Driver) GenerateViewURL(ctx context.Context, reference string) (*storage.PresignedURL, error) {
	const op = "gcs.GenerateViewURL"

	if err := storage.ValidateReference(reference); err != nil {
		return nil, err
	}
	if _, err := d.bucket.Attrs(ctx, reference); err != nil {
		return nil, classify(op, err)
	}

	expires := d.now().UTC().Add(d.cfg.URLExpiry)
	signed, err := d.bucket.SignedURL(reference, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: expires,
	})
	if err != nil {
		return nil, errors.E(op, errors.ErrInvalidConfig, err, "sign view URL")
	}

	return &storage.PresignedURL{
		Reference: reference,
		ViewURL:   signed,
		Method:    http.MethodGet,
		ExpiresAt: expires,
	}, nil
}

// Delete implements storage.Driver.
func (d *Driver) Delete(ctx context.Context, reference string) (bool, error) {
	const op = "gcs.Delete"

	if err := storage.ValidateReference(reference); err != nil {
		return false, nil
	}
	if err := d.bucket.Delete(ctx, reference); err != nil {
		err = classify(op, err)
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	d.log.Info("file deleted", zap.String("reference", reference))
	return true, nil
}

// ListFiles implements storage.Driver. The GCS start offset is inclusive, so
// the token object itself is skipped.
func (d *Driver) ListFiles(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	const op = "gcs.ListFiles"

	if err := storage.ValidatePrefix(opts.Prefix); err != nil {
		return nil, err
	}
	limit := storage.ClampMaxResults(opts.MaxResults)
	token := opts.ContinuationToken

	files := make([]storage.FileDescriptor, 0, limit)
	more := false
	it := d.bucket.List(ctx, opts.Prefix, token)
	for {
		attrs, err := it.Next()
		if stderrors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify(op, err)
		}
		if attrs.Name <= token || strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		if len(files) == limit {
			more = true
			break
		}

		contentType := storage.BaseMediaType(attrs.ContentType)
		if contentType == "" {
			contentType = storage.DefaultContentType
		}
		files = append(files, storage.FileDescriptor{
			Name:         attrs.Name,
			Size:         attrs.Size,
			ContentType:  contentType,
			LastModified: attrs.Updated.UTC(),
		})
	}

	res := &storage.ListResult{Files: files}
	if more {
		res.NextToken = files[len(files)-1].Name
	}
	return res, nil
}

// ValidateAndConfirmUpload implements storage.Driver.
func (d *Driver) ValidateAndConfirmUpload(ctx context.Context, reference string, exp storage.Expectation) (*storage.ValidationResult, error) {
	const op = "gcs.ValidateAndConfirmUpload"

	if err := storage.ValidateReference(reference); err != nil {
		return storage.MissingFile(), nil
	}
	attrs, err := d.bucket.Attrs(ctx, reference)
	if err != nil {
		err = classify(op, err)
		if errors.IsNotFound(err) {
			return storage.MissingFile(), nil
		}
		return nil, err
	}

	var leading []byte
	if attrs.Size > 0 {
		r, err := d.bucket.ReadRange(ctx, reference, 0, storage.SniffLength)
		if err != nil {
			err = classify(op, err)
			if errors.IsNotFound(err) {
				return storage.MissingFile(), nil
			}
			return nil, err
		}
		leading, err = io.ReadAll(io.LimitReader(r, storage.SniffLength))
		r.Close()
		if err != nil {
			return nil, errors.E(op, errors.ErrBackend, err, "read object")
		}
	}

	file := storage.FileDescriptor{
		Name:         reference,
		Size:         attrs.Size,
		ContentType:  storage.DetectContentType(leading, reference, attrs.ContentType),
		LastModified: attrs.Updated.UTC(),
	}
	res := storage.NewValidationResult(file, exp)
	if res.Valid || exp.KeepOnMismatch {
		return res, nil
	}

	if err := d.bucket.Delete(ctx, reference); err != nil {
		if err = classify(op, err); !errors.IsNotFound(err) {
			return nil, err
		}
	}
	res.Deleted = true
	d.log.Warn("upload failed validation, removed",
		zap.String("reference", reference),
		zap.String("reason", res.Reason),
	)
	return res, nil
}

// Close implements storage.Driver.
func (d *Driver) Close() error {
	return d.bucket.Close()
}

// classify maps GCS errors onto the storage error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if stderrors.Is(err, gcs.ErrObjectNotExist) {
		return errors.E(op, errors.ErrNotFound, err, "file not found")
	}
	if stderrors.Is(err, gcs.ErrBucketNotExist) {
		return errors.E(op, errors.ErrInvalidConfig, err, "bucket does not exist")
	}

	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return errors.E(op, errors.ErrNotFound, err, "file not found")
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return errors.E(op, errors.ErrInvalidConfig, err, "access denied")
		case apiErr.Code == http.StatusRequestEntityTooLarge:
			return errors.Invalid(op, "file exceeds the maximum size")
		}
	}

	return errors.E(op, errors.ErrBackend, err)
}
