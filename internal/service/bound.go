package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"asisaid.cn/unistore/internal/catalog"
	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/common/retry"
	"asisaid.cn/unistore/internal/drivercache"
	"asisaid.cn/unistore/internal/metrics"
	"asisaid.cn/unistore/internal/storage"
)

// boundDriver runs every call of the wrapped driver with retries and
// metrics, and keeps the catalog in step with uploads and deletions.
type boundDriver struct {
	storage.Driver
	s       *StorageService
	key     string // Catalog key of the backend
	release func()
}

var _ storage.Driver = (*boundDriver)(nil)

func (s *StorageService) bind(ctx context.Context, cfg storage.BackendConfig) (*boundDriver, error) {
	d, release, err := s.cache.Acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &boundDriver{Driver: d, s: s, key: drivercache.Key(cfg), release: release}, nil
}

// call runs fn under the retry policy and records one operation metric.
func call[T any](ctx context.Context, b *boundDriver, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	backend := string(b.Kind())
	cfg := b.s.retry
	cfg.ShouldRetry = errors.IsRetryable
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordRetry(op)
		b.s.logger.Warn("retrying backend call",
			zap.String("backend", backend),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	start := time.Now()
	v, err := retry.Do(ctx, cfg, fn)
	metrics.RecordOperation(backend, op, outcome(err), time.Since(start))
	return v, err
}

func (b *boundDriver) Upload(ctx context.Context, file *storage.UploadFile, opts storage.UploadOptions) (*storage.UploadResult, error) {
	res, err := call(ctx, b, "upload", func(ctx context.Context) (*storage.UploadResult, error) {
		return b.Driver.Upload(ctx, file, opts)
	})
	if err != nil {
		return nil, err
	}

	metrics.AddUploadedBytes(string(b.Kind()), res.Size)
	b.record(ctx, res)
	return res, nil
}

func (b *boundDriver) GenerateUploadURL(ctx context.Context, req storage.UploadURLRequest) (*storage.PresignedURL, error) {
	return call(ctx, b, "upload_url", func(ctx context.Context) (*storage.PresignedURL, error) {
		return b.Driver.GenerateUploadURL(ctx, req)
	})
}

func (b *boundDriver) GenerateViewURL(ctx context.Context, reference string) (*storage.PresignedURL, error) {
	return call(ctx, b, "view_url", func(ctx context.Context) (*storage.PresignedURL, error) {
		return b.Driver.GenerateViewURL(ctx, reference)
	})
}

func (b *boundDriver) Delete(ctx context.Context, reference string) (bool, error) {
	deleted, err := call(ctx, b, "delete", func(ctx context.Context) (bool, error) {
		return b.Driver.Delete(ctx, reference)
	})
	if deleted {
		b.forget(ctx, reference)
	}
	return deleted, err
}

func (b *boundDriver) ListFiles(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	return call(ctx, b, "list", func(ctx context.Context) (*storage.ListResult, error) {
		return b.Driver.ListFiles(ctx, opts)
	})
}

func (b *boundDriver) ValidateAndConfirmUpload(ctx context.Context, reference string, exp storage.Expectation) (*storage.ValidationResult, error) {
	res, err := call(ctx, b, "validate", func(ctx context.Context) (*storage.ValidationResult, error) {
		return b.Driver.ValidateAndConfirmUpload(ctx, reference, exp)
	})
	if err != nil {
		return nil, err
	}
	if res.Deleted || (res.File == nil && !res.Valid) {
		b.forget(ctx, reference)
	}
	return res, nil
}

// Close releases the cache lease. The cache closes the driver itself once it
// is evicted and no lease remains.
func (b *boundDriver) Close() error {
	b.release()
	return nil
}

// record saves an upload in the catalog. A catalog failure does not fail the
// upload; the file is already stored.
func (b *boundDriver) record(ctx context.Context, res *storage.UploadResult) {
	if b.s.catalog == nil {
		return
	}
	rec := &catalog.Record{
		Reference:    res.Reference,
		BackendKey:   b.key,
		BackendKind:  string(b.Kind()),
		OriginalName: res.OriginalName,
		ContentType:  res.ContentType,
		Size:         res.Size,
		Checksum:     res.Checksum,
		UploadedAt:   res.UploadedAt,
	}
	if err := b.s.catalog.Put(ctx, rec); err != nil {
		b.s.logger.Error("failed to record upload", zap.String("reference", res.Reference), zap.Error(err))
	}
}

func (b *boundDriver) forget(ctx context.Context, reference string) {
	if b.s.catalog == nil {
		return
	}
	if err := b.s.catalog.Delete(ctx, b.key, reference); err != nil {
		b.s.logger.Error("failed to remove catalog record", zap.String("reference", reference), zap.Error(err))
	}
}
