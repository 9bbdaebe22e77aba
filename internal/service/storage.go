// Package service provides the storage orchestration layer: it validates
// requests, applies per-caller rate limits, resolves a cached driver for the
// target backend and runs the driver call with retries.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"asisaid.cn/unistore/internal/catalog"
	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/common/logger"
	"asisaid.cn/unistore/internal/common/parallel"
	"asisaid.cn/unistore/internal/common/ratelimit"
	"asisaid.cn/unistore/internal/common/retry"
	"asisaid.cn/unistore/internal/drivercache"
	"asisaid.cn/unistore/internal/metrics"
	"asisaid.cn/unistore/internal/storage"
)

// Operation classes used as rate limit buckets.
const (
	ClassUpload   = "upload"
	ClassURL      = "url"
	ClassDelete   = "delete"
	ClassList     = "list"
	ClassValidate = "validate"
	ClassDescribe = "describe"
)

const anonymousCaller = "anonymous"

// Target selects the backend and the caller of a request. A nil Config
// selects the service's default backend.
type Target struct {
	Config *storage.BackendConfig
	Caller string
}

// Options configures a StorageService.
type Options struct {
	Cache         *drivercache.Cache // Nil creates a cache of DefaultSize
	Catalog       catalog.Store      // Optional upload catalog
	Limiter       *ratelimit.Limiter // Optional; nil disables rate limiting
	Retry         retry.Config       // ShouldRetry and OnRetry are set by the service
	MaxConcurrent int                // Batch concurrency
}

// StorageService is the facade every transport calls.
type StorageService struct {
	defaultCfg    storage.BackendConfig
	cache         *drivercache.Cache
	catalog       catalog.Store
	limiter       *ratelimit.Limiter
	retry         retry.Config
	maxConcurrent int
	logger        *zap.Logger
}

// NewStorageService creates a new StorageService.
func NewStorageService(defaultCfg storage.BackendConfig, opts Options) *StorageService {
	if opts.Cache == nil {
		opts.Cache = drivercache.New(drivercache.DefaultSize, nil)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = parallel.DefaultMaxConcurrent
	}
	return &StorageService{
		defaultCfg:    defaultCfg.Normalized(),
		cache:         opts.Cache,
		catalog:       opts.Catalog,
		limiter:       opts.Limiter,
		retry:         opts.Retry,
		maxConcurrent: opts.MaxConcurrent,
		logger:        logger.WithComponent("StorageService"),
	}
}

// DefaultConfig returns the backend used when a Target has no Config.
func (s *StorageService) DefaultConfig() storage.BackendConfig {
	return s.defaultCfg
}

// Driver returns the cached driver for t without rate limiting.
func (s *StorageService) Driver(ctx context.Context, t Target) (storage.Driver, error) {
	return s.cache.Get(ctx, s.config(t))
}

// Upload stores one file.
func (s *StorageService) Upload(ctx context.Context, t Target, file *storage.UploadFile, opts storage.UploadOptions) (*storage.UploadResult, error) {
	const op = "StorageService.Upload"

	if file == nil {
		return nil, errors.E(op, errors.ErrInvalidInput, nil, "nil upload")
	}
	if err := s.acquire(t, ClassUpload); err != nil {
		return nil, err
	}
	cfg := s.config(t)
	if err := checkUpload(cfg, file, opts); err != nil {
		return nil, err
	}

	d, err := s.bind(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.Upload(ctx, file, opts)
}

// UploadMultiple stores files with bounded concurrency. The batch counts as
// one request against the rate limit. Each file gets its own outcome, in
// input order; one failure never aborts the batch.
func (s *StorageService) UploadMultiple(ctx context.Context, t Target, files []*storage.UploadFile, opts storage.UploadOptions) ([]storage.UploadOutcome, error) {
	if err := s.acquire(t, ClassUpload); err != nil {
		return nil, err
	}
	cfg := s.config(t)
	if opts.Folder != "" {
		if err := storage.ValidateFolder(opts.Folder); err != nil {
			return nil, err
		}
	}

	d, err := s.bind(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	outcomes := make([]storage.UploadOutcome, len(files))
	pending := make([]*storage.UploadFile, 0, len(files))
	index := make([]int, 0, len(files))
	for i, f := range files {
		if f == nil {
			outcomes[i] = storage.UploadOutcome{Err: errors.E("StorageService.UploadMultiple", errors.ErrInvalidInput, nil, "nil upload")}
			continue
		}
		if err := checkUpload(cfg, f, storage.UploadOptions{}); err != nil {
			outcomes[i] = storage.UploadOutcome{Err: err}
			continue
		}
		pending = append(pending, f)
		index = append(index, i)
	}

	for j, o := range storage.UploadMultiple(ctx, d, pending, opts, s.maxConcurrent) {
		outcomes[index[j]] = o
	}
	return outcomes, nil
}

// GenerateUploadURL returns a presigned upload URL.
func (s *StorageService) GenerateUploadURL(ctx context.Context, t Target, req storage.UploadURLRequest) (*storage.PresignedURL, error) {
	if err := s.acquire(t, ClassURL); err != nil {
		return nil, err
	}
	if err := storage.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if req.Folder != "" {
		if err := storage.ValidateFolder(req.Folder); err != nil {
			return nil, err
		}
	}

	d, err := s.bind(ctx, s.config(t))
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.GenerateUploadURL(ctx, req)
}

// GenerateViewURL returns a time-limited URL for a stored file.
func (s *StorageService) GenerateViewURL(ctx context.Context, t Target, reference string) (*storage.PresignedURL, error) {
	if err := s.acquire(t, ClassURL); err != nil {
		return nil, err
	}
	if err := storage.ValidateReference(reference); err != nil {
		return nil, err
	}

	d, err := s.bind(ctx, s.config(t))
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.GenerateViewURL(ctx, reference)
}

// Delete removes a file. It returns false for a missing or rejected reference.
func (s *StorageService) Delete(ctx context.Context, t Target, reference string) (bool, error) {
	if err := s.acquire(t, ClassDelete); err != nil {
		return false, err
	}
	if err := storage.ValidateReference(reference); err != nil {
		return false, nil
	}

	d, err := s.bind(ctx, s.config(t))
	if err != nil {
		return false, err
	}
	defer d.Close()
	return d.Delete(ctx, reference)
}

// DeleteMultiple removes references with bounded concurrency. Outcomes are
// in input order.
func (s *StorageService) DeleteMultiple(ctx context.Context, t Target, references []string) ([]storage.DeleteOutcome, error) {
	if err := s.acquire(t, ClassDelete); err != nil {
		return nil, err
	}

	d, err := s.bind(ctx, s.config(t))
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return storage.DeleteMultiple(ctx, d, references, s.maxConcurrent), nil
}

// ListFiles returns one page of files.
func (s *StorageService) ListFiles(ctx context.Context, t Target, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := s.acquire(t, ClassList); err != nil {
		return nil, err
	}
	if err := storage.ValidatePrefix(opts.Prefix); err != nil {
		return nil, err
	}
	opts.MaxResults = storage.ClampMaxResults(opts.MaxResults)

	d, err := s.bind(ctx, s.config(t))
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.ListFiles(ctx, opts)
}

// ValidateAndConfirmUpload checks a stored file against exp. A missing or
// rejected reference yields an invalid result, not an error.
func (s *StorageService) ValidateAndConfirmUpload(ctx context.Context, t Target, reference string, exp storage.Expectation) (*storage.ValidationResult, error) {
	if err := s.acquire(t, ClassValidate); err != nil {
		return nil, err
	}
	if err := storage.ValidateReference(reference); err != nil {
		return storage.MissingFile(), nil
	}

	d, err := s.bind(ctx, s.config(t))
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.ValidateAndConfirmUpload(ctx, reference, exp)
}

// Describe returns the catalog record of a reference.
func (s *StorageService) Describe(ctx context.Context, t Target, reference string) (*catalog.Record, error) {
	const op = "StorageService.Describe"

	if err := s.acquire(t, ClassDescribe); err != nil {
		return nil, err
	}
	if s.catalog == nil {
		return nil, errors.E(op, errors.ErrUnsupported, nil, "upload catalog is disabled")
	}
	if err := storage.ValidateReference(reference); err != nil {
		return nil, errors.E(op, errors.ErrNotFound, nil, "file not found")
	}
	return s.catalog.Get(ctx, drivercache.Key(s.config(t)), reference)
}

// ListCatalog returns catalog records under prefix.
func (s *StorageService) ListCatalog(ctx context.Context, t Target, prefix string, limit int) ([]*catalog.Record, error) {
	const op = "StorageService.ListCatalog"

	if err := s.acquire(t, ClassDescribe); err != nil {
		return nil, err
	}
	if s.catalog == nil {
		return nil, errors.E(op, errors.ErrUnsupported, nil, "upload catalog is disabled")
	}
	if err := storage.ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	return s.catalog.List(ctx, drivercache.Key(s.config(t)), prefix, storage.ClampMaxResults(limit))
}

// Close releases every cached driver and the catalog.
func (s *StorageService) Close() error {
	s.cache.Clear()
	if s.catalog != nil {
		return s.catalog.Close()
	}
	return nil
}

func (s *StorageService) config(t Target) storage.BackendConfig {
	if t.Config != nil {
		return t.Config.Normalized()
	}
	return s.defaultCfg
}

// acquire counts one request of class for the caller.
func (s *StorageService) acquire(t Target, class string) error {
	if s.limiter == nil {
		return nil
	}
	caller := t.Caller
	if caller == "" {
		caller = anonymousCaller
	}
	key := caller + ":" + class
	if s.limiter.TryAcquire(key) {
		return nil
	}

	metrics.RecordRateLimited(class)
	retryAfter := s.limiter.Status(key).ResetIn
	s.logger.Warn("rate limit exceeded",
		zap.String("key", key),
		zap.Duration("retry_after", retryAfter),
	)
	return &errors.RateLimitError{Key: key, RetryAfter: retryAfter}
}

// checkUpload rejects an upload before any bytes are read.
func checkUpload(cfg storage.BackendConfig, file *storage.UploadFile, opts storage.UploadOptions) error {
	if err := storage.ValidateName(file.Name); err != nil {
		return err
	}
	if opts.Folder != "" {
		if err := storage.ValidateFolder(opts.Folder); err != nil {
			return err
		}
	}
	if file.Size > cfg.MaxFileSize {
		return errors.Invalid("StorageService.Upload",
			fmt.Sprintf("file size %d exceeds limit of %d bytes", file.Size, cfg.MaxFileSize))
	}
	return nil
}

// outcome maps an error onto a metrics outcome label.
func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.IsNotFound(err):
		return metrics.OutcomeNotFound
	case errors.IsValidation(err), errors.IsSecurity(err):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}
