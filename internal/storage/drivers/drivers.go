// Package drivers constructs a storage.Driver for a backend configuration.
package drivers

import (
	"context"
	"fmt"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/storage"
	"asisaid.cn/unistore/internal/storage/gcs"
	"asisaid.cn/unistore/internal/storage/local"
	"asisaid.cn/unistore/internal/storage/s3"
)

// Factory creates a driver for a configuration.
type Factory func(ctx context.Context, cfg storage.BackendConfig) (storage.Driver, error)

// New creates the driver named by cfg.Kind.
func New(ctx context.Context, cfg storage.BackendConfig) (storage.Driver, error) {
	cfg = cfg.Normalized()
	switch cfg.Kind {
	case storage.KindLocal:
		return local.New(cfg)
	case storage.KindS3:
		return s3.New(ctx, cfg)
	case storage.KindGCS:
		return gcs.New(ctx, cfg)
	default:
		return nil, errors.E("drivers.New", errors.ErrInvalidConfig, nil,
			fmt.Sprintf("unsupported storage backend: %s", cfg.Kind))
	}
}

var _ Factory = New
