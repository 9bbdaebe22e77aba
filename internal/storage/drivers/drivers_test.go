package drivers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/storage"
)

func TestNew_Local(t *testing.T) {
	d, err := New(context.Background(), storage.BackendConfig{LocalPath: filepath.Join(t.TempDir(), "files")})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, storage.KindLocal, d.Kind())
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  storage.BackendConfig
	}{
		{"unknown kind", storage.BackendConfig{Kind: "azure"}},
		{"local without path", storage.BackendConfig{Kind: storage.KindLocal}},
		{"s3 without region", storage.BackendConfig{Kind: storage.KindS3, Bucket: "b"}},
		{"gcs without bucket", storage.BackendConfig{Kind: storage.KindGCS}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}
