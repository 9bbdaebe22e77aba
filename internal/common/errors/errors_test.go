package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"ErrValidation", ErrValidation},
		{"ErrSecurity", ErrSecurity},
		{"ErrNotFound", ErrNotFound},
		{"ErrRateLimited", ErrRateLimited},
		{"ErrBackend", ErrBackend},
		{"ErrMismatch", ErrMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestStorageError(t *testing.T) {
	baseErr := errors.New("disk full")
	err := E("Local.Upload", ErrBackend, baseErr, "write failed")

	t.Run("Error message format", func(t *testing.T) {
		msg := err.Error()
		assert.Contains(t, msg, "Local.Upload")
		assert.Contains(t, msg, "disk full")
		assert.Contains(t, msg, "write failed")
	})

	t.Run("Unwrap", func(t *testing.T) {
		assert.Equal(t, baseErr, errors.Unwrap(err))
	})

	t.Run("Is kind", func(t *testing.T) {
		assert.ErrorIs(t, err, ErrBackend)
		assert.True(t, IsRetryable(err))
	})

	t.Run("Is base error", func(t *testing.T) {
		assert.ErrorIs(t, err, baseErr)
	})
}

func TestWrap(t *testing.T) {
	t.Run("Wrap nil", func(t *testing.T) {
		assert.NoError(t, Wrap("Op", nil))
	})

	t.Run("Wrap error", func(t *testing.T) {
		baseErr := errors.New("base")
		wrapped := Wrap("Op", baseErr)
		require.Error(t, wrapped)
		assert.ErrorIs(t, wrapped, baseErr)
		assert.ErrorIs(t, wrapped, ErrBackend)
	})
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"validation", Invalid("Op", "file name is empty"), false},
		{"security", Rejected("Op", "invalid path"), false},
		{"not found", E("Op", ErrNotFound, nil), false},
		{"rate limited", &RateLimitError{Key: "k", RetryAfter: time.Second}, false},
		{"mismatch", &MismatchError{Field: "size", Expected: "3", Actual: "4"}, false},
		{"backend", Wrap("Op", errors.New("io")), true},
		{"plain", errors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestRateLimitError(t *testing.T) {
	err := fmt.Errorf("upload: %w", &RateLimitError{Key: "alice:upload", RetryAfter: 1500 * time.Millisecond})

	assert.True(t, IsRateLimited(err))

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 1500*time.Millisecond, rle.RetryAfter)
}

func TestMismatchError(t *testing.T) {
	err := &MismatchError{Field: "contentType", Expected: "text/plain", Actual: "image/jpeg"}

	assert.ErrorIs(t, err, ErrMismatch)
	assert.Contains(t, err.Error(), "text/plain")
	assert.Contains(t, err.Error(), "image/jpeg")
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "invalid file name", Reason(Rejected("Op", "invalid file name")))
	assert.Equal(t, "file name is empty", Reason(Invalid("Op", "file name is empty")))
	assert.Equal(t, "boom", Reason(errors.New("boom")))
}
