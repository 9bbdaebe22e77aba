// Package storage defines the backend-independent storage contract: the
// Driver interface, the shared data model, and the helpers every driver uses
// to validate untrusted paths, name uploads and sniff content.
package storage

import (
	"context"
)

// Driver is implemented identically by the local engine and every remote
// backend.
type Driver interface {
	// Kind returns the backend kind.
	Kind() BackendKind

	// Upload stores a file and returns its Reference.
	Upload(ctx context.Context, file *UploadFile, opts UploadOptions) (*UploadResult, error)

	// GenerateUploadURL returns a time-limited URL a client can upload to directly.
	GenerateUploadURL(ctx context.Context, req UploadURLRequest) (*PresignedURL, error)

	// GenerateViewURL returns a time-limited URL for reading a stored file.
	GenerateViewURL(ctx context.Context, reference string) (*PresignedURL, error)

	// Delete removes a file. It returns false, not an error, when the file
	// is absent or the reference is rejected.
	Delete(ctx context.Context, reference string) (bool, error)

	// ListFiles returns a page of files sorted by Reference.
	ListFiles(ctx context.Context, opts ListOptions) (*ListResult, error)

	// ValidateAndConfirmUpload re-derives type and size of a stored file and
	// compares them to exp.
	ValidateAndConfirmUpload(ctx context.Context, reference string, exp Expectation) (*ValidationResult, error)

	// Close releases backend clients.
	Close() error
}
