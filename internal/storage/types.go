package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"asisaid.cn/unistore/internal/common/errors"
)

// BackendKind identifies a storage backend implementation.
type BackendKind string

const (
	KindLocal BackendKind = "local"
	KindS3    BackendKind = "s3"
	KindGCS   BackendKind = "gcs"
)

// Limits applied to every backend configuration.
const (
	DefaultURLExpiry    = 600 * time.Second
	MinURLExpiry        = time.Second
	MaxURLExpiry        = 7 * 24 * time.Hour
	DefaultLocalBaseURL = "/files"
)

// DefaultMaxFileSize is 5 GiB.
const DefaultMaxFileSize int64 = 5 << 30

// Credentials holds static credentials for a remote backend. A nil
// *Credentials in BackendConfig means "use the ambient credential chain".
type Credentials struct {
	AccessKeyID         string `json:"accessKeyId" mapstructure:"access_key_id"`
	SecretAccessKey     string `json:"secretAccessKey" mapstructure:"secret_access_key"`
	SessionToken        string `json:"sessionToken" mapstructure:"session_token"`
	ServiceAccountEmail string `json:"serviceAccountEmail" mapstructure:"service_account_email"`
	PrivateKey          string `json:"privateKey" mapstructure:"private_key"`
	CredentialsFile     string `json:"credentialsFile" mapstructure:"credentials_file"`
}

// BackendConfig describes one backend client. Every field participates in
// the driver cache key.
type BackendConfig struct {
	Kind                BackendKind   `json:"kind" mapstructure:"backend"`
	Bucket              string        `json:"bucket" mapstructure:"bucket"`
	Region              string        `json:"region" mapstructure:"region"`
	Endpoint            string        `json:"endpoint" mapstructure:"endpoint"`
	ForcePathStyle      bool          `json:"forcePathStyle" mapstructure:"force_path_style"`
	Credentials         *Credentials  `json:"credentials" mapstructure:"credentials"`
	LocalPath           string        `json:"localPath" mapstructure:"path"`
	BaseURL             string        `json:"baseUrl" mapstructure:"base_url"`
	DefaultFolder       string        `json:"defaultFolder" mapstructure:"default_folder"`
	URLExpiry           time.Duration `json:"urlExpiry" mapstructure:"url_expiry"`
	MaxFileSize         int64         `json:"maxFileSize" mapstructure:"max_file_size"`
	AllowedContentTypes []string      `json:"allowedContentTypes" mapstructure:"allowed_content_types"`
}

// Normalized returns a copy with defaults applied and limits clamped.
func (c BackendConfig) Normalized() BackendConfig {
	if c.Kind == "" {
		c.Kind = KindLocal
	}
	c.URLExpiry = ClampURLExpiry(c.URLExpiry)
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.Kind == KindLocal && c.BaseURL == "" {
		c.BaseURL = DefaultLocalBaseURL
	}
	return c
}

// Validate checks that the configuration names everything its backend needs.
func (c BackendConfig) Validate() error {
	const op = "BackendConfig.Validate"
	switch c.Kind {
	case KindLocal, "":
		if c.LocalPath == "" {
			return errors.E(op, errors.ErrInvalidConfig, nil, "local backend requires a path")
		}
	case KindS3:
		if c.Bucket == "" || c.Region == "" {
			return errors.E(op, errors.ErrInvalidConfig, nil, "s3 backend requires bucket and region")
		}
	case KindGCS:
		if c.Bucket == "" {
			return errors.E(op, errors.ErrInvalidConfig, nil, "gcs backend requires a bucket")
		}
	default:
		return errors.E(op, errors.ErrInvalidConfig, nil, fmt.Sprintf("unknown backend kind %q", c.Kind))
	}
	if c.DefaultFolder != "" {
		if err := ValidateFolder(c.DefaultFolder); err != nil {
			return errors.E(op, errors.ErrInvalidConfig, err, "default folder")
		}
	}
	return nil
}

// ClampURLExpiry clamps d to [MinURLExpiry, MaxURLExpiry]; zero selects the default.
func ClampURLExpiry(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultURLExpiry
	case d < MinURLExpiry:
		return MinURLExpiry
	case d > MaxURLExpiry:
		return MaxURLExpiry
	default:
		return d
	}
}

// FileDescriptor describes a stored file. Name is the Reference relative to
// the backend root.
type FileDescriptor struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	LastModified time.Time `json:"lastModified"`
}

// UploadFile is an uploaded file whose content lives either in memory (Data)
// or in a temporary file on disk (Path).
type UploadFile struct {
	Name        string // Original client file name
	ContentType string // Declared by the client; not trusted
	Size        int64  // Declared by the client; not trusted
	Data        []byte
	Path        string
}

// Content is a seekable, closable view of an upload's bytes.
type Content interface {
	io.ReadSeeker
	io.Closer
}

type memoryContent struct {
	*bytes.Reader
}

func (memoryContent) Close() error { return nil }

// Open returns the upload's content.
func (f *UploadFile) Open() (Content, error) {
	switch {
	case f == nil:
		return nil, errors.E("UploadFile.Open", errors.ErrInvalidInput, nil, "nil upload")
	case f.Data != nil:
		return memoryContent{bytes.NewReader(f.Data)}, nil
	case f.Path != "":
		file, err := os.Open(f.Path)
		if err != nil {
			return nil, errors.E("UploadFile.Open", errors.ErrBackend, err, "open temporary upload")
		}
		return file, nil
	default:
		return nil, errors.E("UploadFile.Open", errors.ErrInvalidInput, nil, "upload has neither data nor path")
	}
}

// ActualSize returns the real size of the content, ignoring the declared size.
func (f *UploadFile) ActualSize() (int64, error) {
	if f.Data != nil {
		return int64(len(f.Data)), nil
	}
	if f.Path == "" {
		return 0, errors.E("UploadFile.ActualSize", errors.ErrInvalidInput, nil, "upload has neither data nor path")
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return 0, errors.E("UploadFile.ActualSize", errors.ErrBackend, err, "stat temporary upload")
	}
	return info.Size(), nil
}

// Head returns up to SniffLength leading bytes and rewinds content.
func Head(content io.ReadSeeker) ([]byte, error) {
	buf := make([]byte, SniffLength)
	n, err := io.ReadFull(content, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// UploadOptions carries per-call upload settings.
type UploadOptions struct {
	Folder string
}

// UploadResult is the success value of an upload.
type UploadResult struct {
	Reference    string    `json:"reference"`
	Name         string    `json:"name"`
	OriginalName string    `json:"originalName"`
	URL          string    `json:"url,omitempty"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	Checksum     string    `json:"checksum,omitempty"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// UploadURLRequest asks a backend for a presigned upload URL.
type UploadURLRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Folder      string `json:"folder"`
}

// PresignedURL is the success value of URL generation.
type PresignedURL struct {
	Reference string            `json:"reference"`
	UploadURL string            `json:"uploadUrl,omitempty"`
	ViewURL   string            `json:"viewUrl,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// ListOptions selects a page of files.
type ListOptions struct {
	Prefix            string
	MaxResults        int
	ContinuationToken string
}

// ListResult is one page of files. NextToken is empty on the last page.
type ListResult struct {
	Files     []FileDescriptor `json:"files"`
	NextToken string           `json:"nextToken,omitempty"`
}

// Expectation holds caller-expected properties for validateAndConfirmUpload.
type Expectation struct {
	ContentType    string `json:"contentType"`
	Size           *int64 `json:"size"`
	KeepOnMismatch bool   `json:"keepOnMismatch"`
}

// ValidationResult reports what validateAndConfirmUpload found.
type ValidationResult struct {
	Valid      bool                    `json:"valid"`
	File       *FileDescriptor         `json:"file,omitempty"`
	Mismatches []*errors.MismatchError `json:"mismatches,omitempty"`
	Deleted    bool                    `json:"deleted"`
	Reason     string                  `json:"reason,omitempty"`
}

// Err returns the first mismatch, or nil if the upload is valid.
func (r *ValidationResult) Err() error {
	if r == nil || r.Valid {
		return nil
	}
	if len(r.Mismatches) > 0 {
		return r.Mismatches[0]
	}
	return errors.E("ValidateAndConfirmUpload", errors.ErrNotFound, nil, r.Reason)
}

// UploadOutcome is one element of a batch upload.
type UploadOutcome struct {
	Result *UploadResult
	Err    error
}

// OK reports whether the upload succeeded.
func (o UploadOutcome) OK() bool { return o.Err == nil && o.Result != nil }

// DeleteOutcome is one element of a batch delete.
type DeleteOutcome struct {
	Reference string
	Deleted   bool
	Err       error
}
