// Package s3 implements the storage Driver on Amazon S3 and S3-compatible
// services.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/common/logger"
	"asisaid.cn/unistore/internal/storage"
)

// Client is the subset of the S3 API used by Driver.
type Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3aws.HeadObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3aws.GetObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3aws.DeleteObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3aws.ListObjectsV2Input, optFns ...func(*s3aws.Options)) (*s3aws.ListObjectsV2Output, error)
}

// Presigner signs time-limited object URLs.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3aws.GetObjectInput, optFns ...func(*s3aws.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Driver implements storage.Driver for S3.
type Driver struct {
	cfg       storage.BackendConfig
	client    Client
	presigner Presigner
	names     *storage.NameGenerator
	now       func() time.Time
	log       *zap.Logger
}

var _ storage.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithClient sets a pre-configured S3 client. Used with fakes in tests.
func WithClient(c Client) Option {
	return func(d *Driver) { d.client = c }
}

// WithPresigner sets the URL presigner.
func WithPresigner(p Presigner) Option {
	return func(d *Driver) { d.presigner = p }
}

// New creates an S3 driver. Without explicit credentials the default AWS
// credential chain is used.
func New(ctx context.Context, cfg storage.BackendConfig, opts ...Option) (*Driver, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		cfg: cfg,
		now: time.Now,
		log: logger.WithBackend("S3Storage", string(storage.KindS3)),
	}
	d.names = storage.NewNameGeneratorWithClock(func() time.Time { return d.now() })
	for _, opt := range opts {
		opt(d)
	}

	if d.client == nil {
		client, err := newClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		d.client = client
		if d.presigner == nil {
			d.presigner = s3aws.NewPresignClient(client)
		}
	}
	if d.presigner == nil {
		return nil, errors.E("s3.New", errors.ErrInvalidConfig, nil, "presigner required with a custom client")
	}

	d.log.Info("s3 storage ready",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", cfg.Region),
		zap.String("endpoint", cfg.Endpoint),
	)
	return d, nil
}

func newClient(ctx context.Context, cfg storage.BackendConfig) (*s3aws.Client, error) {
	awsOptions := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if c := cfg.Credentials; c != nil {
		switch {
		case c.AccessKeyID != "" && c.SecretAccessKey != "":
			awsOptions = append(awsOptions, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken),
			))
		case c.CredentialsFile != "":
			awsOptions = append(awsOptions, config.WithSharedCredentialsFiles([]string{c.CredentialsFile}))
		}
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
	if err != nil {
		return nil, errors.E("s3.New", errors.ErrInvalidConfig, err, "load AWS config")
	}

	return s3aws.NewFromConfig(awsConfig, func(o *s3aws.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// Kind implements storage.Driver.
func (d *Driver) Kind() storage.BackendKind { return storage.KindS3 }

// Upload implements storage.Driver.
func (d *Driver) Upload(ctx context.Context, file *storage.UploadFile, opts storage.UploadOptions) (*storage.UploadResult, error) {
	const op = "s3.Upload"

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

	sum, err := digest(content)
	if err != nil {
		return nil, errors.E(op, errors.ErrBackend, err, "hash upload")
	}

	_, err = d.client.PutObject(ctx, &s3aws.PutObjectInput{
		Bucket:         aws.String(d.cfg.Bucket),
		Key:            aws.String(ref),
		Body:           content,
		ContentLength:  aws.Int64(size),
		ContentType:    aws.String(contentType),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum)),
		Metadata:       map[string]string{"original-name": file.Name},
	})
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
		Checksum:     hex.EncodeToString(sum),
		UploadedAt:   at,
	}
	if d.cfg.BaseURL != "" {
		res.URL = storage.JoinURL(d.cfg.BaseURL, ref)
	}
	return res, nil
}

// GenerateUploadURL implements storage.Driver.
func (d *Driver) GenerateUploadURL(ctx context.Context, req storage.UploadURLRequest) (*storage.PresignedURL, error) {
	const op = "s3.GenerateUploadURL"

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

	input := &s3aws.PutObjectInput{
		Bucket:      aws.String(d.cfg.Bucket),
		Key:         aws.String(ref),
		ContentType: aws.String(contentType),
	}
	if req.Size > 0 {
		input.ContentLength = aws.Int64(req.Size)
	}

	signed, err := d.presigner.PresignPutObject(ctx, input, s3aws.WithPresignExpires(d.cfg.URLExpiry))
	if err != nil {
		return nil, classify(op, err)
	}

	return &storage.PresignedURL{
		Reference: ref,
		UploadURL: signed.URL,
		Method:    signed.Method,
		Headers:   flattenHeaders(signed),
		ExpiresAt: at.Add(d.cfg.URLExpiry),
	}, nil
}

// GenerateViewURL implements storage.Driver.
func (d *Driver) GenerateViewURL(ctx context.Context, reference string) (*storage.PresignedURL, error) {
	const op = "s3.GenerateViewURL"

	if err := storage.ValidateReference(reference); err != nil {
		return nil, err
	}
	if _, err := d.head(ctx, op, reference); err != nil {
		return nil, err
	}

	signed, err := d.presigner.PresignGetObject(ctx, &s3aws.GetObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(reference),
	}, s3aws.WithPresignExpires(d.cfg.URLExpiry))
	if err != nil {
		return nil, classify(op, err)
	}

	return &storage.PresignedURL{
		Reference: reference,
		ViewURL:   signed.URL,
		Method:    signed.Method,
		ExpiresAt: d.now().UTC().Add(d.cfg.URLExpiry),
	}, nil
}

// Delete implements storage.Driver. S3 deletes are idempotent, so existence
// is checked first to report whether anything was removed.
func (d *Driver) Delete(ctx context.Context, reference string) (bool, error) {
	const op = "s3.Delete"

	if err := storage.ValidateReference(reference); err != nil {
		return false, nil
	}
	if _, err := d.head(ctx, op, reference); err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	_, err := d.client.DeleteObject(ctx, &s3aws.DeleteObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(reference),
	})
	if err != nil {
		err = classify(op, err)
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	d.log.Info("file deleted", zap.String("reference", reference))
	return true, nil
}

// ListFiles implements storage.Driver. S3 returns keys in UTF-8 byte order,
// which matches the ordering used by every other backend.
func (d *Driver) ListFiles(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	const op = "s3.ListFiles"

	if err := storage.ValidatePrefix(opts.Prefix); err != nil {
		return nil, err
	}
	limit := storage.ClampMaxResults(opts.MaxResults)

	files := make([]storage.FileDescriptor, 0, limit)
	startAfter := opts.ContinuationToken
	more := true
	for more && len(files) < limit {
		input := &s3aws.ListObjectsV2Input{
			Bucket:  aws.String(d.cfg.Bucket),
			MaxKeys: aws.Int32(int32(limit - len(files))),
		}
		if opts.Prefix != "" {
			input.Prefix = aws.String(opts.Prefix)
		}
		if startAfter != "" {
			input.StartAfter = aws.String(startAfter)
		}

		out, err := d.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, classify(op, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			startAfter = key
			// Folder placeholder objects.
			if strings.HasSuffix(key, "/") {
				continue
			}
			files = append(files, storage.FileDescriptor{
				Name:         key,
				Size:         aws.ToInt64(obj.Size),
				ContentType:  extensionType(key),
				LastModified: aws.ToTime(obj.LastModified).UTC(),
			})
		}
		more = aws.ToBool(out.IsTruncated)
		if len(out.Contents) == 0 {
			break
		}
	}

	res := &storage.ListResult{Files: files}
	if more && len(files) > 0 {
		res.NextToken = files[len(files)-1].Name
	}
	return res, nil
}

// ValidateAndConfirmUpload implements storage.Driver. The type is sniffed
// from the first bytes of the object, fetched with a ranged GET.
func (d *Driver) ValidateAndConfirmUpload(ctx context.Context, reference string, exp storage.Expectation) (*storage.ValidationResult, error) {
	const op = "s3.ValidateAndConfirmUpload"

	if err := storage.ValidateReference(reference); err != nil {
		return storage.MissingFile(), nil
	}
	head, err := d.head(ctx, op, reference)
	if err != nil {
		if errors.IsNotFound(err) {
			return storage.MissingFile(), nil
		}
		return nil, err
	}
	size := aws.ToInt64(head.ContentLength)

	var leading []byte
	if size > 0 {
		out, err := d.client.GetObject(ctx, &s3aws.GetObjectInput{
			Bucket: aws.String(d.cfg.Bucket),
			Key:    aws.String(reference),
			Range:  aws.String(fmt.Sprintf("bytes=0-%d", storage.SniffLength-1)),
		})
		if err != nil {
			err = classify(op, err)
			if errors.IsNotFound(err) {
				return storage.MissingFile(), nil
			}
			return nil, err
		}
		leading, err = io.ReadAll(io.LimitReader(out.Body, storage.SniffLength))
		out.Body.Close()
		if err != nil {
			return nil, errors.E(op, errors.ErrBackend, err, "read object")
		}
	}

	file := storage.FileDescriptor{
		Name:         reference,
		Size:         size,
		ContentType:  storage.DetectContentType(leading, reference, aws.ToString(head.ContentType)),
		LastModified: aws.ToTime(head.LastModified).UTC(),
	}
	res := storage.NewValidationResult(file, exp)
	if res.Valid || exp.KeepOnMismatch {
		return res, nil
	}

	if _, err := d.client.DeleteObject(ctx, &s3aws.DeleteObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(reference),
	}); err != nil {
		return nil, classify(op, err)
	}
	res.Deleted = true
	d.log.Warn("upload failed validation, removed",
		zap.String("reference", reference),
		zap.String("reason", res.Reason),
	)
	return res, nil
}

// Close implements storage.Driver. SDK clients hold no resources to release.
func (d *Driver) Close() error { return nil }

func (d *Driver) head(ctx context.Context, op, reference string) (*s3aws.HeadObjectOutput, error) {
	out, err := d.client.HeadObject(ctx, &s3aws.HeadObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(reference),
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// digest hashes r and rewinds it.
func digest(r io.ReadSeeker) ([]byte, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func flattenHeaders(req *v4.PresignedHTTPRequest) map[string]string {
	if len(req.SignedHeader) == 0 {
		return nil
	}
	out := make(map[string]string, len(req.SignedHeader))
	for k, v := range req.SignedHeader {
		if strings.EqualFold(k, "Host") {
			continue
		}
		out[k] = strings.Join(v, ",")
	}
	return out
}

func extensionType(key string) string {
	if mt := storage.ExtensionType(key); mt != "" {
		return mt
	}
	return storage.DefaultContentType
}
