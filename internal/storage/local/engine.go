// Package local implements the storage Driver on the local file system.
//
// Files live under a single root directory. Every path that reaches the file
// system is derived from a validated Reference and checked against the real
// path of the root, so neither "../" sequences nor symlinks can move an
// operation outside it.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/common/logger"
	"asisaid.cn/unistore/internal/storage"
)

// Temporary upload files carry this prefix and are never listed.
const tempPrefix = ".upload-"

// Engine implements storage.Driver using the local file system.
type Engine struct {
	cfg   storage.BackendConfig
	root  string
	names *storage.NameGenerator
	now   func() time.Time
	log   *zap.Logger
}

var _ storage.Driver = (*Engine)(nil)

// New creates an Engine rooted at cfg.LocalPath, creating the directory if
// needed.
func New(cfg storage.BackendConfig) (*Engine, error) {
	const op = "local.New"

	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.LocalPath)
	if err != nil {
		return nil, errors.E(op, errors.ErrInvalidConfig, err, "resolve root")
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.E(op, errors.ErrBackend, err, "create root directory")
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.E(op, errors.ErrBackend, err, "resolve root")
	}

	e := &Engine{
		cfg:  cfg,
		root: root,
		now:  time.Now,
		log:  logger.WithBackend("LocalStorage", string(storage.KindLocal)),
	}
	e.names = storage.NewNameGeneratorWithClock(func() time.Time { return e.now() })

	e.log.Info("local storage ready", zap.String("root", root))
	return e, nil
}

// Kind implements storage.Driver.
func (e *Engine) Kind() storage.BackendKind { return storage.KindLocal }

// Root returns the real path of the storage root.
func (e *Engine) Root() string { return e.root }

// Upload implements storage.Driver. Content is streamed to a temporary file
// in the destination directory and renamed into place.
func (e *Engine) Upload(ctx context.Context, file *storage.UploadFile, opts storage.UploadOptions) (*storage.UploadResult, error) {
	const op = "local.Upload"

	if file == nil {
		return nil, errors.E(op, errors.ErrInvalidInput, nil, "nil upload")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	at := e.now().UTC()
	ref, unique, err := storage.PrepareReference(e.cfg, e.names, file.Name, opts.Folder, at)
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
	if err := storage.CheckUploadPolicy(e.cfg, size, contentType); err != nil {
		return nil, err
	}

	target := filepath.Join(e.root, filepath.FromSlash(ref))
	if err := e.mkdirUnder(filepath.Dir(target)); err != nil {
		if err == errUnsafeDir {
			return nil, e.reject(op, ref, "folder leaves the root or passes through a symlink")
		}
		return nil, errors.E(op, errors.ErrBackend, err, "create directory")
	}

	written, checksum, err := e.writeAtomic(ctx, target, content)
	if err != nil {
		return nil, err
	}

	e.log.Info("file uploaded",
		zap.String("reference", ref),
		zap.Int64("size", written),
		zap.String("content_type", contentType),
	)

	return &storage.UploadResult{
		Reference:    ref,
		Name:         unique,
		OriginalName: file.Name,
		URL:          storage.JoinURL(e.cfg.BaseURL, ref),
		Size:         written,
		ContentType:  contentType,
		Checksum:     checksum,
		UploadedAt:   at,
	}, nil
}

// writeAtomic copies r into target through a temporary file, enforcing the
// size limit while streaming.
func (e *Engine) writeAtomic(ctx context.Context, target string, r io.Reader) (int64, string, error) {
	const op = "local.Upload"

	tmp := filepath.Join(filepath.Dir(target), tempPrefix+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return 0, "", errors.E(op, errors.ErrBackend, err, "create temporary file")
	}
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmp)
		}
	}()

	hr := newHashingReader(io.LimitReader(&ctxReader{ctx: ctx, r: r}, e.cfg.MaxFileSize+1))
	written, err := io.Copy(f, hr)
	if err != nil {
		f.Close()
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		return 0, "", errors.E(op, errors.ErrBackend, err, "write file")
	}
	if written > e.cfg.MaxFileSize {
		f.Close()
		return 0, "", errors.Invalid(op, "file exceeds the maximum size")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, "", errors.E(op, errors.ErrBackend, err, "sync file")
	}
	if err := f.Close(); err != nil {
		return 0, "", errors.E(op, errors.ErrBackend, err, "close file")
	}

	if err := os.Rename(tmp, target); err != nil {
		return 0, "", errors.E(op, errors.ErrBackend, err, "move file into place")
	}
	committed = true
	return written, hr.Hash(), nil
}

// GenerateUploadURL is not available for local storage; uploads go through
// Upload.
func (e *Engine) GenerateUploadURL(ctx context.Context, req storage.UploadURLRequest) (*storage.PresignedURL, error) {
	return nil, errors.E("local.GenerateUploadURL", errors.ErrUnsupported, nil,
		"presigned uploads are only available for remote backends")
}

// GenerateViewURL returns the locally served URL of a file. The expiry is
// informational.
func (e *Engine) GenerateViewURL(ctx context.Context, reference string) (*storage.PresignedURL, error) {
	const op = "local.GenerateViewURL"

	if err := storage.ValidateReference(reference); err != nil {
		return nil, err
	}
	if _, _, ok := e.resolve(reference); !ok {
		return nil, errors.E(op, errors.ErrNotFound, nil, "file not found")
	}
	return &storage.PresignedURL{
		Reference: reference,
		ViewURL:   storage.JoinURL(e.cfg.BaseURL, reference),
		Method:    "GET",
		ExpiresAt: e.now().Add(e.cfg.URLExpiry),
	}, nil
}

// Delete implements storage.Driver. Missing files, symlinks and references
// that resolve outside the root all return false.
func (e *Engine) Delete(ctx context.Context, reference string) (bool, error) {
	const op = "local.Delete"

	if err := storage.ValidateReference(reference); err != nil {
		return false, nil
	}
	p, _, ok := e.resolve(reference)
	if !ok {
		return false, nil
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.E(op, errors.ErrBackend, err, "remove file")
	}

	e.log.Info("file deleted", zap.String("reference", reference))
	return true, nil
}

// ListFiles implements storage.Driver. Files are sorted by their full
// relative path.
func (e *Engine) ListFiles(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	const op = "local.ListFiles"

	if err := storage.ValidatePrefix(opts.Prefix); err != nil {
		return nil, err
	}

	// Walk only the deepest directory the prefix pins down.
	start := e.root
	if i := strings.LastIndex(opts.Prefix, "/"); i > 0 {
		start = filepath.Join(e.root, filepath.FromSlash(opts.Prefix[:i]))
	}
	realStart, err := filepath.EvalSymlinks(start)
	if err != nil {
		if os.IsNotExist(err) {
			return &storage.ListResult{Files: []storage.FileDescriptor{}}, nil
		}
		return nil, errors.E(op, errors.ErrBackend, err, "resolve prefix")
	}
	if !e.contains(realStart) {
		return &storage.ListResult{Files: []storage.FileDescriptor{}}, nil
	}

	var files []storage.FileDescriptor
	err = filepath.WalkDir(realStart, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(e.root, p)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, opts.Prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Removed during the walk.
			return nil
		}
		files = append(files, e.describe(name, info, ""))
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.E(op, errors.ErrBackend, err, "walk directory")
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	page := storage.Paginate(files, opts.ContinuationToken, opts.MaxResults)
	return &page, nil
}

// ValidateAndConfirmUpload implements storage.Driver. The content type is
// sniffed from the stored bytes, falling back to the extension.
func (e *Engine) ValidateAndConfirmUpload(ctx context.Context, reference string, exp storage.Expectation) (*storage.ValidationResult, error) {
	const op = "local.ValidateAndConfirmUpload"

	if err := storage.ValidateReference(reference); err != nil {
		return storage.MissingFile(), nil
	}
	p, info, ok := e.resolve(reference)
	if !ok {
		return storage.MissingFile(), nil
	}

	head, err := readHead(p)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.MissingFile(), nil
		}
		return nil, errors.E(op, errors.ErrBackend, err, "read file")
	}

	res := storage.NewValidationResult(e.describe(reference, info, storage.DetectContentType(head, reference, "")), exp)
	if res.Valid || exp.KeepOnMismatch {
		return res, nil
	}

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return nil, errors.E(op, errors.ErrBackend, err, "remove mismatched file")
	}
	res.Deleted = true
	e.log.Warn("upload failed validation, removed",
		zap.String("reference", reference),
		zap.String("reason", res.Reason),
	)
	return res, nil
}

// Open returns a read handle and descriptor for a stored file.
func (e *Engine) Open(reference string) (*os.File, storage.FileDescriptor, error) {
	const op = "local.Open"

	if err := storage.ValidateReference(reference); err != nil {
		return nil, storage.FileDescriptor{}, err
	}
	p, info, ok := e.resolve(reference)
	if !ok {
		return nil, storage.FileDescriptor{}, errors.E(op, errors.ErrNotFound, nil, "file not found")
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.FileDescriptor{}, errors.E(op, errors.ErrNotFound, nil, "file not found")
		}
		return nil, storage.FileDescriptor{}, errors.E(op, errors.ErrBackend, err, "open file")
	}
	head := make([]byte, storage.SniffLength)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, storage.FileDescriptor{}, errors.E(op, errors.ErrBackend, err, "rewind file")
	}
	return f, e.describe(reference, info, storage.DetectContentType(head[:n], reference, "")), nil
}

// Close implements storage.Driver.
func (e *Engine) Close() error { return nil }

// resolve maps a validated reference to a regular file strictly inside the
// root. The file itself must not be a symlink and its parent directory must
// resolve inside the root.
func (e *Engine) resolve(reference string) (string, fs.FileInfo, bool) {
	p := filepath.Join(e.root, filepath.FromSlash(reference))
	if !e.contains(filepath.Dir(p)) {
		return "", nil, false
	}

	info, err := os.Lstat(p)
	if err != nil {
		return "", nil, false
	}
	if info.Mode()&os.ModeSymlink != 0 {
		e.log.Warn("refusing symlink", zap.String("reference", reference))
		return "", nil, false
	}
	if !info.Mode().IsRegular() {
		return "", nil, false
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil || !e.contains(parent) {
		e.log.Warn("reference resolves outside root", zap.String("reference", reference))
		return "", nil, false
	}
	return filepath.Join(parent, info.Name()), info, true
}

var errUnsafeDir = stderrors.New("unsafe directory")

// mkdirUnder creates dir below the root one segment at a time. Existing
// segments must be real directories, never symlinks.
func (e *Engine) mkdirUnder(dir string) error {
	rel, err := filepath.Rel(e.root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return errUnsafeDir
	}
	if rel == "." {
		return nil
	}

	cur := e.root
	for _, seg := range strings.Split(rel, string(os.PathSeparator)) {
		cur = filepath.Join(cur, seg)
		info, err := os.Lstat(cur)
		switch {
		case err == nil:
			if info.Mode()&os.ModeSymlink != 0 || !info.IsDir() {
				return errUnsafeDir
			}
		case os.IsNotExist(err):
			if err := os.Mkdir(cur, 0755); err != nil && !os.IsExist(err) {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

// contains reports whether p is the root or below it.
func (e *Engine) contains(p string) bool {
	return p == e.root || strings.HasPrefix(p, e.root+string(os.PathSeparator))
}

func (e *Engine) describe(name string, info fs.FileInfo, contentType string) storage.FileDescriptor {
	if contentType == "" {
		contentType = storage.ExtensionType(path.Base(name))
		if contentType == "" {
			contentType = storage.DefaultContentType
		}
	}
	return storage.FileDescriptor{
		Name:         name,
		Size:         info.Size(),
		ContentType:  contentType,
		LastModified: info.ModTime().UTC(),
	}
}

func (e *Engine) reject(op, reference, rule string) error {
	e.log.Warn("rejected upload target",
		zap.String("op", op),
		zap.String("rule", rule),
		zap.String("reference", reference),
	)
	return errors.Rejected(op, "invalid path")
}

func readHead(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return storage.Head(f)
}

// hashingReader computes a SHA-256 digest of everything read through it.
type hashingReader struct {
	reader io.Reader
	hasher hash.Hash
}

func newHashingReader(r io.Reader) *hashingReader {
	h := sha256.New()
	return &hashingReader{
		reader: io.TeeReader(r, h),
		hasher: h,
	}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	return h.reader.Read(p)
}

func (h *hashingReader) Hash() string {
	return hex.EncodeToString(h.hasher.Sum(nil))
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
