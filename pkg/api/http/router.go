// Package http provides HTTP API handlers.
package http

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"asisaid.cn/unistore/internal/common/errors"
	"asisaid.cn/unistore/internal/common/logger"
	"asisaid.cn/unistore/internal/metrics"
	"asisaid.cn/unistore/internal/service"
	"asisaid.cn/unistore/internal/storage"
	"asisaid.cn/unistore/internal/storage/local"
)

// DefaultStreamThreshold is the largest upload part kept in memory.
const DefaultStreamThreshold int64 = 32 << 20

// Options configures a Handler.
type Options struct {
	StreamThreshold int64  // Parts above this size are spooled to disk
	TempDir         string // Spool directory; empty uses os.TempDir
}

// Handler provides HTTP handlers for the storage API.
type Handler struct {
	svc  *service.StorageService
	opts Options
	log  *zap.Logger
}

// NewHandler creates a new Handler.
func NewHandler(svc *service.StorageService, opts Options) *Handler {
	if opts.StreamThreshold <= 0 {
		opts.StreamThreshold = DefaultStreamThreshold
	}
	return &Handler{
		svc:  svc,
		opts: opts,
		log:  logger.WithComponent("http"),
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		// File operations
		api.POST("/files", h.UploadFiles)
		api.GET("/files", h.ListFiles)
		api.DELETE("/objects/*ref", h.DeleteFile)
		api.POST("/objects/batch-delete", h.DeleteFiles)

		// URLs
		api.POST("/upload-url", h.GenerateUploadURL)
		api.GET("/view-url/*ref", h.GenerateViewURL)

		// Confirmation and catalog
		api.POST("/validate/*ref", h.ValidateUpload)
		api.GET("/catalog/*ref", h.Catalog)

		// Health check
		api.GET("/health", h.HealthCheck)
	}

	r.GET("/files/*ref", h.ServeFile)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// reference extracts a catch-all reference parameter.
func reference(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("ref"), "/")
}

// UploadFiles handles one or more multipart uploads in the "file" field.
// POST /api/v1/files
func (h *Handler) UploadFiles(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(h.opts.StreamThreshold); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	headers := c.Request.MultipartForm.File["file"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}
	opts := storage.UploadOptions{Folder: c.PostForm("folder")}

	files := make([]*storage.UploadFile, 0, len(headers))
	for _, fh := range headers {
		f, cleanup, err := h.uploadFile(fh)
		if err != nil {
			writeError(c, err)
			return
		}
		defer cleanup()
		files = append(files, f)
	}

	h.log.Debug("multipart upload",
		zap.Int("files", len(files)),
		zap.String("folder", opts.Folder),
	)

	if len(files) == 1 {
		res, err := h.svc.Upload(c.Request.Context(), target(c), files[0], opts)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
		return
	}

	outcomes, err := h.svc.UploadMultiple(c.Request.Context(), target(c), files, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": uploadOutcomesJSON(outcomes)})
}

// uploadFile converts a multipart part into an UploadFile. Parts at or below
// the stream threshold are read into memory; larger parts are copied to a
// spool file and passed by path.
func (h *Handler) uploadFile(fh *multipart.FileHeader) (*storage.UploadFile, func(), error) {
	const op = "http.uploadFile"

	f := &storage.UploadFile{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
	}
	src, err := fh.Open()
	if err != nil {
		return nil, nil, errors.E(op, errors.ErrBackend, err, "open upload part")
	}
	defer src.Close()

	if fh.Size <= h.opts.StreamThreshold {
		data, err := io.ReadAll(src)
		if err != nil {
			return nil, nil, errors.E(op, errors.ErrBackend, err, "read upload part")
		}
		f.Data = data
		return f, func() {}, nil
	}

	spool, err := os.CreateTemp(h.opts.TempDir, "unistore-upload-*")
	if err != nil {
		return nil, nil, errors.E(op, errors.ErrBackend, err, "create spool file")
	}
	cleanup := func() { os.Remove(spool.Name()) }
	if _, err := io.Copy(spool, src); err != nil {
		spool.Close()
		cleanup()
		return nil, nil, errors.E(op, errors.ErrBackend, err, "spool upload part")
	}
	if err := spool.Close(); err != nil {
		cleanup()
		return nil, nil, errors.E(op, errors.ErrBackend, err, "spool upload part")
	}
	f.Path = spool.Name()
	return f, cleanup, nil
}

// ListFiles lists a page of files.
// GET /api/v1/files?prefix=&maxResults=&continuationToken=
func (h *Handler) ListFiles(c *gin.Context) {
	opts := storage.ListOptions{
		Prefix:            c.Query("prefix"),
		MaxResults:        storage.ParseMaxResults(c.Query("maxResults")),
		ContinuationToken: c.Query("continuationToken"),
	}

	page, err := h.svc.ListFiles(c.Request.Context(), target(c), opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// DeleteFile deletes one file.
// DELETE /api/v1/objects/*ref
func (h *Handler) DeleteFile(c *gin.Context) {
	ref := reference(c)

	deleted, err := h.svc.Delete(c.Request.Context(), target(c), ref)
	if err != nil {
		writeError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"reference": ref, "deleted": false, "error": "file not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reference": ref, "deleted": true})
}

type batchDeleteRequest struct {
	References []string `json:"references" binding:"required"`
}

// DeleteFiles deletes several files.
// POST /api/v1/objects/batch-delete
func (h *Handler) DeleteFiles(c *gin.Context) {
	var req batchDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "references are required"})
		return
	}

	outcomes, err := h.svc.DeleteMultiple(c.Request.Context(), target(c), req.References)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": deleteOutcomesJSON(outcomes)})
}

// GenerateUploadURL returns a presigned upload URL.
// POST /api/v1/upload-url
func (h *Handler) GenerateUploadURL(c *gin.Context) {
	var req storage.UploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	url, err := h.svc.GenerateUploadURL(c.Request.Context(), target(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, url)
}

// GenerateViewURL returns a time-limited view URL.
// GET /api/v1/view-url/*ref
func (h *Handler) GenerateViewURL(c *gin.Context) {
	url, err := h.svc.GenerateViewURL(c.Request.Context(), target(c), reference(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, url)
}

// ValidateUpload confirms a stored file against the caller's expectations.
// An empty body only checks that the file exists.
// POST /api/v1/validate/*ref
func (h *Handler) ValidateUpload(c *gin.Context) {
	var exp storage.Expectation
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&exp); err != nil && err != io.EOF {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	res, err := h.svc.ValidateAndConfirmUpload(c.Request.Context(), target(c), reference(c), exp)
	if err != nil {
		writeError(c, err)
		return
	}
	switch {
	case res.File == nil:
		c.JSON(http.StatusNotFound, res)
	case !res.Valid:
		c.JSON(http.StatusUnprocessableEntity, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

// Catalog describes one upload, or lists catalog records when no reference
// is given.
// GET /api/v1/catalog/*ref
func (h *Handler) Catalog(c *gin.Context) {
	ref := reference(c)
	if ref == "" {
		limit, _ := strconv.Atoi(c.Query("limit"))
		records, err := h.svc.ListCatalog(c.Request.Context(), target(c), c.Query("prefix"), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
		return
	}

	rec, err := h.svc.Describe(c.Request.Context(), target(c), ref)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ServeFile streams a file stored on the local backend.
// GET /files/*ref
func (h *Handler) ServeFile(c *gin.Context) {
	d, err := h.svc.Driver(c.Request.Context(), service.Target{})
	if err != nil {
		writeError(c, err)
		return
	}
	engine, ok := d.(*local.Engine)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	f, desc, err := engine.Open(reference(c))
	if err != nil {
		if errors.IsSecurity(err) {
			// Same answer as a missing file.
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		writeError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", desc.ContentType)
	c.Header("X-Content-Type-Options", "nosniff")
	http.ServeContent(c.Writer, c.Request, desc.Name, desc.LastModified, f)
}

// HealthCheck handles health check requests.
// GET /api/v1/health
func (h *Handler) HealthCheck(c *gin.Context) {
	cfg := h.svc.DefaultConfig()
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"backend": cfg.Kind,
	})
}
