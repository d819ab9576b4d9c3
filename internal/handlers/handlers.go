package handlers

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/pixelforge/internal/imageproc"
	"github.com/example/pixelforge/internal/logging"
	"github.com/example/pixelforge/internal/usecase"
)

// Version is reported by /health.
const Version = "1.0.0"

// multipartOverhead is the allowance for boundaries and form fields on top
// of the file bytes themselves.
const multipartOverhead = 1 << 20

// HealthChecker reports inference readiness.
type HealthChecker interface {
	Health() (bool, error)
	Model() string
}

// Options configures route registration.
type Options struct {
	MaxUploadBytes int64
	MaxBatchFiles  int
	// StaticDir, when set, is served under /ui.
	StaticDir string
	Logger    *zap.Logger
}

type handler struct {
	uc     *usecase.RemovalUseCase
	health HealthChecker
	opts   Options
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware
// guards every route except /health and the UI; nil leaves them open.
func RegisterRoutes(router *gin.Engine, uc *usecase.RemovalUseCase, health HealthChecker, opts Options, authMiddleware gin.HandlerFunc) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{uc: uc, health: health, opts: opts, logger: logger.Named("handlers")}

	router.GET("/health", h.healthCheck)
	if opts.StaticDir != "" {
		router.Static("/ui", opts.StaticDir)
	}

	api := router.Group("/")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}
	api.POST("/remove_bg", h.removeBackground)
	api.POST("/batch_remove", h.batchRemove)
	api.GET("/download/:id", h.download)
	api.POST("/get_metadata", h.getMetadata)
	api.POST("/get_original", h.getOriginal)
	api.POST("/save_image", h.saveImage)
	api.GET("/stats", h.stats)
}

func (h *handler) healthCheck(c *gin.Context) {
	ready, err := h.health.Health()
	body := gin.H{
		"status":    "healthy",
		"model":     h.health.Model(),
		"version":   Version,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	}
	if !ready {
		body["status"] = "unhealthy"
		if err != nil {
			body["error"] = err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) removeBackground(c *gin.Context) {
	h.limitBody(c, h.opts.MaxUploadBytes+multipartOverhead)

	if err := c.Request.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		h.writeBodyError(c, err)
		return
	}

	var (
		res *usecase.Result
		err error
	)
	if path := c.PostForm("image_path"); path != "" {
		res, err = h.uc.RemoveLocal(c.Request.Context(), path)
	} else {
		file, ferr := c.FormFile("file")
		if ferr != nil {
			h.writeBodyError(c, ferr)
			return
		}
		res, err = h.uc.RemoveUpload(c.Request.Context(), toUpload(file))
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer h.uc.Release(res)

	c.Header("X-Processing-Time", res.Elapsed.String())
	c.FileAttachment(res.OutputPath, res.DownloadName)
}

func (h *handler) batchRemove(c *gin.Context) {
	maxFiles := int64(h.opts.MaxBatchFiles) + 1
	h.limitBody(c, maxFiles*h.opts.MaxUploadBytes+multipartOverhead)

	uploads, err := h.readBatch(c.Request)
	var berr *usecase.BatchLimitError
	switch {
	case errors.As(err, &berr):
		h.writeError(c, err)
		return
	case err != nil:
		h.writeBodyError(c, err)
		return
	}

	results, err := h.uc.RemoveBatch(c.Request.Context(), uploads)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// readBatch buffers the "files" parts of a batch request. A part past the
// batch cap is refused as soon as its header is read; each file keeps at
// most one byte over the upload cap so oversized entries still fail alone.
func (h *handler) readBatch(r *http.Request) ([]usecase.Upload, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}

	var uploads []usecase.Upload
	for {
		p, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return uploads, nil
		}
		if err != nil {
			return nil, err
		}
		name := p.FileName()
		if p.FormName() != "files" || name == "" {
			_ = p.Close()
			continue
		}
		if len(uploads) >= h.opts.MaxBatchFiles {
			_ = p.Close()
			return nil, &usecase.BatchLimitError{Max: h.opts.MaxBatchFiles}
		}

		data, err := io.ReadAll(io.LimitReader(p, h.opts.MaxUploadBytes+1))
		_ = p.Close()
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, bufferedUpload(name, p.Header.Get("Content-Type"), data))
	}
}

func (h *handler) download(c *gin.Context) {
	rec, err := h.uc.OpenArtifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.FileAttachment(rec.Path, rec.Filename)
}

func (h *handler) getMetadata(c *gin.Context) {
	meta, err := h.uc.InspectLocal(c.PostForm("image_path"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (h *handler) getOriginal(c *gin.Context) {
	orig, err := h.uc.OpenOriginal(c.PostForm("image_path"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.FileAttachment(orig.Path, orig.DownloadName)
}

func (h *handler) saveImage(c *gin.Context) {
	h.limitBody(c, h.opts.MaxUploadBytes+multipartOverhead)

	file, err := c.FormFile("file")
	if err != nil {
		h.writeBodyError(c, err)
		return
	}
	saved, err := h.uc.SaveImage(c.Request.Context(), toUpload(file), c.PostForm("save_path"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Image saved to " + saved})
}

func (h *handler) stats(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if errors.Is(err, usecase.ErrMetricsDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) limitBody(c *gin.Context, limit int64) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
}

// writeBodyError reports a multipart body that could not be read.
func (h *handler) writeBodyError(c *gin.Context, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		h.writeError(c, imageproc.TooLarge(h.opts.MaxUploadBytes))
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
		h.writeError(c, &usecase.RequestError{Message: "file is required"})
	default:
		h.writeError(c, &usecase.RequestError{Message: "malformed multipart body"})
	}
}

// writeError is the single translation from error kinds to HTTP statuses.
func (h *handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", logging.ErrorFields(err)...)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": usecase.PublicMessage(err)})
}

func statusFor(err error) int {
	var (
		verr *imageproc.ValidationError
		ferr *imageproc.FormatError
		nerr *usecase.NotFoundError
		berr *usecase.BatchLimitError
		rerr *usecase.RequestError
	)
	switch {
	case errors.As(err, &verr):
		switch verr.Reason {
		case imageproc.ReasonTooLarge:
			return http.StatusRequestEntityTooLarge
		case imageproc.ReasonCorrupt:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusBadRequest
		}
	case errors.As(err, &ferr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &nerr):
		return http.StatusNotFound
	case errors.As(err, &berr), errors.As(err, &rerr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func bufferedUpload(name, contentType string, data []byte) usecase.Upload {
	return usecase.Upload{
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func toUpload(file *multipart.FileHeader) usecase.Upload {
	return usecase.Upload{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Size:        file.Size,
		Open: func() (io.ReadCloser, error) {
			return file.Open()
		},
	}
}
