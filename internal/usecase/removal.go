package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/pixelforge/internal/artifact"
	"github.com/example/pixelforge/internal/imageproc"
	"github.com/example/pixelforge/internal/logging"
	"github.com/example/pixelforge/internal/repository"
)

// Remover is the inference adapter seen by the use case.
type Remover interface {
	RemoveBackground(ctx context.Context, png []byte) ([]byte, error)
	Model() string
}

// JobStore persists one entry per processed file and aggregates them.
type JobStore interface {
	SaveLog(ctx context.Context, log *repository.JobLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options carries the limits every entry point enforces.
type Options struct {
	MaxUploadBytes int64
	MaxBatchFiles  int
	BatchWorkers   int
	ArtifactTTL    time.Duration
	// LocalRoot confines server-local path inputs; empty disables them.
	LocalRoot string
}

// Upload is one uploaded file. Open may be called once.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Result points at a processed image waiting in the staging directory.
type Result struct {
	RequestID    string
	ArtifactID   string
	DownloadName string
	OutputPath   string
	Elapsed      time.Duration
}

// Batch entry statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// BatchResult is the outcome for one file of a batch, in input order.
type BatchResult struct {
	Filename    string `json:"filename"`
	Status      string `json:"status"`
	DownloadURL string `json:"download_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

const (
	sourceUpload = "upload"
	sourceBatch  = "batch"
	sourceLocal  = "local"
)

// RemovalUseCase sequences validation, preprocessing, inference and
// persistence for every entry point.
type RemovalUseCase struct {
	remover  Remover
	pre      *imageproc.Preprocessor
	staging  *artifact.Staging
	registry artifact.Registry
	jobs     JobStore
	opts     Options
	logger   *zap.Logger
}

// NewRemovalUseCase constructs the use case. jobs may be nil when no
// database is configured.
func NewRemovalUseCase(remover Remover, pre *imageproc.Preprocessor, staging *artifact.Staging, registry artifact.Registry, jobs JobStore, opts Options, logger *zap.Logger) *RemovalUseCase {
	uc := &RemovalUseCase{
		remover:  remover,
		pre:      pre,
		staging:  staging,
		registry: registry,
		jobs:     jobs,
		opts:     opts,
		logger:   logger.Named("removal_usecase"),
	}
	if uc.opts.BatchWorkers < 1 {
		uc.opts.BatchWorkers = 1
	}
	return uc
}

// Model names the segmentation model in use.
func (uc *RemovalUseCase) Model() string {
	return uc.remover.Model()
}

// RemoveUpload runs the single-image pipeline on an uploaded file. The
// staged input is gone when it returns; the caller must Release the result.
func (uc *RemovalUseCase) RemoveUpload(ctx context.Context, up Upload) (*Result, error) {
	return uc.processUpload(ctx, uuid.NewString(), up, sourceUpload)
}

// Release deletes the output of a result that has been delivered.
func (uc *RemovalUseCase) Release(res *Result) {
	if res == nil {
		return
	}
	if err := artifact.Remove(res.OutputPath); err != nil {
		uc.logger.Warn("failed to remove output artifact", zap.String("path", res.OutputPath), zap.Error(err))
		return
	}
	uc.logger.Debug("cleaned up output artifact", zap.String("path", res.OutputPath))
}

// RemoveBatch processes every upload independently and keeps successful
// outputs retrievable until the artifact TTL runs out.
func (uc *RemovalUseCase) RemoveBatch(ctx context.Context, uploads []Upload) ([]BatchResult, error) {
	if len(uploads) > uc.opts.MaxBatchFiles {
		return nil, &BatchLimitError{Max: uc.opts.MaxBatchFiles}
	}
	if len(uploads) == 0 {
		return nil, &RequestError{Message: "no files provided"}
	}

	requestID := uuid.NewString()
	logging.WithOperation(uc.logger, "usecase.remove_batch", requestID).Info("batch received", zap.Int("files", len(uploads)))

	results := make([]BatchResult, len(uploads))
	var g errgroup.Group
	g.SetLimit(uc.opts.BatchWorkers)
	for i, up := range uploads {
		g.Go(func() error {
			results[i] = uc.batchEntry(ctx, requestID, up)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (uc *RemovalUseCase) batchEntry(ctx context.Context, requestID string, up Upload) BatchResult {
	entry := BatchResult{Filename: up.Filename}

	res, err := uc.processUpload(ctx, requestID, up, sourceBatch)
	if err == nil {
		err = uc.register(ctx, res)
		if err != nil {
			uc.Release(res)
		}
	}
	if err != nil {
		entry.Status = StatusError
		entry.Error = PublicMessage(err)
		return entry
	}

	entry.Status = StatusSuccess
	entry.DownloadURL = "/download/" + res.ArtifactID
	return entry
}

func (uc *RemovalUseCase) register(ctx context.Context, res *Result) error {
	rec := artifact.Record{
		ID:        res.ArtifactID,
		Filename:  res.DownloadName,
		Path:      res.OutputPath,
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.registry.Put(ctx, rec, uc.opts.ArtifactTTL); err != nil {
		return processingError("usecase.register_artifact", res.RequestID, err)
	}
	return nil
}

// OpenArtifact returns a retained batch output.
func (uc *RemovalUseCase) OpenArtifact(ctx context.Context, id string) (*artifact.Record, error) {
	if _, err := artifact.ParseID(id); err != nil {
		return nil, &NotFoundError{ID: id}
	}
	rec, err := uc.registry.Get(ctx, id)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, processingError("usecase.lookup_artifact", "", err)
	}
	if _, err := os.Stat(rec.Path); err != nil {
		_ = uc.registry.Delete(ctx, id)
		return nil, &NotFoundError{ID: id}
	}
	return rec, nil
}

func (uc *RemovalUseCase) processUpload(ctx context.Context, requestID string, up Upload, source string) (res *Result, err error) {
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.remove_upload", requestID).With(zap.String("filename", up.Filename))
	opLogger.Info("processing started", zap.String("source", source), zap.Int64("declared_bytes", up.Size))

	var written int64
	defer func() {
		uc.finish(ctx, opLogger, requestID, source, up.Filename, written, start, res, err)
	}()

	if up.Size > uc.opts.MaxUploadBytes {
		return nil, imageproc.TooLarge(uc.opts.MaxUploadBytes)
	}

	id := uc.staging.NewID()
	inputPath := uc.staging.InputPath(id)
	defer uc.cleanup(opLogger, inputPath)

	body, err := up.Open()
	if err != nil {
		return nil, processingError("usecase.open_upload", requestID, err)
	}
	written, err = uc.staging.WriteInput(id, body, uc.opts.MaxUploadBytes)
	_ = body.Close()
	if err != nil {
		return nil, processingError("usecase.stage_input", requestID, err)
	}
	if written > uc.opts.MaxUploadBytes {
		return nil, imageproc.TooLarge(uc.opts.MaxUploadBytes)
	}

	if err := imageproc.ValidateFile(inputPath, uc.opts.MaxUploadBytes); err != nil {
		return nil, classify("usecase.validate", requestID, err)
	}
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, processingError("usecase.read_input", requestID, err)
	}
	return uc.infer(ctx, requestID, id, data, "no_bg_"+up.Filename)
}

// infer normalizes validated bytes, runs the model and persists the output.
func (uc *RemovalUseCase) infer(ctx context.Context, requestID, id string, data []byte, downloadName string) (*Result, error) {
	normalized, err := uc.pre.Normalize(data)
	if err != nil {
		return nil, classify("usecase.preprocess", requestID, err)
	}

	out, err := uc.remover.RemoveBackground(ctx, normalized)
	if err != nil {
		return nil, processingError("usecase.infer", requestID, err)
	}

	path, err := uc.staging.WriteOutput(id, out)
	if err != nil {
		_ = artifact.Remove(uc.staging.OutputPath(id))
		return nil, processingError("usecase.persist_output", requestID, err)
	}

	return &Result{
		RequestID:    requestID,
		ArtifactID:   id,
		DownloadName: downloadName,
		OutputPath:   path,
	}, nil
}

func (uc *RemovalUseCase) cleanup(logger *zap.Logger, path string) {
	if err := artifact.Remove(path); err != nil {
		logger.Warn("failed to remove input artifact", zap.String("path", path), zap.Error(err))
	}
}

func (uc *RemovalUseCase) finish(ctx context.Context, logger *zap.Logger, requestID, source, filename string, size int64, start time.Time, res *Result, err error) {
	elapsed := time.Since(start)
	if res != nil {
		res.Elapsed = elapsed
	}

	if err != nil {
		var perr *ProcessingError
		if errors.As(err, &perr) {
			logger.Error("processing failed", append(logging.ErrorFields(err), zap.Duration("elapsed", elapsed))...)
		} else {
			logger.Warn("input rejected", zap.Error(err), zap.Duration("elapsed", elapsed))
		}
	} else {
		logger.Info(fmt.Sprintf("processed %s in %.2f seconds", filename, elapsed.Seconds()), zap.String("artifact_id", res.ArtifactID))
	}

	if uc.jobs == nil {
		return
	}
	log := &repository.JobLog{
		RequestID:  requestID,
		Source:     source,
		Filename:   filename,
		Model:      uc.remover.Model(),
		Success:    err == nil,
		InputBytes: size,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if res != nil {
		log.ArtifactID = res.ArtifactID
	}
	if err != nil {
		log.Error = err.Error()
	}
	if saveErr := uc.jobs.SaveLog(context.WithoutCancel(ctx), log); saveErr != nil {
		logger.Warn("failed to record job log", zap.Error(saveErr))
	}
}

// classify keeps client-facing input errors as they are and turns anything
// else into a ProcessingError.
func classify(operation, requestID string, err error) error {
	var (
		verr *imageproc.ValidationError
		ferr *imageproc.FormatError
	)
	if errors.As(err, &verr) || errors.As(err, &ferr) {
		return err
	}
	return processingError(operation, requestID, err)
}
