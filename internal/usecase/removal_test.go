package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/pixelforge/internal/artifact"
	"github.com/example/pixelforge/internal/imageproc"
	"github.com/example/pixelforge/internal/logging"
	"github.com/example/pixelforge/internal/repository"
)

const testLimit = 4096

type stubRemover struct {
	calls  atomic.Int32
	output []byte
	err    error
}

func (s *stubRemover) RemoveBackground(ctx context.Context, png []byte) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.output, nil
}

func (s *stubRemover) Model() string {
	return "u2net"
}

type stubJobs struct {
	mu      sync.Mutex
	saved   []*repository.JobLog
	aggr    *repository.MetricsAggregation
	aggrErr error
	saveErr error
}

func (s *stubJobs) SaveLog(ctx context.Context, log *repository.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, log)
	return s.saveErr
}

func (s *stubJobs) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.aggr, s.aggrErr
}

func tinyPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 20), G: uint8(y * 20), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// padded returns a valid PNG of exactly size bytes; decoders stop at IEND.
func padded(t *testing.T, size int) []byte {
	t.Helper()
	data := tinyPNG(t, 4, 4)
	if len(data) > size {
		t.Fatalf("base png is %d bytes, larger than %d", len(data), size)
	}
	return append(data, make([]byte, size-len(data))...)
}

func upload(name string, data []byte) Upload {
	return Upload{
		Filename:    name,
		ContentType: "image/png",
		Size:        int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

type fixture struct {
	uc       *RemovalUseCase
	remover  *stubRemover
	jobs     *stubJobs
	staging  *artifact.Staging
	registry *artifact.MemoryRegistry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	staging, err := artifact.NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = testLimit
	}
	if opts.MaxBatchFiles == 0 {
		opts.MaxBatchFiles = 10
	}
	if opts.ArtifactTTL == 0 {
		opts.ArtifactTTL = time.Hour
	}
	f := &fixture{
		remover:  &stubRemover{output: tinyPNG(t, 2, 2)},
		jobs:     &stubJobs{},
		staging:  staging,
		registry: artifact.NewMemoryRegistry(),
	}
	f.uc = NewRemovalUseCase(f.remover, imageproc.NewPreprocessor(500), staging, f.registry, f.jobs, opts, zap.NewNop())
	return f
}

func stagedFiles(t *testing.T, dir, suffix string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestRemoveUploadAcceptsExactCap(t *testing.T) {
	f := newFixture(t, Options{})

	res, err := f.uc.RemoveUpload(context.Background(), upload("cat.png", padded(t, testLimit)))
	if err != nil {
		t.Fatalf("expected exact cap to be accepted, got %v", err)
	}
	if res.DownloadName != "no_bg_cat.png" {
		t.Fatalf("unexpected download name %q", res.DownloadName)
	}
	if res.RequestID == "" || res.ArtifactID == "" {
		t.Fatalf("expected identifiers on result, got %+v", res)
	}
	got, err := os.ReadFile(res.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, f.remover.output) {
		t.Fatal("output artifact does not hold the engine result")
	}
	if left := stagedFiles(t, f.staging.Dir(), "_input"); len(left) != 0 {
		t.Fatalf("input artifacts left behind: %v", left)
	}

	f.uc.Release(res)
	if _, err := os.Stat(res.OutputPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected output to be removed after release, stat err %v", err)
	}
}

func TestRemoveUploadRejectsOneByteOverCap(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.uc.RemoveUpload(context.Background(), upload("big.png", padded(t, testLimit+1)))
	var verr *imageproc.ValidationError
	if !errors.As(err, &verr) || verr.Reason != imageproc.ReasonTooLarge {
		t.Fatalf("expected too large validation error, got %v", err)
	}
	if f.remover.calls.Load() != 0 {
		t.Fatal("engine must not run for rejected input")
	}
	if left := stagedFiles(t, f.staging.Dir(), ""); len(left) != 0 {
		t.Fatalf("artifacts left behind: %v", left)
	}
}

func TestRemoveUploadCatchesUndeclaredOversize(t *testing.T) {
	f := newFixture(t, Options{})
	up := upload("sneaky.png", padded(t, testLimit+10))
	up.Size = 0

	_, err := f.uc.RemoveUpload(context.Background(), up)
	var verr *imageproc.ValidationError
	if !errors.As(err, &verr) || verr.Reason != imageproc.ReasonTooLarge {
		t.Fatalf("expected too large validation error, got %v", err)
	}
	if left := stagedFiles(t, f.staging.Dir(), "_input"); len(left) != 0 {
		t.Fatalf("input artifacts left behind: %v", left)
	}
}

func TestRemoveUploadCorruptInput(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.uc.RemoveUpload(context.Background(), upload("notes.png", []byte("definitely not an image")))
	var verr *imageproc.ValidationError
	if !errors.As(err, &verr) || verr.Reason != imageproc.ReasonCorrupt {
		t.Fatalf("expected corrupt validation error, got %v", err)
	}
	if f.remover.calls.Load() != 0 {
		t.Fatal("engine must not run for corrupt input")
	}
	if left := stagedFiles(t, f.staging.Dir(), ""); len(left) != 0 {
		t.Fatalf("artifacts left behind: %v", left)
	}

	if len(f.jobs.saved) != 1 || f.jobs.saved[0].Success {
		t.Fatalf("expected one failed job log, got %+v", f.jobs.saved)
	}
}

func TestRemoveUploadInferenceFailureIsProcessingError(t *testing.T) {
	f := newFixture(t, Options{})
	f.remover.err = errors.New("onnx run: out of memory")

	_, err := f.uc.RemoveUpload(context.Background(), upload("cat.png", tinyPNG(t, 8, 8)))
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcessingError, got %T %v", err, err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.infer" || opErr.RequestID == "" {
		t.Fatalf("expected infer operation error with request id, got %+v", opErr)
	}
	if PublicMessage(err) != GenericFailure {
		t.Fatalf("internal detail leaked: %q", PublicMessage(err))
	}
	if left := stagedFiles(t, f.staging.Dir(), ""); len(left) != 0 {
		t.Fatalf("artifacts left behind: %v", left)
	}
}

func TestRemoveUploadRecordsJobLog(t *testing.T) {
	f := newFixture(t, Options{})
	f.jobs.saveErr = errors.New("database down")

	res, err := f.uc.RemoveUpload(context.Background(), upload("cat.png", tinyPNG(t, 8, 8)))
	if err != nil {
		t.Fatalf("job log failure must not fail the request: %v", err)
	}
	defer f.uc.Release(res)

	if len(f.jobs.saved) != 1 {
		t.Fatalf("expected one job log, got %d", len(f.jobs.saved))
	}
	log := f.jobs.saved[0]
	if !log.Success || log.Source != sourceUpload || log.Model != "u2net" || log.ArtifactID != res.ArtifactID {
		t.Fatalf("unexpected job log %+v", log)
	}
}

func TestRemoveBatchRejectsTooManyFilesBeforeWork(t *testing.T) {
	f := newFixture(t, Options{})
	var uploads []Upload
	for i := 0; i < 11; i++ {
		uploads = append(uploads, upload(fmt.Sprintf("f%d.png", i), tinyPNG(t, 4, 4)))
	}

	results, err := f.uc.RemoveBatch(context.Background(), uploads)
	var berr *BatchLimitError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BatchLimitError, got %v", err)
	}
	if err.Error() != "maximum 10 files per batch" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if results != nil {
		t.Fatalf("expected no results, got %v", results)
	}
	if f.remover.calls.Load() != 0 {
		t.Fatal("no file may be processed when the batch is rejected")
	}
	if left := stagedFiles(t, f.staging.Dir(), ""); len(left) != 0 {
		t.Fatalf("artifacts created for rejected batch: %v", left)
	}
}

func TestRemoveBatchEmpty(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.uc.RemoveBatch(context.Background(), nil)
	var rerr *RequestError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
}

func TestRemoveBatchIsolatesFailuresAndKeepsOrder(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			f := newFixture(t, Options{BatchWorkers: workers})
			var uploads []Upload
			for i := 0; i < 10; i++ {
				data := tinyPNG(t, 4+i, 4)
				if i == 2 {
					data = []byte("corrupted bytes")
				}
				uploads = append(uploads, upload(fmt.Sprintf("f%d.png", i), data))
			}

			results, err := f.uc.RemoveBatch(context.Background(), uploads)
			if err != nil {
				t.Fatalf("unexpected batch error: %v", err)
			}
			if len(results) != 10 {
				t.Fatalf("expected 10 results, got %d", len(results))
			}
			for i, r := range results {
				if r.Filename != fmt.Sprintf("f%d.png", i) {
					t.Fatalf("result %d out of order: %s", i, r.Filename)
				}
				if i == 2 {
					if r.Status != StatusError || !strings.HasPrefix(r.Error, "invalid image file") || r.DownloadURL != "" {
						t.Fatalf("expected corrupt entry, got %+v", r)
					}
					continue
				}
				if r.Status != StatusSuccess || r.Error != "" {
					t.Fatalf("entry %d should succeed, got %+v", i, r)
				}
				id := strings.TrimPrefix(r.DownloadURL, "/download/")
				rec, err := f.uc.OpenArtifact(context.Background(), id)
				if err != nil {
					t.Fatalf("download %s: %v", r.DownloadURL, err)
				}
				if rec.Filename != "no_bg_"+r.Filename {
					t.Fatalf("unexpected download name %q", rec.Filename)
				}
			}
			if got := f.remover.calls.Load(); got != 9 {
				t.Fatalf("expected 9 inference calls, got %d", got)
			}
			if left := stagedFiles(t, f.staging.Dir(), "_input"); len(left) != 0 {
				t.Fatalf("input artifacts left behind: %v", left)
			}
			if outputs := stagedFiles(t, f.staging.Dir(), "_output.png"); len(outputs) != 9 {
				t.Fatalf("expected 9 retained outputs, got %d", len(outputs))
			}
		})
	}
}

func TestRemoveBatchHidesProcessingDetail(t *testing.T) {
	f := newFixture(t, Options{})
	f.remover.err = errors.New("tensor shape mismatch")

	results, err := f.uc.RemoveBatch(context.Background(), []Upload{upload("a.png", tinyPNG(t, 4, 4))})
	if err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}
	if results[0].Status != StatusError || results[0].Error != GenericFailure {
		t.Fatalf("expected generic failure, got %+v", results[0])
	}
}

func TestOpenArtifactNotFound(t *testing.T) {
	f := newFixture(t, Options{})

	for _, id := range []string{"../../etc/passwd", "missing", f.staging.NewID()} {
		_, err := f.uc.OpenArtifact(context.Background(), id)
		var nerr *NotFoundError
		if !errors.As(err, &nerr) {
			t.Fatalf("id %q: expected NotFoundError, got %v", id, err)
		}
	}
}

func TestOpenArtifactForgetsDeletedFile(t *testing.T) {
	f := newFixture(t, Options{})
	results, err := f.uc.RemoveBatch(context.Background(), []Upload{upload("a.png", tinyPNG(t, 4, 4))})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	id := strings.TrimPrefix(results[0].DownloadURL, "/download/")
	if err := os.Remove(f.staging.OutputPath(id)); err != nil {
		t.Fatalf("remove output: %v", err)
	}

	_, err = f.uc.OpenArtifact(context.Background(), id)
	var nerr *NotFoundError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := f.registry.Get(context.Background(), id); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected registry entry to be dropped, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	f := newFixture(t, Options{})
	f.jobs.aggr = &repository.MetricsAggregation{TotalCount: 4, SuccessCount: 3, AverageDurationMs: 120, TotalInputBytes: 2048}

	summary, err := f.uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.SuccessRate != 0.75 || summary.TotalRequests != 4 || summary.Model != "u2net" {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestGetMetricsSummaryDisabled(t *testing.T) {
	staging, err := artifact.NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	uc := NewRemovalUseCase(&stubRemover{}, imageproc.NewPreprocessor(500), staging, artifact.NewMemoryRegistry(), nil, Options{MaxUploadBytes: testLimit}, zap.NewNop())

	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrMetricsDisabled) {
		t.Fatalf("expected ErrMetricsDisabled, got %v", err)
	}
}
