package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/pixelforge/internal/imageproc"
	"github.com/example/pixelforge/internal/logging"
)

// Original is a server-local image ready to be served back unchanged.
type Original struct {
	Path         string
	DownloadName string
}

// RemoveLocal runs the single-image pipeline on a file under LocalRoot. The
// caller's file is left untouched; the result must be released like an
// upload result.
func (uc *RemovalUseCase) RemoveLocal(ctx context.Context, path string) (res *Result, err error) {
	requestID := uuid.NewString()
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.remove_local", requestID).With(zap.String("image_path", path))
	opLogger.Info("processing started", zap.String("source", sourceLocal))

	name := filepath.Base(path)
	var size int64
	defer func() {
		uc.finish(ctx, opLogger, requestID, sourceLocal, name, size, start, res, err)
	}()

	resolved, err := uc.resolveLocal(path)
	if err != nil {
		return nil, err
	}
	if err := imageproc.ValidateFile(resolved, uc.opts.MaxUploadBytes); err != nil {
		return nil, classify("usecase.validate", requestID, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, processingError("usecase.read_input", requestID, err)
	}
	size = int64(len(data))
	return uc.infer(ctx, requestID, uc.staging.NewID(), data, "no_bg_"+name)
}

// InspectLocal reports size and dimensions of a file under LocalRoot.
func (uc *RemovalUseCase) InspectLocal(path string) (*imageproc.Metadata, error) {
	resolved, err := uc.resolveLocal(path)
	if err != nil {
		return nil, err
	}
	meta, err := imageproc.Inspect(resolved)
	if err != nil {
		return nil, classify("usecase.inspect", "", err)
	}
	return meta, nil
}

// OpenOriginal validates a file under LocalRoot for download as-is.
func (uc *RemovalUseCase) OpenOriginal(path string) (*Original, error) {
	resolved, err := uc.resolveLocal(path)
	if err != nil {
		return nil, err
	}
	if err := imageproc.ValidateFile(resolved, uc.opts.MaxUploadBytes); err != nil {
		return nil, classify("usecase.validate", "", err)
	}
	return &Original{Path: resolved, DownloadName: "original_" + filepath.Base(resolved)}, nil
}

// SaveImage stores an uploaded image at savePath under LocalRoot. The file
// only appears at savePath once it passed validation.
func (uc *RemovalUseCase) SaveImage(ctx context.Context, up Upload, savePath string) (string, error) {
	if strings.TrimSpace(savePath) == "" {
		return "", &RequestError{Message: "save path not provided"}
	}
	if up.Size > uc.opts.MaxUploadBytes {
		return "", imageproc.TooLarge(uc.opts.MaxUploadBytes)
	}
	resolved, err := uc.resolveLocal(savePath)
	if err != nil {
		return "", err
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.save_image", requestID)

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", processingError("usecase.save_image", requestID, err)
	}

	partial := resolved + ".part"
	defer uc.cleanup(opLogger, partial)

	body, err := up.Open()
	if err != nil {
		return "", processingError("usecase.open_upload", requestID, err)
	}
	n, err := writeCapped(partial, body, uc.opts.MaxUploadBytes)
	_ = body.Close()
	if err != nil {
		return "", processingError("usecase.save_image", requestID, err)
	}
	if n > uc.opts.MaxUploadBytes {
		return "", imageproc.TooLarge(uc.opts.MaxUploadBytes)
	}
	if err := imageproc.ValidateFile(partial, uc.opts.MaxUploadBytes); err != nil {
		return "", classify("usecase.validate", requestID, err)
	}
	if err := os.Rename(partial, resolved); err != nil {
		return "", processingError("usecase.save_image", requestID, err)
	}

	opLogger.Info("image saved", zap.String("save_path", resolved), zap.Int64("bytes", n))
	return savePath, nil
}

// resolveLocal maps a caller-supplied path into LocalRoot. Relative paths
// are taken relative to the root; anything escaping it is refused.
func (uc *RemovalUseCase) resolveLocal(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", &RequestError{Message: "invalid image path provided"}
	}
	if uc.opts.LocalRoot == "" {
		return "", &RequestError{Message: "server-local paths are disabled"}
	}

	root, err := filepath.Abs(uc.opts.LocalRoot)
	if err != nil {
		return "", processingError("usecase.resolve_path", "", err)
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !within(root, candidate) {
		return "", &RequestError{Message: "image path is outside the allowed directory"}
	}

	// Symlinks must not lead out of the root either, including links in a
	// parent of a file that does not exist yet.
	realRoot, err := resolveExisting(root)
	if err != nil {
		return "", processingError("usecase.resolve_path", "", err)
	}
	target, err := resolveExisting(candidate)
	if err != nil {
		return "", &RequestError{Message: "invalid image path provided"}
	}
	if !within(realRoot, target) {
		return "", &RequestError{Message: "image path is outside the allowed directory"}
	}
	return candidate, nil
}

// resolveExisting evaluates symlinks in the longest existing prefix of path
// and appends the missing remainder unchanged. A dangling link is an error.
func resolveExisting(path string) (string, error) {
	var missing []string
	for {
		target, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(append([]string{target}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if info, lerr := os.Lstat(path); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("dangling symlink %s: %w", path, err)
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", err
		}
		missing = append([]string{filepath.Base(path)}, missing...)
		path = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeCapped(path string, r io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", path, err)
	}
	return n, nil
}
