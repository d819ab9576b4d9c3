package imageproc

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ValidateFile confirms path holds an image no larger than maxBytes.
// The file is only read.
func ValidateFile(path string, maxBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ValidationError{Reason: ReasonMissing, Detail: "file does not exist"}
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return &ValidationError{Reason: ReasonMissing, Detail: "file does not exist"}
	}
	if info.Size() > maxBytes {
		return TooLarge(maxBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	return checkImage(f)
}

// SniffImage reports whether the leading bytes look like a supported image
// type. Used to reject obviously wrong uploads before staging.
func SniffImage(head []byte) (string, bool) {
	mt := mimetype.Detect(head)
	return mt.String(), strings.HasPrefix(mt.String(), "image/")
}

func checkImage(r io.ReadSeeker) error {
	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read header: %w", err)
	}
	if mt, ok := SniffImage(head[:n]); !ok {
		return &ValidationError{Reason: ReasonCorrupt, Detail: fmt.Sprintf("invalid image file: unsupported content type %s", mt)}
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}

	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return &ValidationError{Reason: ReasonCorrupt, Detail: fmt.Sprintf("invalid image file: %v", err)}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return &ValidationError{Reason: ReasonCorrupt, Detail: "invalid image file: empty dimensions"}
	}
	return nil
}
