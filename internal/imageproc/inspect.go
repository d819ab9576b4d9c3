package imageproc

import (
	"fmt"
	"image"
	"math"
	"os"
)

// Metadata describes an image on disk.
type Metadata struct {
	SizeKB float64 `json:"size"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Format string  `json:"format,omitempty"`
}

// Inspect reads the header of the image at path.
func Inspect(path string) (*Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ValidationError{Reason: ReasonMissing, Detail: "file does not exist"}
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, &FormatError{Err: err}
	}

	return &Metadata{
		SizeKB: math.Round(float64(info.Size())/1024*100) / 100,
		Width:  cfg.Width,
		Height: cfg.Height,
		Format: format,
	}, nil
}
