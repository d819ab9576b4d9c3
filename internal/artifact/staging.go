package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/ksuid"
)

const (
	inputSuffix  = "_input"
	outputSuffix = "_output.png"
)

// ErrInvalidID rejects identifiers that were not produced by NewID.
var ErrInvalidID = errors.New("invalid artifact id")

// Staging names and manages per-request files inside one directory.
type Staging struct {
	dir string
}

// NewStaging creates dir if needed.
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Staging{dir: dir}, nil
}

// Dir returns the staging directory.
func (s *Staging) Dir() string {
	return s.dir
}

// NewID returns a fresh, time-ordered artifact identifier.
func (s *Staging) NewID() string {
	return ksuid.New().String()
}

// ParseID validates id and returns its creation time.
func ParseID(id string) (time.Time, error) {
	k, err := ksuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return k.Time(), nil
}

func (s *Staging) InputPath(id string) string {
	return filepath.Join(s.dir, id+inputSuffix)
}

func (s *Staging) OutputPath(id string) string {
	return filepath.Join(s.dir, id+outputSuffix)
}

// WriteInput copies at most limit+1 bytes of r into the input artifact and
// returns how many were written, so callers can detect oversize bodies
// whose declared size lied.
func (s *Staging) WriteInput(id string, r io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(s.InputPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create input artifact: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write input artifact: %w", err)
	}
	return n, nil
}

// WriteOutput stores the processed image.
func (s *Staging) WriteOutput(id string, data []byte) (string, error) {
	path := s.OutputPath(id)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write output artifact: %w", err)
	}
	return path, nil
}

// Remove deletes path. A file that is already gone is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
