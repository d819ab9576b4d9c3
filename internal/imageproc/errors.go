package imageproc

import "fmt"

// Reason classifies why an input failed validation.
type Reason string

const (
	ReasonMissing  Reason = "missing"
	ReasonTooLarge Reason = "too_large"
	ReasonCorrupt  Reason = "corrupt"
)

// ValidationError reports an input the service refuses to process.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

// TooLarge builds the error used for every size-cap violation.
func TooLarge(limit int64) *ValidationError {
	return &ValidationError{
		Reason: ReasonTooLarge,
		Detail: fmt.Sprintf("file exceeds %s limit", humanBytes(limit)),
	}
}

// FormatError reports bytes that could not be decoded as an image.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid image file: %v", e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
