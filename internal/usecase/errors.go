package usecase

import (
	"errors"
	"fmt"

	"github.com/example/pixelforge/internal/imageproc"
	"github.com/example/pixelforge/internal/logging"
)

// GenericFailure is all a caller learns about a ProcessingError.
const GenericFailure = "internal server error"

// ProcessingError is a failure after the input was accepted: inference,
// disk or registry trouble. Its detail is for logs only.
type ProcessingError struct {
	Err error
}

func (e *ProcessingError) Error() string {
	return e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

func processingError(operation, requestID string, err error) error {
	return &ProcessingError{Err: logging.NewOperationError(operation, requestID, err)}
}

// NotFoundError reports an unknown or expired artifact.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "file not found"
}

// BatchLimitError rejects a batch before any file is touched.
type BatchLimitError struct {
	Max int
}

func (e *BatchLimitError) Error() string {
	return fmt.Sprintf("maximum %d files per batch", e.Max)
}

// RequestError is a malformed request that is not about image content.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// ErrMetricsDisabled is returned by GetMetricsSummary without a job log.
var ErrMetricsDisabled = errors.New("metrics are disabled")

// PublicMessage returns the text that may be shown to the caller for err.
func PublicMessage(err error) string {
	var (
		verr *imageproc.ValidationError
		ferr *imageproc.FormatError
		nerr *NotFoundError
		berr *BatchLimitError
		rerr *RequestError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &ferr), errors.As(err, &nerr),
		errors.As(err, &berr), errors.As(err, &rerr):
		return err.Error()
	default:
		return GenericFailure
	}
}
