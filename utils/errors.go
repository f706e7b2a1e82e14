package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/foresturquhart/searchexport/models"
)

var (
	ErrIndexNotFound      = errors.New("index not found")
	ErrExportNotFound     = errors.New("export not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	ErrInvalidInput      = errors.New("invalid input")
	ErrOrderingViolation = errors.New("sort field does not yield a strict total order")
	ErrUploadMismatch    = errors.New("uploaded size does not match staging file")
)

// ClassifiedError attaches an error class to the failing operation
type ClassifiedError struct {
	Class models.ErrorClass
	Op    string
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with the given class. A nil err stays nil.
func Classify(class models.ErrorClass, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Op: op, Err: err}
}

// ClassOf returns the class of err. The outermost ClassifiedError wins; context errors
// and sentinels are mapped when nothing classified the error explicitly.
func ClassOf(err error) models.ErrorClass {
	if err == nil {
		return models.ClassUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.ClassBudgetExceeded
	case errors.Is(err, context.Canceled):
		return models.ClassCancelled
	case errors.Is(err, ErrIndexNotFound):
		return models.ClassNotFound
	case errors.Is(err, ErrInvalidInput):
		return models.ClassInvalidInput
	case errors.Is(err, ErrOrderingViolation):
		return models.ClassOrderingViolation
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return models.ClassTransientFetch
	}

	return models.ClassUnknown
}

// IsRetryable reports whether a failed fetch may be attempted again
func IsRetryable(err error) bool {
	return ClassOf(err) == models.ClassTransientFetch
}

// ClassForStatus maps an HTTP status returned by a search back end to an error class
func ClassForStatus(status int) models.ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ClassAuthorization
	case status == http.StatusNotFound:
		return models.ClassNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return models.ClassTransientFetch
	case status >= 500:
		return models.ClassTransientFetch
	case status >= 400:
		return models.ClassInvalidInput
	default:
		return models.ClassUnknown
	}
}

// TransportError classifies a failed round trip. Once the caller's context is done the
// context error decides the class; otherwise the failure is a transient fetch error,
// including per-request timeouts.
func TransportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return Classify(models.ClassTransientFetch, op, err)
}

// ResponseError builds a classified error from a non-success HTTP response
func ResponseError(op string, status int, body io.Reader) error {
	detail, _ := io.ReadAll(io.LimitReader(body, 4096))
	err := fmt.Errorf("status %d: %s", status, bytes.TrimSpace(detail))

	class := ClassForStatus(status)
	if class == models.ClassNotFound {
		err = fmt.Errorf("%w: %v", ErrIndexNotFound, err)
	}

	return Classify(class, op, err)
}
