package models

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced on job rows, terminal events, and API errors.
const (
	ErrCodeValidation          = "VALIDATION"
	ErrCodeUploadFailed        = "UPLOAD_FAILED"
	ErrCodeEnqueueFailed       = "ENQUEUE_FAILED"
	ErrCodeJobNotFound         = "JOB_NOT_FOUND"
	ErrCodeNoSource            = "NO_SOURCE"
	ErrCodeFetchFailed         = "FETCH_FAILED"
	ErrCodeOCRFailed           = "OCR_FAILED"
	ErrCodeSchemaNotFound      = "SCHEMA_NOT_FOUND"
	ErrCodeLLMParseFailed      = "LLM_PARSE_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeAlreadyConfirmed    = "ALREADY_CONFIRMED"
	ErrCodeRealtimeUnavailable = "REALTIME_UNAVAILABLE"
	ErrCodeInternal            = "INTERNAL"
)

// JobError is a classified pipeline failure. Retryable decides whether the
// queue re-runs the attempt or flips the job to failed. Errors of unknown
// provenance must be wrapped with Transient: when in doubt, retry.
type JobError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *JobError) Unwrap() error { return e.Err }

// Transient builds a retryable JobError.
func Transient(code, message string, err error) *JobError {
	return &JobError{Code: code, Message: message, Retryable: true, Err: err}
}

// Unrecoverable builds a non-retryable JobError.
func Unrecoverable(code, message string, err error) *JobError {
	return &JobError{Code: code, Message: message, Retryable: false, Err: err}
}

// Classify maps any error to (code, message, retryable). Unknown errors
// default to retryable INTERNAL so transient infrastructure faults get their
// remaining attempts.
func Classify(err error) (code, message string, retryable bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je.Code, je.Message, je.Retryable
	}
	return ErrCodeInternal, err.Error(), true
}
