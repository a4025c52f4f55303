package runner

import (
	"errors"
	"fmt"
)

// Category classifies a job failure for callers.
type Category string

const (
	// CategoryValidation covers missing/empty files and unsupported
	// extensions, detected before any processing. Recoverable by resubmit.
	CategoryValidation Category = "validation"
	// CategoryPreprocessing covers silence-removal failures. Non-fatal:
	// the job continues on the unmodified audio.
	CategoryPreprocessing Category = "preprocessing"
	// CategoryEngine covers model load, decode, and empty-result failures.
	CategoryEngine Category = "engine"
	// CategoryStorage covers unwritable result artifacts. Fatal even when
	// transcription succeeded, since an unwritten result is unusable.
	CategoryStorage Category = "storage"
	// CategoryNotFound covers queries for unknown or incomplete jobs.
	CategoryNotFound Category = "not_found"
)

// JobError is a tagged failure: callers branch on Category rather than
// string-matching messages.
type JobError struct {
	Category Category
	Message  string
	Cause    error
}

func NewError(category Category, message string) *JobError {
	return &JobError{
		Category: category,
		Message:  message,
	}
}

func WrapError(err error, category Category, message string) *JobError {
	return &JobError{
		Category: category,
		Message:  message,
		Cause:    err,
	}
}

func (e *JobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Cause
}

// ErrorCategory exposes the category as a plain string for the job queue.
func (e *JobError) ErrorCategory() string {
	return string(e.Category)
}

func IsCategory(err error, category Category) bool {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Category == category
	}
	return false
}
