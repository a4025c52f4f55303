package jobs

import "time"

type Status string

const (
	StatusPending       Status = "pending"
	StatusPreprocessing Status = "preprocessing"
	StatusTranscribing  Status = "transcribing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further transitions may occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type EnqueueRequest struct {
	Filename   string
	SourcePath string
}

// JobResult is set exactly when the job completed.
type JobResult struct {
	TextPath string `json:"text_path"`
	JSONPath string `json:"json_path"`
	Language string `json:"language"`
}

// JobFailure is set exactly when the job failed.
type JobFailure struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// TranscriptionJob is one end-to-end request to transcribe a single
// uploaded audio file. Result and Failure are mutually exclusive; exactly
// one is non-nil once Status is terminal.
type TranscriptionJob struct {
	ID         string      `json:"id"`
	Filename   string      `json:"filename"`
	SourcePath string      `json:"source_path"`
	Status     Status      `json:"status"`
	Result     *JobResult  `json:"result,omitempty"`
	Failure    *JobFailure `json:"failure,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
