package transcribe

import (
	"context"
	"errors"
)

// ErrEmptyResult is returned when the model produced no usable text. An
// empty transcript is a failure, never a valid success.
var ErrEmptyResult = errors.New("transcription produced an empty result")

// Segment is one timed span of recognized speech. Start and End are
// seconds from the beginning of the audio the engine actually saw; when
// silence was trimmed upstream they do not align with the original
// recording's timeline.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the recognized text plus structured metadata.
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
}

// Engine wraps a pretrained speech-to-text model. languageHint constrains
// recognition ("auto" or empty means detect).
type Engine interface {
	Transcribe(ctx context.Context, path string, languageHint string) (*Result, error)
	Close() error
}
