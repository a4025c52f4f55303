package transcribe

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/abadojack/whatlanggo"
	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/yg-dev/whisper-transcribe/pkg/log"
)

const (
	LifecycleWarm    = "warm"
	LifecyclePercall = "percall"
)

// WhisperEngine runs inference through the whisper.cpp bindings.
//
// Lifecycle "warm" loads the model once and keeps it resident; inference is
// serialized by a mutex because ggml contexts are not safe for concurrent
// Process calls on shared backend state. Lifecycle "percall" loads the
// model per job and releases it immediately, trading latency for a lower
// resident footprint; a semaphore bounds how many models may be loaded at
// once so peak memory stays within budget.
type WhisperEngine struct {
	modelPath string
	lifecycle string

	mu    sync.Mutex
	model whisper.Model

	sem *semaphore.Weighted
}

func NewWhisperEngine(modelPath, lifecycle string, maxConcurrent int) (*WhisperEngine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if lifecycle != LifecycleWarm && lifecycle != LifecyclePercall {
		return nil, fmt.Errorf("unknown model lifecycle %q", lifecycle)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	e := &WhisperEngine{
		modelPath: modelPath,
		lifecycle: lifecycle,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
	}

	if lifecycle == LifecycleWarm {
		model, err := whisper.New(modelPath)
		if err != nil {
			return nil, fmt.Errorf("load whisper model %s: %w", modelPath, err)
		}
		e.model = model
		log.Info("Whisper model loaded (warm): %s", modelPath)
	}

	return e, nil
}

func (e *WhisperEngine) Transcribe(ctx context.Context, path string, languageHint string) (*Result, error) {
	samples, err := ReadWAVSamples(path)
	if err != nil {
		return nil, err
	}

	if e.lifecycle == LifecyclePercall {
		return e.transcribePercall(ctx, samples, languageHint)
	}
	return e.transcribeWarm(samples, languageHint)
}

func (e *WhisperEngine) transcribeWarm(samples []float32, languageHint string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model == nil {
		return nil, fmt.Errorf("whisper model is closed")
	}
	return runInference(e.model, samples, languageHint)
}

func (e *WhisperEngine) transcribePercall(ctx context.Context, samples []float32, languageHint string) (*Result, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	model, err := whisper.New(e.modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", e.modelPath, err)
	}
	defer model.Close()

	return runInference(model, samples, languageHint)
}

func runInference(model whisper.Model, samples []float32, languageHint string) (*Result, error) {
	mctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create whisper context: %w", err)
	}

	mctx.SetTranslate(false)
	lang := languageHint
	if lang == "" {
		lang = "auto"
	}
	if err := mctx.SetLanguage(lang); err != nil {
		return nil, fmt.Errorf("set language %q: %w", lang, err)
	}

	if err := mctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper process: %w", err)
	}

	var builder strings.Builder
	segments := make([]Segment, 0)
	for {
		segment, err := mctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Start: segment.Start.Seconds(),
			End:   segment.End.Seconds(),
			Text:  text,
		})
		if builder.Len() > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(text)
	}

	text := strings.TrimSpace(builder.String())
	if text == "" || text == "[BLANK_AUDIO]" {
		return nil, ErrEmptyResult
	}

	detected := mctx.DetectedLanguage()
	if detected == "" || detected == "auto" {
		detected = detectLanguageFromText(text)
	}

	return &Result{
		Text:     text,
		Segments: segments,
		Language: detected,
	}, nil
}

// detectLanguageFromText is the fallback when the model reports no
// language, e.g. a monolingual model.
func detectLanguageFromText(text string) string {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

func (e *WhisperEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model != nil {
		err := e.model.Close()
		e.model = nil
		return err
	}
	return nil
}
