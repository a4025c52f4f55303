package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yg-dev/whisper-transcribe/internal/jobs"
	"github.com/yg-dev/whisper-transcribe/internal/results"
	"github.com/yg-dev/whisper-transcribe/internal/transcribe"
	"github.com/yg-dev/whisper-transcribe/pkg/file"
	"github.com/yg-dev/whisper-transcribe/pkg/log"
)

// allowedExtensions is the upload allow-list.
var allowedExtensions = map[string]bool{
	"mp3":  true,
	"wav":  true,
	"m4a":  true,
	"flac": true,
	"ogg":  true,
}

const (
	KeepAudioArchive = "archive"
	KeepAudioDelete  = "delete"
)

// Preprocessor converts source audio into engine-ready 16 kHz mono WAV.
type Preprocessor interface {
	RemoveSilence(ctx context.Context, inputPath, outDir string) (string, error)
	Transcode(ctx context.Context, inputPath, outDir string) (string, error)
}

type Config struct {
	WorkDir    string
	ArchiveDir string
	KeepAudio  string
	Language   string
	ModelName  string
}

// Runner executes one transcription job end to end: validate, preprocess,
// transcribe, publish artifacts, dispose of the source audio. It owns the
// source file for the duration of the job.
type Runner struct {
	pre     Preprocessor
	engine  transcribe.Engine
	results *results.Store
	workDir string
	archive string
	model   string

	mu        sync.RWMutex
	language  string
	keepAudio string
}

func New(pre Preprocessor, engine transcribe.Engine, store *results.Store, cfg Config) *Runner {
	keep := cfg.KeepAudio
	if keep != KeepAudioArchive && keep != KeepAudioDelete {
		keep = KeepAudioArchive
	}
	return &Runner{
		pre:       pre,
		engine:    engine,
		results:   store,
		workDir:   cfg.WorkDir,
		archive:   cfg.ArchiveDir,
		model:     cfg.ModelName,
		language:  cfg.Language,
		keepAudio: keep,
	}
}

// Apply updates the runtime-adjustable knobs for subsequent jobs.
func (r *Runner) Apply(language, keepAudio string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if language != "" {
		r.language = language
	}
	if keepAudio == KeepAudioArchive || keepAudio == KeepAudioDelete {
		r.keepAudio = keepAudio
	}
}

func (r *Runner) settings() (language, keepAudio string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.language, r.keepAudio
}

// ValidateUpload rejects unsupported or empty uploads. It runs before a
// job is created, so invalid input never reaches the preprocessor or the
// engine.
func ValidateUpload(filename string, size int64) error {
	if err := validateFilename(filename); err != nil {
		return err
	}
	if size == 0 {
		return NewError(CategoryValidation, "uploaded file is empty")
	}
	return nil
}

func validateFilename(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return NewError(CategoryValidation, "filename is required")
	}
	ext := file.Ext(filename)
	if !allowedExtensions[ext] {
		return NewError(CategoryValidation,
			fmt.Sprintf("unsupported audio format %q (supported: mp3, wav, m4a, flac, ogg)", ext))
	}
	return nil
}

// Execute is the jobs.Executor for transcription jobs.
func (r *Runner) Execute(ctx context.Context, job *jobs.TranscriptionJob, setStage func(jobs.Status)) (result *jobs.JobResult, err error) {
	// A panic anywhere below must still yield a failed job, not a dead
	// worker.
	defer func() {
		if rec := recover(); rec != nil {
			err = NewError(CategoryEngine, fmt.Sprintf("runtime error: %v", rec))
		}
	}()

	workDir := filepath.Join(r.workDir, job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, WrapError(err, CategoryStorage, "create job workspace")
	}
	// Temporary files never outlive the job, success or failure.
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn("Failed to remove workspace for job %s: %v", job.ID, rmErr)
		}
	}()

	if err := r.validateSource(job); err != nil {
		return nil, err
	}

	language, keepAudio := r.settings()

	// Silence removal is a quality improvement, never a reason to fail
	// the job: on any preprocessor error, fall back to the unmodified
	// audio.
	audioPath, err := r.pre.RemoveSilence(ctx, job.SourcePath, workDir)
	if err != nil {
		log.Warn("Silence removal failed for job %s, continuing with original audio: %v", job.ID, err)
		audioPath, err = r.pre.Transcode(ctx, job.SourcePath, workDir)
		if err != nil {
			return nil, WrapError(err, CategoryEngine, "audio could not be decoded")
		}
	}

	setStage(jobs.StatusTranscribing)

	res, err := r.engine.Transcribe(ctx, audioPath, language)
	if err != nil {
		return nil, WrapError(err, CategoryEngine, "transcription failed")
	}

	textPath, jsonPath, err := r.results.Write(job.ID, results.Document{
		Text:     res.Text,
		Language: res.Language,
		Model:    r.model,
		Segments: res.Segments,
	})
	if err != nil {
		return nil, WrapError(err, CategoryStorage, "write result artifacts")
	}

	r.disposeSource(job, keepAudio)

	return &jobs.JobResult{
		TextPath: textPath,
		JSONPath: jsonPath,
		Language: res.Language,
	}, nil
}

func (r *Runner) validateSource(job *jobs.TranscriptionJob) error {
	if err := validateFilename(job.Filename); err != nil {
		return err
	}
	info, err := os.Stat(job.SourcePath)
	if err != nil {
		return WrapError(err, CategoryValidation, "source audio is not readable")
	}
	if info.Size() == 0 {
		return NewError(CategoryValidation, "source audio is empty")
	}
	return nil
}

// disposeSource moves or deletes the source audio after successful
// completion. Failures here are logged, not fatal: the artifacts are
// already published.
func (r *Runner) disposeSource(job *jobs.TranscriptionJob, keepAudio string) {
	if keepAudio == KeepAudioDelete {
		if err := os.Remove(job.SourcePath); err != nil {
			log.Warn("Failed to delete source audio for job %s: %v", job.ID, err)
		}
		return
	}

	dest := filepath.Join(r.archive, job.ID+"_"+filepath.Base(job.SourcePath))
	if err := os.MkdirAll(r.archive, 0o755); err != nil {
		log.Warn("Failed to create archive directory: %v", err)
		return
	}
	if err := os.Rename(job.SourcePath, dest); err != nil {
		log.Warn("Failed to archive source audio for job %s: %v", job.ID, err)
	}
}
