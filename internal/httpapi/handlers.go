package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/yg-dev/whisper-transcribe/internal/config"
	"github.com/yg-dev/whisper-transcribe/internal/jobs"
	"github.com/yg-dev/whisper-transcribe/internal/results"
	"github.com/yg-dev/whisper-transcribe/internal/runner"
	"github.com/yg-dev/whisper-transcribe/pkg/file"
	"github.com/yg-dev/whisper-transcribe/pkg/log"
)

// maxUploadBytes bounds in-memory multipart parsing; larger parts spill
// to temp files.
const maxUploadBytes = 32 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	s.enqueueUpload(w, r)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	// With a multipart body this endpoint behaves exactly like /upload.
	// Without one it enqueues the newest file already in the audio inbox.
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		s.enqueueUpload(w, r)
		return
	}
	s.enqueueNewest(w)
}

func (s *Server) enqueueUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, string(runner.CategoryValidation), "invalid multipart body")
		return
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(runner.CategoryValidation), "missing form field \"file\"")
		return
	}
	defer part.Close()

	filename := filepath.Base(header.Filename)
	if err := runner.ValidateUpload(filename, header.Size); err != nil {
		writeError(w, http.StatusBadRequest, errCategory(err), err.Error())
		return
	}

	sourcePath := filepath.Join(s.audioDir, uuid.NewString()+"_"+filename)
	if err := saveUpload(part, sourcePath); err != nil {
		log.Error("persisting upload %s failed: %v", filename, err)
		writeError(w, http.StatusInternalServerError, string(runner.CategoryStorage), "could not store uploaded file")
		return
	}

	job := s.queue.Enqueue(jobs.EnqueueRequest{
		Filename:   filename,
		SourcePath: sourcePath,
	})
	writeJSON(w, http.StatusAccepted, uploadResponse{
		JobID:    job.ID,
		Filename: job.Filename,
	})
}

func (s *Server) enqueueNewest(w http.ResponseWriter) {
	v, err, _ := s.latest.Do("newest", func() (any, error) {
		path, err := file.FindNewest(s.audioDir)
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, runner.NewError(runner.CategoryNotFound, "no audio files found")
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if err := runner.ValidateUpload(filepath.Base(path), info.Size()); err != nil {
			return nil, err
		}
		return s.queue.Enqueue(jobs.EnqueueRequest{
			Filename:   filepath.Base(path),
			SourcePath: path,
		}), nil
	})
	if err != nil {
		switch {
		case runner.IsCategory(err, runner.CategoryNotFound):
			writeError(w, http.StatusNotFound, string(runner.CategoryNotFound), err.Error())
		case runner.IsCategory(err, runner.CategoryValidation):
			writeError(w, http.StatusBadRequest, string(runner.CategoryValidation), err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "", err.Error())
		}
		return
	}
	job := v.(*jobs.TranscriptionJob)
	writeJSON(w, http.StatusAccepted, uploadResponse{
		JobID:    job.ID,
		Filename: job.Filename,
	})
}

func saveUpload(src io.Reader, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

type uploadResponse struct {
	JobID    string `json:"job_id"`
	Filename string `json:"filename"`
}

type statusResponse struct {
	JobID  string      `json:"job_id"`
	Status string      `json:"status"`
	Stage  jobs.Status `json:"stage,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/status/")
	job, ok := s.queue.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, string(runner.CategoryNotFound), fmt.Sprintf("unknown job %q", jobID))
		return
	}

	resp := statusResponse{JobID: job.ID, Status: string(job.Status)}
	if !job.Status.Terminal() {
		// clients poll for a single in-flight state; the concrete stage
		// rides along for anyone who wants it.
		resp.Status = "processing"
		resp.Stage = job.Status
	}
	if job.Failure != nil {
		resp.Error = job.Failure.Message
	}
	writeJSON(w, http.StatusOK, resp)
}

type resultResponse struct {
	JobID    string            `json:"job_id"`
	Text     string            `json:"text"`
	Document *results.Document `json:"json"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/result/")
	job, ok := s.queue.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, string(runner.CategoryNotFound), fmt.Sprintf("unknown job %q", jobID))
		return
	}
	if !job.Status.Terminal() {
		writeError(w, http.StatusConflict, "", fmt.Sprintf("job %s is still %s", job.ID, job.Status))
		return
	}
	if job.Failure != nil {
		writeError(w, http.StatusUnprocessableEntity, job.Failure.Category, job.Failure.Message)
		return
	}

	text, doc, err := s.results.Read(job.ID)
	if err != nil {
		log.Error("reading result for job %s: %v", job.ID, err)
		writeError(w, http.StatusInternalServerError, string(runner.CategoryStorage), "result artifacts are unreadable")
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		JobID:    job.ID,
		Text:     text,
		Document: doc,
	})
}

func (s *Server) handleDownloadText(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/download/txt/")
	s.serveArtifact(w, r, jobID, s.results.TextPath(jobID), "text/plain; charset=utf-8", "result.txt")
}

func (s *Server) handleDownloadJSON(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/download/json/")
	s.serveArtifact(w, r, jobID, s.results.JSONPath(jobID), "application/json", "result.json")
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, jobID, path, contentType, downloadName string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	if jobID == "" || !s.results.Exists(jobID) {
		writeError(w, http.StatusNotFound, string(runner.CategoryNotFound), fmt.Sprintf("no result for job %q", jobID))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	http.ServeFile(w, r, path)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.queue.List())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "", "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, string(runner.CategoryValidation), "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, string(runner.CategoryValidation), err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "", err.Error())
			return
		}
		if s.apply != nil {
			if err := s.apply(saved); err != nil {
				writeError(w, http.StatusInternalServerError, "", err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func errCategory(err error) string {
	var jobErr *runner.JobError
	if errors.As(err, &jobErr) {
		return string(jobErr.Category)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, category, msg string) {
	body := map[string]any{"error": msg}
	if category != "" {
		body["category"] = category
	}
	writeJSON(w, status, body)
}
