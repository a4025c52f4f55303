package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/yg-dev/whisper-transcribe/internal/config"
	"github.com/yg-dev/whisper-transcribe/internal/jobs"
	"github.com/yg-dev/whisper-transcribe/internal/results"
	"golang.org/x/sync/singleflight"
)

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type Server struct {
	queue    *jobs.Queue
	results  *results.Store
	settings runtimeSettingsStore
	apply    runtimeSettingsApplier

	audioDir string

	// collapses concurrent "transcribe the newest file" requests so the
	// same file is not enqueued twice by racing clients.
	latest singleflight.Group

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

func NewServer(queue *jobs.Queue, store *results.Store, audioDir string, opts ...Option) *Server {
	s := &Server{
		queue:    queue,
		results:  store,
		audioDir: audioDir,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/upload", s.handleUpload)
	s.mux.HandleFunc("/transcribe", s.handleTranscribe)
	s.mux.HandleFunc("/status/", s.handleStatus)
	s.mux.HandleFunc("/result/", s.handleResult)
	s.mux.HandleFunc("/download/txt/", s.handleDownloadText)
	s.mux.HandleFunc("/download/json/", s.handleDownloadJSON)
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/stream", s.handleJobStream)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}
