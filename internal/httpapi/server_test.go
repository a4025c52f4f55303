package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yg-dev/whisper-transcribe/internal/config"
	"github.com/yg-dev/whisper-transcribe/internal/jobs"
	"github.com/yg-dev/whisper-transcribe/internal/results"
	"github.com/yg-dev/whisper-transcribe/internal/runner"
)

type fakeSettingsStore struct {
	current   config.RuntimeSettings
	updateErr error
}

func (f *fakeSettingsStore) GetRuntimeSettings() (config.RuntimeSettings, error) {
	return f.current, nil
}

func (f *fakeSettingsStore) UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error) {
	if f.updateErr != nil {
		return config.RuntimeSettings{}, f.updateErr
	}
	f.current = next
	return f.current, nil
}

type testEnv struct {
	srv      *Server
	queue    *jobs.Queue
	results  *results.Store
	audioDir string
}

func newTestEnv(t *testing.T, exec jobs.Executor, opts ...Option) *testEnv {
	t.Helper()
	tmp := t.TempDir()
	audioDir := filepath.Join(tmp, "audio")
	require.NoError(t, os.MkdirAll(audioDir, 0o755))

	store, err := results.NewStore(filepath.Join(tmp, "output"))
	require.NoError(t, err)

	queue := jobs.NewQueue(1, nil)
	if exec != nil {
		queue.Start(exec)
		t.Cleanup(queue.Stop)
	}

	return &testEnv{
		srv:      NewServer(queue, store, audioDir, opts...),
		queue:    queue,
		results:  store,
		audioDir: audioDir,
	}
}

func completingExecutor(store *results.Store) jobs.Executor {
	return func(ctx context.Context, job *jobs.TranscriptionJob, setStage func(jobs.Status)) (*jobs.JobResult, error) {
		setStage(jobs.StatusTranscribing)
		textPath, jsonPath, err := store.Write(job.ID, results.Document{
			Text:     "hello world",
			Language: "en",
			Model:    "ggml-base.en.bin",
		})
		if err != nil {
			return nil, err
		}
		return &jobs.JobResult{TextPath: textPath, JSONPath: jsonPath, Language: "en"}, nil
	}
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postUpload(t *testing.T, env *testEnv, path, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartBody(t, filename, content)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var ret T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret))
	return ret
}

func waitForStatus(t *testing.T, env *testEnv, jobID string, want jobs.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := env.queue.Get(jobID)
		return ok && job.Status == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_UploadAndFetchResult(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queue.Start(completingExecutor(env.results))
	t.Cleanup(env.queue.Stop)

	rec := postUpload(t, env, "/upload", "meeting.wav", []byte("RIFFdata"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	accepted := decodeJSON[uploadResponse](t, rec)
	require.NotEmpty(t, accepted.JobID)
	require.Equal(t, "meeting.wav", accepted.Filename)

	waitForStatus(t, env, accepted.JobID, jobs.StatusCompleted)

	req := httptest.NewRequest(http.MethodGet, "/status/"+accepted.JobID, nil)
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeJSON[statusResponse](t, rec)
	require.Equal(t, "completed", status.Status)
	require.Empty(t, status.Stage)

	req = httptest.NewRequest(http.MethodGet, "/result/"+accepted.JobID, nil)
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeJSON[resultResponse](t, rec)
	require.Equal(t, "hello world", result.Text)
	require.NotNil(t, result.Document)
	require.Equal(t, "en", result.Document.Language)
}

func TestServer_DownloadArtifacts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queue.Start(completingExecutor(env.results))
	t.Cleanup(env.queue.Stop)

	rec := postUpload(t, env, "/upload", "memo.mp3", []byte("audio-bytes"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	accepted := decodeJSON[uploadResponse](t, rec)
	waitForStatus(t, env, accepted.JobID, jobs.StatusCompleted)

	req := httptest.NewRequest(http.MethodGet, "/download/txt/"+accepted.JobID, nil)
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.Contains(t, rec.Header().Get("Content-Disposition"), "result.txt")
	require.Equal(t, "hello world", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/download/json/"+accepted.JobID, nil)
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	var doc results.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "hello world", doc.Text)

	req = httptest.NewRequest(http.MethodGet, "/download/txt/no-such-job", nil)
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_UploadRejectsEmptyFile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := postUpload(t, env, "/upload", "empty.mp3", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	ret := decodeJSON[map[string]any](t, rec)
	require.Equal(t, "validation", ret["category"])
	require.Contains(t, ret["error"], "empty")
	require.Empty(t, env.queue.List(), "rejected upload must not create a job")
}

func TestServer_UploadRejectsUnsupportedExtension(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := postUpload(t, env, "/upload", "notes.txt", []byte("not audio"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	ret := decodeJSON[map[string]any](t, rec)
	require.Equal(t, "validation", ret["category"])
	require.Empty(t, env.queue.List())
}

func TestServer_StatusUnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	ret := decodeJSON[map[string]any](t, rec)
	require.Equal(t, "not_found", ret["category"])
}

func TestServer_StatusReportsProcessing(t *testing.T) {
	env := newTestEnv(t, nil) // workers never started, job stays pending

	rec := postUpload(t, env, "/upload", "talk.flac", []byte("flac-bytes"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	accepted := decodeJSON[uploadResponse](t, rec)

	req := httptest.NewRequest(http.MethodGet, "/status/"+accepted.JobID, nil)
	recStatus := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(recStatus, req)

	require.Equal(t, http.StatusOK, recStatus.Code)
	status := decodeJSON[statusResponse](t, recStatus)
	require.Equal(t, "processing", status.Status)
	require.Equal(t, jobs.StatusPending, status.Stage)
}

func TestServer_ResultConflictWhileInFlight(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := postUpload(t, env, "/upload", "talk.ogg", []byte("ogg-bytes"))
	accepted := decodeJSON[uploadResponse](t, rec)

	req := httptest.NewRequest(http.MethodGet, "/result/"+accepted.JobID, nil)
	recResult := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(recResult, req)

	require.Equal(t, http.StatusConflict, recResult.Code)
}

func TestServer_ResultForFailedJob(t *testing.T) {
	failing := func(ctx context.Context, job *jobs.TranscriptionJob, setStage func(jobs.Status)) (*jobs.JobResult, error) {
		return nil, runner.NewError(runner.CategoryEngine, "no speech could be recognized")
	}
	env := newTestEnv(t, failing)

	rec := postUpload(t, env, "/upload", "silence.wav", []byte("RIFFdata"))
	accepted := decodeJSON[uploadResponse](t, rec)
	waitForStatus(t, env, accepted.JobID, jobs.StatusFailed)

	req := httptest.NewRequest(http.MethodGet, "/result/"+accepted.JobID, nil)
	recResult := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(recResult, req)

	require.Equal(t, http.StatusUnprocessableEntity, recResult.Code)
	ret := decodeJSON[map[string]any](t, recResult)
	require.Equal(t, "engine", ret["category"])
	require.Contains(t, ret["error"], "no speech")
}

func TestServer_DuplicateUploadsGetDistinctJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	env.queue.Start(completingExecutor(env.results))
	t.Cleanup(env.queue.Stop)

	first := decodeJSON[uploadResponse](t, postUpload(t, env, "/upload", "same.wav", []byte("identical")))
	second := decodeJSON[uploadResponse](t, postUpload(t, env, "/upload", "same.wav", []byte("identical")))
	require.NotEqual(t, first.JobID, second.JobID)

	waitForStatus(t, env, first.JobID, jobs.StatusCompleted)
	waitForStatus(t, env, second.JobID, jobs.StatusCompleted)
	require.True(t, env.results.Exists(first.JobID))
	require.True(t, env.results.Exists(second.JobID))
	require.NotEqual(t, env.results.TextPath(first.JobID), env.results.TextPath(second.JobID))
}

func TestServer_TranscribeNewestInInbox(t *testing.T) {
	env := newTestEnv(t, nil)

	require.NoError(t, os.WriteFile(filepath.Join(env.audioDir, "older.wav"), []byte("old"), 0o644))
	newer := filepath.Join(env.audioDir, "newer.mp3")
	require.NoError(t, os.WriteFile(newer, []byte("new"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(newer, future, future))

	req := httptest.NewRequest(http.MethodPost, "/transcribe", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	accepted := decodeJSON[uploadResponse](t, rec)
	require.Equal(t, "newer.mp3", accepted.Filename)

	job, ok := env.queue.Get(accepted.JobID)
	require.True(t, ok)
	require.Equal(t, newer, job.SourcePath)
}

func TestServer_TranscribeEmptyInbox(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/transcribe", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	ret := decodeJSON[map[string]any](t, rec)
	require.Contains(t, ret["error"], "no audio files")
}

func TestServer_TranscribeWithMultipartActsAsUpload(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := postUpload(t, env, "/transcribe", "direct.m4a", []byte("m4a-bytes"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	accepted := decodeJSON[uploadResponse](t, rec)
	require.Equal(t, "direct.m4a", accepted.Filename)
}

func TestServer_ListJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	postUpload(t, env, "/upload", "one.wav", []byte("a"))
	postUpload(t, env, "/upload", "two.wav", []byte("b"))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeJSON[[]*jobs.TranscriptionJob](t, rec)
	require.Len(t, listed, 2)
}

func TestServer_JobStreamSendsSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	postUpload(t, env, "/upload", "streamed.wav", []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // first snapshot is sent before the ticker loop checks the context

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(rec.Body.String(), "data: "))
	require.Contains(t, rec.Body.String(), "streamed.wav")
}

func TestServer_SettingsRoundTrip(t *testing.T) {
	store := &fakeSettingsStore{current: config.RuntimeSettings{
		Language:      "auto",
		KeepAudio:     config.KeepAudioArchive,
		RetentionCron: "0 3 * * *",
	}}
	var applied []config.RuntimeSettings
	env := newTestEnv(t, nil,
		WithRuntimeSettingsStore(store),
		WithRuntimeSettingsApplier(func(next config.RuntimeSettings) error {
			applied = append(applied, next)
			return nil
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "auto", decodeJSON[config.RuntimeSettings](t, rec).Language)

	body := []byte(`{"language":"en","keep_audio":"delete","retention_cron":"30 2 * * *"}`)
	req = httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, applied, 1)
	require.Equal(t, "en", applied[0].Language)
	require.Equal(t, config.KeepAudioDelete, store.current.KeepAudio)
}

func TestServer_SettingsRejectsInvalidUpdate(t *testing.T) {
	store := &fakeSettingsStore{}
	env := newTestEnv(t, nil, WithRuntimeSettingsStore(store))

	body := []byte(`{"language":"en","keep_audio":"forever","retention_cron":"0 3 * * *"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, store.current.KeepAudio, "invalid settings must not be stored")
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeJSON[map[string]string](t, rec)["status"])
}
