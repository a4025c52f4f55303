package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yg-dev/whisper-transcribe/internal/transcribe"
)

// Document is the JSON artifact for one completed job. It is a superset
// of the paired text artifact: the text field holds exactly the transcript
// the .txt file carries.
type Document struct {
	Text     string               `json:"text"`
	Language string               `json:"language"`
	Model    string               `json:"model"`
	Segments []transcribe.Segment `json:"segments"`
}

// Store maps job IDs to persisted result artifacts: {job_id}_result.txt
// and {job_id}_result.json under a single results directory. Artifacts are
// only ever removed by the retention sweeper, never here.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("results directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) TextPath(jobID string) string {
	return filepath.Join(s.dir, jobID+"_result.txt")
}

func (s *Store) JSONPath(jobID string) string {
	return filepath.Join(s.dir, jobID+"_result.json")
}

// Write publishes both artifacts atomically: each is written to a
// temporary path and renamed into place, so readers never observe a
// partially written file.
func (s *Store) Write(jobID string, doc Document) (textPath, jsonPath string, err error) {
	jsonPath = s.JSONPath(jobID)
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode result document: %w", err)
	}
	if err := atomicWrite(jsonPath, append(content, '\n')); err != nil {
		return "", "", err
	}

	textPath = s.TextPath(jobID)
	if err := atomicWrite(textPath, []byte(doc.Text)); err != nil {
		return "", "", err
	}

	return textPath, jsonPath, nil
}

// Read loads both artifacts for a completed job.
func (s *Store) Read(jobID string) (string, *Document, error) {
	text, err := os.ReadFile(s.TextPath(jobID))
	if err != nil {
		return "", nil, err
	}

	raw, err := os.ReadFile(s.JSONPath(jobID))
	if err != nil {
		return "", nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, fmt.Errorf("parse result document: %w", err)
	}

	return string(text), &doc, nil
}

// Exists reports whether both artifacts are present.
func (s *Store) Exists(jobID string) bool {
	if _, err := os.Stat(s.TextPath(jobID)); err != nil {
		return false
	}
	_, err := os.Stat(s.JSONPath(jobID))
	return err == nil
}

func atomicWrite(path string, content []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publish %s: %w", path, err)
	}
	return nil
}
