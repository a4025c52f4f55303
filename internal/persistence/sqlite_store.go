package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yg-dev/whisper-transcribe/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore persists transcription jobs so status queries survive a
// process restart.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	// Bootstrap schema_migrations table so we can track applied versions.
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.TranscriptionJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, source_path, status, result_json, failure_json, created_at, updated_at
		FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	ret := make([]*jobs.TranscriptionJob, 0)
	for rows.Next() {
		var job jobs.TranscriptionJob
		var resultJSON, failureJSON sql.NullString
		if err := rows.Scan(&job.ID, &job.Filename, &job.SourcePath, &job.Status,
			&resultJSON, &failureJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		if resultJSON.Valid && resultJSON.String != "" {
			var result jobs.JobResult
			if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
				return nil, fmt.Errorf("decode result for job %s: %w", job.ID, err)
			}
			job.Result = &result
		}
		if failureJSON.Valid && failureJSON.String != "" {
			var failure jobs.JobFailure
			if err := json.Unmarshal([]byte(failureJSON.String), &failure); err != nil {
				return nil, fmt.Errorf("decode failure for job %s: %w", job.ID, err)
			}
			job.Failure = &failure
		}
		ret = append(ret, &job)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.TranscriptionJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job with id is required")
	}

	var resultJSON, failureJSON sql.NullString
	if job.Result != nil {
		content, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		resultJSON = sql.NullString{String: string(content), Valid: true}
	}
	if job.Failure != nil {
		content, err := json.Marshal(job.Failure)
		if err != nil {
			return fmt.Errorf("encode failure: %w", err)
		}
		failureJSON = sql.NullString{String: string(content), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, filename, source_path, status, result_json, failure_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			source_path = excluded.source_path,
			status = excluded.status,
			result_json = excluded.result_json,
			failure_json = excluded.failure_json,
			updated_at = excluded.updated_at`,
		job.ID, job.Filename, job.SourcePath, string(job.Status),
		resultJSON, failureJSON, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// DeleteJobsUpdatedBefore removes terminal job rows older than the cutoff.
// Used by the retention sweeper; in-flight rows are never touched.
func (s *SQLiteStore) DeleteJobsUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE updated_at < ? AND status IN (?, ?)`,
		cutoff, string(jobs.StatusCompleted), string(jobs.StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return res.RowsAffected()
}
