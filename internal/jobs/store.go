package jobs

import "context"

// Store persists job states so /status answers survive a restart.
type Store interface {
	LoadJobs(ctx context.Context) ([]*TranscriptionJob, error)
	UpsertJob(ctx context.Context, job *TranscriptionJob) error
	DeleteJob(ctx context.Context, jobID string) error
}
