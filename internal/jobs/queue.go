package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yg-dev/whisper-transcribe/pkg/log"
)

// Executor runs one job to completion. It reports intermediate stage
// transitions through setStage and returns the job result or an error.
type Executor func(ctx context.Context, job *TranscriptionJob, setStage func(Status)) (*JobResult, error)

// categorized is implemented by errors that carry a failure category.
type categorized interface {
	ErrorCategory() string
}

type Queue struct {
	workerCount int
	maxJobs     int
	store       Store

	mu         sync.RWMutex
	jobs       map[string]*TranscriptionJob
	started    bool
	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewQueue(workerCount int, store Store) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	q := &Queue{
		workerCount: workerCount,
		maxJobs:     1000,
		store:       store,
		jobs:        make(map[string]*TranscriptionJob),
		pendingIDs:  make(chan string, 1024),
		stopCh:      make(chan struct{}),
	}
	q.hydrateFromStore(context.Background())
	return q
}

// Enqueue registers a new job. Every submission gets a fresh ID; the same
// audio content submitted twice yields two independent jobs.
func (q *Queue) Enqueue(req EnqueueRequest) *TranscriptionJob {
	now := time.Now()
	job := &TranscriptionJob{
		ID:         uuid.NewString(),
		Filename:   req.Filename,
		SourcePath: req.SourcePath,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	if started {
		q.enqueuePendingID(job.ID)
	}
	return snapshot
}

func (q *Queue) Get(id string) (*TranscriptionJob, bool) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

func (q *Queue) List() []*TranscriptionJob {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*TranscriptionJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		ret = append(ret, cloneJob(job))
	}
	return ret
}

func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]string, 0)
	for id, job := range q.jobs {
		if job.Status == StatusPending {
			pending = append(pending, id)
		}
	}
	q.mu.Unlock()

	for _, id := range pending {
		q.enqueuePendingID(id)
	}

	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(exec)
	}
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
	})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case id := <-q.pendingIDs:
			job, ok := q.claim(id)
			if !ok {
				continue
			}

			setStage := func(stage Status) {
				q.markStage(id, stage)
			}
			result, err := exec(context.Background(), job, setStage)
			if err != nil {
				q.markFailed(id, err)
				continue
			}
			q.markCompleted(id, result)
		}
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() { q.pendingIDs <- id }()
	}
}

// claim atomically moves a pending job into the preprocessing stage.
func (q *Queue) claim(id string) (*TranscriptionJob, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		q.mu.Unlock()
		return nil, false
	}
	job.Status = StatusPreprocessing
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	return snapshot, true
}

// markStage applies a forward, non-terminal stage transition. Backward or
// terminal transitions through this path are ignored.
func (q *Queue) markStage(id string, stage Status) {
	if stage != StatusTranscribing {
		return
	}

	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPreprocessing {
		q.mu.Unlock()
		return
	}
	job.Status = stage
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
}

func (q *Queue) markCompleted(id string, result *JobResult) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	job.Status = StatusCompleted
	job.Result = result
	job.Failure = nil
	job.UpdatedAt = time.Now()
	pruned := q.pruneTerminalJobsLocked()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)
}

func (q *Queue) markFailed(id string, err error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	job.Status = StatusFailed
	job.Result = nil
	job.Failure = &JobFailure{
		Category: errorCategory(err),
		Message:  err.Error(),
	}
	job.UpdatedAt = time.Now()
	pruned := q.pruneTerminalJobsLocked()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)
}

func errorCategory(err error) string {
	if c, ok := err.(categorized); ok {
		return c.ErrorCategory()
	}
	return "unknown"
}

func (q *Queue) pruneTerminalJobsLocked() []string {
	if q.maxJobs <= 0 || len(q.jobs) <= q.maxJobs {
		return nil
	}

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0, len(q.jobs))
	for id, job := range q.jobs {
		if job == nil || !job.Status.Terminal() {
			continue
		}
		terminal = append(terminal, candidate{id: id, updatedAt: job.UpdatedAt})
	}
	if len(terminal) == 0 {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	toRemove := len(q.jobs) - q.maxJobs
	if toRemove <= 0 {
		return nil
	}
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}

	pruned := make([]string, 0, toRemove)
	for i := 0; i < toRemove; i++ {
		delete(q.jobs, terminal[i].id)
		pruned = append(pruned, terminal[i].id)
	}
	return pruned
}

func (q *Queue) deleteJobsFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteJob(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned job %s from store: %v", id, err)
		}
	}
}

// hydrateFromStore restores persisted jobs at startup. Jobs caught
// in-flight by the previous shutdown are marked failed: transitions are
// strictly forward, and transcription may already have partially run, so
// re-queueing them to pending is not allowed.
func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*TranscriptionJob, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusPreprocessing || job.Status == StatusTranscribing {
			job.Status = StatusFailed
			job.Result = nil
			job.Failure = &JobFailure{
				Category: "engine",
				Message:  "interrupted by service restart",
			}
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.jobs[job.ID] = job
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
}

func (q *Queue) persistJob(job *TranscriptionJob) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func cloneJob(job *TranscriptionJob) *TranscriptionJob {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.Result != nil {
		res := *job.Result
		tmp.Result = &res
	}
	if job.Failure != nil {
		fail := *job.Failure
		tmp.Failure = &fail
	}
	return &tmp
}
