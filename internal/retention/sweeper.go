package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yg-dev/whisper-transcribe/pkg/icron"
	"github.com/yg-dev/whisper-transcribe/pkg/log"
)

// jobPruner removes persisted terminal job rows older than a cutoff.
type jobPruner interface {
	DeleteJobsUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deletes result artifacts and archived source audio once they
// outlive the configured TTL, and prunes the matching job rows. It is the
// only component that ever deletes published artifacts.
type Sweeper struct {
	outputDir  string
	archiveDir string
	ttl        time.Duration
	pruner     jobPruner

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewSweeper(outputDir, archiveDir string, ttl time.Duration, pruner jobPruner) *Sweeper {
	return &Sweeper{
		outputDir:  outputDir,
		archiveDir: archiveDir,
		ttl:        ttl,
		pruner:     pruner,
	}
}

// Start schedules sweeps on the given cron expression (standard 5-field).
func (s *Sweeper) Start(cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		s.cron = cron.New()
		s.cron.Start()
	}
	return s.scheduleLocked(cronExpr)
}

// Reschedule replaces the sweep schedule, for runtime settings updates.
func (s *Sweeper) Reschedule(cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return fmt.Errorf("sweeper is not started")
	}
	s.cron.Remove(s.entryID)
	return s.scheduleLocked(cronExpr)
}

func (s *Sweeper) scheduleLocked(cronExpr string) error {
	entryID, err := s.cron.AddFunc(cronExpr, func() {
		if _, err := s.Sweep(context.Background(), time.Now()); err != nil {
			log.Error("Retention sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", cronExpr, err)
	}
	s.entryID = entryID

	if info, err := icron.GetTriggerInfo(cronExpr, time.Now()); err == nil {
		log.Info("Retention sweep scheduled: expr=%q next=%s (in %s)",
			cronExpr, info.Next.Format(time.RFC3339), info.TimeUntilNext.Round(time.Second))
	}
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
}

// Sweep removes files older than the TTL from the output and archive
// directories and prunes matching job rows. It returns the number of
// files removed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.ttl)

	removed := 0
	for _, dir := range []string{s.outputDir, s.archiveDir} {
		if dir == "" {
			continue
		}
		n, err := removeFilesBefore(dir, cutoff)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	if s.pruner != nil {
		pruned, err := s.pruner.DeleteJobsUpdatedBefore(ctx, cutoff)
		if err != nil {
			return removed, fmt.Errorf("prune job rows: %w", err)
		}
		if pruned > 0 {
			log.Info("Retention sweep pruned %d job rows", pruned)
		}
	}

	if removed > 0 {
		log.Info("Retention sweep removed %d files older than %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

func removeFilesBefore(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Warn("Failed to remove expired file %s: %v", path, err)
			continue
		}
		removed++
	}
	return removed, nil
}
