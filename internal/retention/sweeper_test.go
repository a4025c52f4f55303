package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	cutoffs []time.Time
	pruned  int64
}

func (f *fakePruner) DeleteJobsUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.pruned, nil
}

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	stamp := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, stamp, stamp))
	return path
}

func TestSweep_RemovesOnlyExpiredFiles(t *testing.T) {
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")
	archiveDir := filepath.Join(tmp, "archive")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))
	require.NoError(t, os.MkdirAll(archiveDir, 0o755))

	expiredTxt := writeAged(t, outputDir, "old_result.txt", 48*time.Hour)
	expiredAudio := writeAged(t, archiveDir, "old_audio.wav", 48*time.Hour)
	freshTxt := writeAged(t, outputDir, "new_result.txt", time.Hour)

	sweeper := NewSweeper(outputDir, archiveDir, 24*time.Hour, nil)
	removed, err := sweeper.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	require.NoFileExists(t, expiredTxt)
	require.NoFileExists(t, expiredAudio)
	require.FileExists(t, freshTxt)
}

func TestSweep_SkipsSubdirectories(t *testing.T) {
	tmp := t.TempDir()
	nested := filepath.Join(tmp, "keep")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(nested, old, old))

	sweeper := NewSweeper(tmp, "", 24*time.Hour, nil)
	removed, err := sweeper.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, removed)
	require.DirExists(t, nested)
}

func TestSweep_PrunesJobRowsWithSameCutoff(t *testing.T) {
	tmp := t.TempDir()
	pruner := &fakePruner{pruned: 3}

	sweeper := NewSweeper(tmp, "", 24*time.Hour, pruner)
	now := time.Now()
	_, err := sweeper.Sweep(context.Background(), now)
	require.NoError(t, err)

	require.Len(t, pruner.cutoffs, 1)
	require.WithinDuration(t, now.Add(-24*time.Hour), pruner.cutoffs[0], time.Second)
}

func TestSweep_MissingDirectoriesAreIgnored(t *testing.T) {
	sweeper := NewSweeper("/does/not/exist", "/also/missing", time.Hour, nil)
	removed, err := sweeper.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestStartAndReschedule(t *testing.T) {
	sweeper := NewSweeper(t.TempDir(), "", time.Hour, nil)

	require.NoError(t, sweeper.Start("0 3 * * *"))
	t.Cleanup(sweeper.Stop)

	require.Error(t, sweeper.Reschedule("not a cron expr"))
	require.NoError(t, sweeper.Reschedule("30 2 * * *"))
}

func TestReschedule_RequiresStart(t *testing.T) {
	sweeper := NewSweeper(t.TempDir(), "", time.Hour, nil)
	require.Error(t, sweeper.Reschedule("0 3 * * *"))
}
