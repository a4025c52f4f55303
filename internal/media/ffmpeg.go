package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/yg-dev/whisper-transcribe/pkg/file"
	"github.com/yg-dev/whisper-transcribe/pkg/log"
)

// silenceFilter strips stretches quieter than -30 dB.
const silenceFilter = "silenceremove=1:0:-30dB"

// Ffmpeg converts uploaded audio into the 16 kHz mono WAV the engine
// consumes, optionally removing silence on the way. Every invocation is
// bounded by the configured timeout; on timeout the external process is
// killed and the call reports an error like any other ffmpeg failure.
type Ffmpeg struct {
	ffmpegCmd string
	timeout   time.Duration
}

func NewFfmpeg(ffmpegCmd string, timeout time.Duration) Ffmpeg {
	if ffmpegCmd == "" {
		ffmpegCmd = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return Ffmpeg{
		ffmpegCmd: ffmpegCmd,
		timeout:   timeout,
	}
}

// RemoveSilence writes a silence-stripped 16 kHz mono WAV copy of
// inputPath into outDir and returns its path. Failures are returned, never
// raised past this boundary; the caller decides whether they are fatal.
func (ff Ffmpeg) RemoveSilence(ctx context.Context, inputPath, outDir string) (string, error) {
	output := filepath.Join(outDir, file.ReplaceExt(filepath.Base(inputPath), "")+"_cleaned.wav")
	return ff.run(ctx, inputPath, output, ff.removeSilenceArgs(inputPath, output))
}

// Transcode writes a plain 16 kHz mono WAV copy of inputPath into outDir.
// This is the fallback path when silence removal fails.
func (ff Ffmpeg) Transcode(ctx context.Context, inputPath, outDir string) (string, error) {
	output := filepath.Join(outDir, file.ReplaceExt(filepath.Base(inputPath), "")+"_16k.wav")
	return ff.run(ctx, inputPath, output, ff.transcodeArgs(inputPath, output))
}

func (ff Ffmpeg) run(ctx context.Context, inputPath, output string, args []string) (string, error) {
	cmdPath, err := exec.LookPath(ff.ffmpegCmd)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, ff.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cmdPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		_ = os.Remove(output)
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("ffmpeg timed out after %s processing %s", ff.timeout, inputPath)
		}
		return "", fmt.Errorf("ffmpeg failed: %w (%s)", err, lastLine(stderr.String()))
	}

	// A zero-byte output means ffmpeg exited cleanly without producing
	// audio, which downstream would still choke on.
	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(output)
		return "", fmt.Errorf("ffmpeg produced no output for %s", inputPath)
	}

	log.Debug("ffmpeg finished in %s: %s -> %s", time.Since(start).Round(time.Millisecond), inputPath, output)
	return output, nil
}

func (ff Ffmpeg) removeSilenceArgs(inputPath, output string) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-af", silenceFilter,
		"-ac", "1",
		"-ar", "16000",
		"-f", "wav",
		output,
	}
}

func (ff Ffmpeg) transcodeArgs(inputPath, output string) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-ac", "1",
		"-ar", "16000",
		"-f", "wav",
		output,
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
