package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yg-dev/whisper-transcribe/internal/config"
	"github.com/yg-dev/whisper-transcribe/internal/httpapi"
	"github.com/yg-dev/whisper-transcribe/internal/jobs"
	"github.com/yg-dev/whisper-transcribe/internal/media"
	"github.com/yg-dev/whisper-transcribe/internal/persistence"
	"github.com/yg-dev/whisper-transcribe/internal/results"
	"github.com/yg-dev/whisper-transcribe/internal/retention"
	"github.com/yg-dev/whisper-transcribe/internal/runner"
	"github.com/yg-dev/whisper-transcribe/internal/transcribe"
	"github.com/yg-dev/whisper-transcribe/pkg/log"
)

type jobQueue interface {
	Start(exec jobs.Executor)
	Stop()
}

type sweepScheduler interface {
	Start(cronExpr string) error
	Stop()
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	settingsPath := config.RuntimeSettingsFilePath()
	persisted, err := config.LoadRuntimeSettingsFile(settingsPath)
	if err != nil && !os.IsNotExist(err) {
		log.Warn("Ignoring unreadable runtime settings file %s: %v", settingsPath, err)
	}

	cfg, err := config.New(config.WithRuntimeSettings(persisted))
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}

	log.InitLogger(log.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		fileLogger, err := log.NewFileLogger(cfg.Log.File, log.ParseLevel(cfg.Log.Level))
		if err != nil {
			log.Fatal("Failed to open log file %s: %v", cfg.Log.File, err)
		}
		defer fileLogger.Close()
		log.SetGlobalLogger(fileLogger.Logger)
	}

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal("Failed to prepare data directories: %v", err)
	}

	store, err := persistence.NewSQLiteStore(cfg.Dirs.DBPath)
	if err != nil {
		log.Fatal("Failed to open job store %s: %v", cfg.Dirs.DBPath, err)
	}
	defer store.Close()

	resultStore, err := results.NewStore(cfg.Dirs.OutputDir)
	if err != nil {
		log.Fatal("Failed to prepare result store: %v", err)
	}

	engine, err := transcribe.NewWhisperEngine(cfg.Engine.ModelPath, cfg.Engine.Lifecycle, cfg.Engine.MaxConcurrent)
	if err != nil {
		log.Fatal("Failed to initialize whisper engine: %v", err)
	}
	defer engine.Close()

	preprocessor := media.NewFfmpeg(cfg.Process.FfmpegPath, cfg.Process.PreprocessTimeout)
	run := runner.New(preprocessor, engine, resultStore, runner.Config{
		WorkDir:    cfg.Dirs.WorkDir,
		ArchiveDir: cfg.Dirs.ArchiveDir,
		KeepAudio:  cfg.Jobs.KeepAudio,
		Language:   cfg.Engine.Language,
		ModelName:  cfg.Engine.ModelPath,
	})

	queue := jobs.NewQueue(cfg.Jobs.Workers, store)
	sweeper := retention.NewSweeper(cfg.Dirs.OutputDir, cfg.Dirs.ArchiveDir, cfg.Retention.TTL, store)

	settingsStore, err := config.NewRuntimeSettingsStore(settingsPath, cfg.RuntimeSettings())
	if err != nil {
		log.Fatal("Failed to initialize runtime settings store: %v", err)
	}

	srv := httpapi.NewServer(queue, resultStore, cfg.Dirs.AudioDir,
		httpapi.WithRuntimeSettingsStore(settingsStore),
		httpapi.WithRuntimeSettingsApplier(func(next config.RuntimeSettings) error {
			run.Apply(next.Language, next.KeepAudio)
			return sweeper.Reschedule(next.RetentionCron)
		}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runWithComponents(ctx, cfg, queue, run.Execute, sweeper, srv); err != nil {
		log.Fatal("Service exited with error: %v", err)
	}
}

func runWithComponents(ctx context.Context, cfg *config.Config, queue jobQueue, exec jobs.Executor, sweeper sweepScheduler, srv httpServer) error {
	queue.Start(exec)
	defer queue.Stop()

	if err := sweeper.Start(cfg.Retention.CronExpr); err != nil {
		return err
	}
	defer sweeper.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.HTTP.Addr)
	}()
	log.Info("Transcription service listening on %s", cfg.HTTP.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
