package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"

	"github.com/yg-dev/whisper-transcribe/pkg/log"
)

// Config holds all application configuration
// Supports environment variables with sensible defaults
//
// Environment Variables:
// HTTP Configuration:
// - HTTP_ADDR: listen address (default: :8000)
//
// Directory Configuration:
// - DATA_DIR: base data directory (default: ./data)
// - AUDIO_DIR: uploaded audio inbox (default: <DATA_DIR>/audio)
// - OUTPUT_DIR: result artifacts (default: <DATA_DIR>/output)
// - ARCHIVE_DIR: completed source audio (default: <DATA_DIR>/audio_archive)
// - WORK_DIR: per-job temporary workspace (default: <DATA_DIR>/work)
// - DB_PATH: sqlite job store (default: <DATA_DIR>/jobs.db)
//
// Engine Configuration:
// - WHISPER_MODEL: path to a ggml whisper model file (required)
// - MODEL_LIFECYCLE: warm | percall (default: warm)
// - ENGINE_MAX_CONCURRENT: max in-flight model loads in percall mode (default: 1)
// - LANGUAGE: recognition language hint, BCP 47 or "auto" (default: auto)
//
// Job Configuration:
// - JOB_WORKERS: queue worker count (default: 1)
// - KEEP_AUDIO: archive | delete, source audio policy after completion (default: archive)
//
// Preprocess Configuration:
// - FFMPEG_PATH: ffmpeg binary (default: ffmpeg)
// - PREPROCESS_TIMEOUT_SEC: silence removal timeout (default: 120)
//
// Retention Configuration:
// - RETENTION_CRON: sweep schedule (default: 0 3 * * *)
// - RETENTION_TTL_HOURS: artifact/archive age limit (default: 168)
//
// Logging:
// - LOG_LEVEL: debug | info | warn | error (default: info)
// - LOG_FILE: optional log file path

type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Dirs      DirConfig       `json:"dirs"`
	Engine    EngineConfig    `json:"engine"`
	Jobs      JobConfig       `json:"jobs"`
	Process   ProcessConfig   `json:"process"`
	Retention RetentionConfig `json:"retention"`
	Log       LogConfig       `json:"log"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type DirConfig struct {
	AudioDir   string `json:"audio_dir"`
	OutputDir  string `json:"output_dir"`
	ArchiveDir string `json:"archive_dir"`
	WorkDir    string `json:"work_dir"`
	DBPath     string `json:"db_path"`
}

// EngineConfig selects the whisper model and its lifecycle policy.
// "warm" keeps the model resident across jobs (faster, higher steady
// memory); "percall" loads and releases it per job (slower, lower peak
// between jobs). The choice is a deployment-level latency/memory trade-off.
type EngineConfig struct {
	ModelPath     string `json:"model_path"`
	Lifecycle     string `json:"lifecycle"`
	MaxConcurrent int    `json:"max_concurrent"`
	Language      string `json:"language"`
}

type JobConfig struct {
	Workers   int    `json:"workers"`
	KeepAudio string `json:"keep_audio"`
}

type ProcessConfig struct {
	FfmpegPath        string        `json:"ffmpeg_path"`
	PreprocessTimeout time.Duration `json:"preprocess_timeout"`
}

type RetentionConfig struct {
	CronExpr string        `json:"cron_expr"`
	TTL      time.Duration `json:"ttl"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

const (
	LifecycleWarm    = "warm"
	LifecyclePercall = "percall"

	KeepAudioArchive = "archive"
	KeepAudioDelete  = "delete"
)

// Option is a function type for configuring Config
type Option func(*Config)

// New creates a Config from environment variables and options. A .env file
// in the working directory is loaded first when present.
func New(opts ...Option) (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnvString("DATA_DIR", "./data")

	config := &Config{
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", ":8000"),
		},
		Dirs: DirConfig{
			AudioDir:   getEnvString("AUDIO_DIR", filepath.Join(dataDir, "audio")),
			OutputDir:  getEnvString("OUTPUT_DIR", filepath.Join(dataDir, "output")),
			ArchiveDir: getEnvString("ARCHIVE_DIR", filepath.Join(dataDir, "audio_archive")),
			WorkDir:    getEnvString("WORK_DIR", filepath.Join(dataDir, "work")),
			DBPath:     getEnvString("DB_PATH", filepath.Join(dataDir, "jobs.db")),
		},
		Engine: EngineConfig{
			ModelPath:     getEnvString("WHISPER_MODEL", ""),
			Lifecycle:     getEnvString("MODEL_LIFECYCLE", LifecycleWarm),
			MaxConcurrent: getEnvInt("ENGINE_MAX_CONCURRENT", 1),
			Language:      getEnvString("LANGUAGE", "auto"),
		},
		Jobs: JobConfig{
			Workers:   getEnvInt("JOB_WORKERS", 1),
			KeepAudio: getEnvString("KEEP_AUDIO", KeepAudioArchive),
		},
		Process: ProcessConfig{
			FfmpegPath:        getEnvString("FFMPEG_PATH", "ffmpeg"),
			PreprocessTimeout: time.Duration(getEnvInt("PREPROCESS_TIMEOUT_SEC", 120)) * time.Second,
		},
		Retention: RetentionConfig{
			CronExpr: getEnvString("RETENTION_CRON", "0 3 * * *"),
			TTL:      time.Duration(getEnvInt("RETENTION_TTL_HOURS", 168)) * time.Hour,
		},
		Log: LogConfig{
			Level: getEnvString("LOG_LEVEL", "info"),
			File:  getEnvString("LOG_FILE", ""),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Info("Config loaded: addr=%s model=%s lifecycle=%s language=%s",
		config.HTTP.Addr, config.Engine.ModelPath, config.Engine.Lifecycle, config.Engine.Language)

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Engine.ModelPath == "" {
		return fmt.Errorf("WHISPER_MODEL is required")
	}
	if c.Engine.Lifecycle != LifecycleWarm && c.Engine.Lifecycle != LifecyclePercall {
		return fmt.Errorf("MODEL_LIFECYCLE must be %q or %q", LifecycleWarm, LifecyclePercall)
	}
	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("ENGINE_MAX_CONCURRENT must be at least 1")
	}
	if c.Jobs.KeepAudio != KeepAudioArchive && c.Jobs.KeepAudio != KeepAudioDelete {
		return fmt.Errorf("KEEP_AUDIO must be %q or %q", KeepAudioArchive, KeepAudioDelete)
	}
	if c.Engine.Language != "auto" {
		if _, err := language.Parse(c.Engine.Language); err != nil {
			return fmt.Errorf("invalid LANGUAGE %q: %w", c.Engine.Language, err)
		}
	}
	if _, err := cron.ParseStandard(c.Retention.CronExpr); err != nil {
		return fmt.Errorf("invalid RETENTION_CRON: %w", err)
	}
	return nil
}

// EnsureDirs creates all configured data directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Dirs.AudioDir, c.Dirs.OutputDir, c.Dirs.ArchiveDir, c.Dirs.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
