package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
)

const DefaultRuntimeSettingsFile = "/app/config/settings.json"

// RuntimeSettings are the knobs that may change without a restart.
type RuntimeSettings struct {
	Language      string `json:"language"`
	KeepAudio     string `json:"keep_audio"`
	RetentionCron string `json:"retention_cron"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile)
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.Language) == "" {
		return fmt.Errorf("language is required")
	}
	if s.Language != "auto" {
		if _, err := language.Parse(s.Language); err != nil {
			return fmt.Errorf("invalid language: %w", err)
		}
	}
	if s.KeepAudio != KeepAudioArchive && s.KeepAudio != KeepAudioDelete {
		return fmt.Errorf("keep_audio must be %q or %q", KeepAudioArchive, KeepAudioDelete)
	}
	if strings.TrimSpace(s.RetentionCron) == "" {
		return fmt.Errorf("retention_cron is required")
	}
	if _, err := cron.ParseStandard(s.RetentionCron); err != nil {
		return fmt.Errorf("invalid retention_cron: %w", err)
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		Language:      c.Engine.Language,
		KeepAudio:     c.Jobs.KeepAudio,
		RetentionCron: c.Retention.CronExpr,
	}
}

func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.Language) != "" {
			c.Engine.Language = settings.Language
		}
		if settings.KeepAudio == KeepAudioArchive || settings.KeepAudio == KeepAudioDelete {
			c.Jobs.KeepAudio = settings.KeepAudio
		}
		if strings.TrimSpace(settings.RetentionCron) != "" {
			c.Retention.CronExpr = settings.RetentionCron
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}
