package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Settings is this repository's configuration shape, loaded by LoadRaw
// (an $include/env-expanding loader) and decoded into this narrow
// struct rather than a large do-everything Config type.
type Settings struct {
	Registry struct {
		ManifestPath       string `json:"manifest_path"`
		ArtifactDir        string `json:"artifact_dir"`
		WatchIntervalSecs  int    `json:"watch_interval_seconds"`
	} `json:"registry"`

	LLM struct {
		Provider string `json:"provider"` // "anthropic" | "openai" | "gemini" | "bedrock"
		APIKey   string `json:"api_key"`
		BaseURL  string `json:"base_url"`
		Model    string `json:"model"`
		Region   string `json:"region"` // bedrock only
	} `json:"llm"`

	Experience struct {
		DBPath        string        `json:"db_path"`
		CleanupCron   string        `json:"cleanup_cron"`
		RetentionDays int           `json:"retention_days"`
	} `json:"experience"`

	StepTimeoutSecs int `json:"step_timeout_seconds"`
}

// WatchInterval is Registry.WatchIntervalSecs as a time.Duration.
func (s Settings) WatchInterval() time.Duration {
	return time.Duration(s.Registry.WatchIntervalSecs) * time.Second
}

// StepTimeout is StepTimeoutSecs as a time.Duration.
func (s Settings) StepTimeout() time.Duration {
	return time.Duration(s.StepTimeoutSecs) * time.Second
}

// Load reads and decodes Settings from path, resolving $include
// directives and environment variable interpolation via LoadRaw.
func Load(path string) (Settings, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return Settings{}, fmt.Errorf("re-encode settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	applyDefaults(&s)
	return s, nil
}

func applyDefaults(s *Settings) {
	if s.Registry.WatchIntervalSecs <= 0 {
		s.Registry.WatchIntervalSecs = 1
	}
	if s.Registry.ManifestPath == "" {
		s.Registry.ManifestPath = "tools/manifest.yaml"
	}
	if s.Registry.ArtifactDir == "" {
		s.Registry.ArtifactDir = "tools/artifacts"
	}
	if s.Experience.DBPath == "" {
		s.Experience.DBPath = "evoagent.db"
	}
	if s.Experience.CleanupCron == "" {
		s.Experience.CleanupCron = "0 3 * * *"
	}
	if s.Experience.RetentionDays <= 0 {
		s.Experience.RetentionDays = 30
	}
	if s.StepTimeoutSecs <= 0 {
		s.StepTimeoutSecs = 30
	}
}
