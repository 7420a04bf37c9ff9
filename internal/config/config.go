// Package config provides configuration management for surf.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultAddr        = "127.0.0.1:8787"
	DefaultModel       = "gpt-4.1-mini"
	DefaultRealtimeURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2024-12-17"
)

// Config holds all runtime settings.
type Config struct {
	Addr     string `yaml:"addr"`
	DBPath   string `yaml:"db_path"`
	MaxConns int    `yaml:"max_conns"`

	// Ledger polling stream.
	TaskPollInterval  time.Duration `yaml:"task_poll_interval"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	MaxEventsPerPoll  int           `yaml:"max_events_per_poll"`

	// Step relay subscriber queue depth.
	StepQueueSize int `yaml:"step_queue_size"`

	// Text generation / speech upstream.
	OpenAIAPIKey string `yaml:"openai_api_key"`
	OpenAIModel  string `yaml:"openai_model"`
	RealtimeURL  string `yaml:"realtime_url"`

	// Automation engine sidecar. Empty disables task execution.
	EngineURL string `yaml:"engine_url"`

	// Knowledge-graph memory. Empty disables memory (graceful no-op).
	FalkorAddr     string `yaml:"falkor_addr"`
	FalkorGraph    string `yaml:"falkor_graph"`
	MemoryUserID   string `yaml:"memory_user_id"`
	MemoryUserName string `yaml:"memory_user_name"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Addr:              DefaultAddr,
		DBPath:            DBPath(),
		MaxConns:          4,
		TaskPollInterval:  2 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		MaxEventsPerPoll:  100,
		StepQueueSize:     64,
		OpenAIModel:       DefaultModel,
		RealtimeURL:       DefaultRealtimeURL,
		FalkorGraph:       "surf_memory",
		MemoryUserID:      "surf_local_user",
		MemoryUserName:    "User",
	}
}

// DataDir returns the surf data directory under the user's home.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".surf"
	}
	return filepath.Join(home, ".surf")
}

// DBPath returns the default database path.
func DBPath() string {
	return filepath.Join(DataDir(), "surf.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.yaml")
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// Load reads the settings file (if present) over the defaults, then
// applies environment overrides for secrets.
func Load() (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse settings: %w", err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("SURF_ENGINE_URL"); v != "" {
		cfg.EngineURL = v
	}
	if v := os.Getenv("SURF_FALKOR_ADDR"); v != "" {
		cfg.FalkorAddr = v
	}
	if v := os.Getenv("SURF_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SURF_ADDR"); v != "" {
		cfg.Addr = v
	}
}
