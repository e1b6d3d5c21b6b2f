// Package config loads Reigh configuration from YAML with environment
// overrides. The scheduling defaults mirror the production values: a hard
// per-user concurrency cap of 5, timeline frame spacing of 50, and a
// 10-minute stuck-task threshold.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Reigh core configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Timeline  TimelineConfig  `yaml:"timeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig configures the SQLite entity store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SchedulerConfig configures the claim and count engines.
type SchedulerConfig struct {
	// MaxInProgressPerUser is the hard per-user concurrency cap.
	MaxInProgressPerUser int `yaml:"max_in_progress_per_user"`

	// StuckTaskThreshold marks In Progress tasks older than this as stuck
	// (reporting signal only, no automatic recovery).
	StuckTaskThreshold string `yaml:"stuck_task_threshold"`
}

// TimelineConfig configures the shot timeline engine.
type TimelineConfig struct {
	// FrameSpacing is the gap between auto-assigned timeline frames.
	FrameSpacing int64 `yaml:"frame_spacing"`
}

// LoggingConfig mirrors internal/logging's config shape.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "reigh",
		Version: "1.0.0",

		Storage: StorageConfig{
			DatabasePath: "data/reigh.db",
		},

		Scheduler: SchedulerConfig{
			MaxInProgressPerUser: 5,
			StuckTaskThreshold:   "10m",
		},

		Timeline: TimelineConfig{
			FrameSpacing: 50,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads a YAML config file, falling back to defaults when absent.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the config back to disk as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REIGH_DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("REIGH_MAX_IN_PROGRESS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxInProgressPerUser = n
		}
	}
	if v := os.Getenv("REIGH_FRAME_SPACING"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Timeline.FrameSpacing = n
		}
	}
	if v := os.Getenv("REIGH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// GetStuckTaskThreshold parses the stuck-task threshold duration.
func (c *Config) GetStuckTaskThreshold() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.StuckTaskThreshold)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// Validate checks config consistency.
func (c *Config) Validate() error {
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Scheduler.MaxInProgressPerUser <= 0 {
		return fmt.Errorf("scheduler.max_in_progress_per_user must be positive")
	}
	if c.Timeline.FrameSpacing <= 0 {
		return fmt.Errorf("timeline.frame_spacing must be positive")
	}
	return nil
}
