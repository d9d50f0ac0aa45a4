// Package config handles configuration loading for conductor. It supports
// XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for conductor.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Store     StoreConfig     `mapstructure:"store"`
	Engine    EngineConfig    `mapstructure:"engine"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
}

// AnthropicConfig holds Anthropic API settings for the execution collaborator.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Path is the SQLite database file. Empty uses the XDG default.
	Path string `mapstructure:"path"`
}

// EngineConfig holds engine loop and limit settings.
type EngineConfig struct {
	// PipelineConcurrency bounds in-flight executions per pipeline.
	PipelineConcurrency int `mapstructure:"pipeline_concurrency"`
	// ExecutionTimeout is the watchdog ceiling for pipeline executions.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	// AgentTaskTimeout is the watchdog ceiling for agent tasks.
	AgentTaskTimeout time.Duration `mapstructure:"agent_task_timeout"`
	// WatchdogInterval is how often stale work is scanned for.
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	// WorkerPoll is how long idle agent workers sleep between queue checks.
	WorkerPoll time.Duration `mapstructure:"worker_poll"`
	// EventBuffer sizes the engine event channel.
	EventBuffer int `mapstructure:"event_buffer"`
}

// RateLimitConfig holds webhook admission settings.
type RateLimitConfig struct {
	// Requests is the per-key budget per window.
	Requests int `mapstructure:"requests"`
	// Window is the fixed rate-limit window.
	Window time.Duration `mapstructure:"window"`
}

// IngestConfig holds event processing settings.
type IngestConfig struct {
	// MaxAttempts bounds processing retries per event.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffBase scales the linear retry backoff.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// SweepInterval is how often due retries are re-submitted.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (CONDUCTOR_*, ANTHROPIC_API_KEY)
// 2. Project config (.conductor.yaml in current directory or a parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CONDUCTOR")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("store.path", "CONDUCTOR_STORE_PATH")
	v.BindEnv("engine.pipeline_concurrency", "CONDUCTOR_PIPELINE_CONCURRENCY")
	v.BindEnv("rate_limit.requests", "CONDUCTOR_RATE_LIMIT_REQUESTS")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("store.path", cfg.Store.Path)
	v.Set("engine.pipeline_concurrency", cfg.Engine.PipelineConcurrency)
	v.Set("engine.execution_timeout", cfg.Engine.ExecutionTimeout.String())
	v.Set("engine.agent_task_timeout", cfg.Engine.AgentTaskTimeout.String())
	v.Set("engine.watchdog_interval", cfg.Engine.WatchdogInterval.String())
	v.Set("rate_limit.requests", cfg.RateLimit.Requests)
	v.Set("rate_limit.window", cfg.RateLimit.Window.String())
	v.Set("ingest.max_attempts", cfg.Ingest.MaxAttempts)
	v.Set("ingest.backoff_base", cfg.Ingest.BackoffBase.String())
	v.Set("ingest.sweep_interval", cfg.Ingest.SweepInterval.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if one
// exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.use_bedrock", false)

	v.SetDefault("store.path", "")

	v.SetDefault("engine.pipeline_concurrency", 3)
	v.SetDefault("engine.execution_timeout", "30m")
	v.SetDefault("engine.agent_task_timeout", "15m")
	v.SetDefault("engine.watchdog_interval", "1m")
	v.SetDefault("engine.worker_poll", "2s")
	v.SetDefault("engine.event_buffer", 256)

	v.SetDefault("rate_limit.requests", 60)
	v.SetDefault("rate_limit.window", "60s")

	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.backoff_base", "5m")
	v.SetDefault("ingest.sweep_interval", "30s")
}

// getUserConfigDir returns the XDG config directory for conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			PipelineConcurrency: 3,
			ExecutionTimeout:    30 * time.Minute,
			AgentTaskTimeout:    15 * time.Minute,
			WatchdogInterval:    time.Minute,
			WorkerPoll:          2 * time.Second,
			EventBuffer:         256,
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Window:   time.Minute,
		},
		Ingest: IngestConfig{
			MaxAttempts:   3,
			BackoffBase:   5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
	}
}
