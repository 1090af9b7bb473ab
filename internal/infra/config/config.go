// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Engine types.
const (
	EngineLocal  = "local"
	EngineRemote = "remote"
	EngineMPRIS  = "mpris"
)

// EngineTypes lists the supported engine types.
var EngineTypes = []string{EngineLocal, EngineRemote, EngineMPRIS}

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Host       HostConfig       `yaml:"host"`
	Engine     EngineConfig     `yaml:"engine"`
	SleepTimer SleepTimerConfig `yaml:"sleep_timer"`
	Cache      CacheConfig      `yaml:"cache"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig configures the daemon's control endpoint.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:":7300"`
	Token string      `yaml:"token"`
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// HostConfig configures the standalone engine process.
type HostConfig struct {
	Addr   string         `yaml:"addr" default:":7301"`
	Token  string         `yaml:"token"`
	Player map[string]any `yaml:"player"`
}

// EngineConfig selects the playback engine the daemon controls.
type EngineConfig struct {
	Type             string         `yaml:"type" default:"local" validate:"oneof=local remote mpris"`
	ConnectTimeoutMs int            `yaml:"connect_timeout_ms" default:"10000" validate:"gt=0"`
	CommandTimeoutMs int            `yaml:"command_timeout_ms" default:"5000" validate:"gt=0"`
	Settings         map[string]any `yaml:"settings"`
}

// SleepTimerConfig tunes the sleep timer.
type SleepTimerConfig struct {
	MinDurationMs  int     `yaml:"min_duration_ms" default:"1000" validate:"gt=0"`
	TickIntervalMs int     `yaml:"tick_interval_ms" default:"1000" validate:"gt=0"`
	PollIntervalMs int     `yaml:"poll_interval_ms" default:"400" validate:"gt=0"`
	FadeDurationMs int     `yaml:"fade_duration_ms" default:"2500" validate:"gt=0"`
	FadeStepMs     int     `yaml:"fade_step_ms" default:"125" validate:"gt=0,ltefield=FadeDurationMs"`
	MinFadeVolume  float32 `yaml:"min_fade_volume" default:"0.01" validate:"gte=0,lte=1"`
}

// CacheConfig configures the media cache.
type CacheConfig struct {
	Enabled         *bool   `yaml:"enabled" default:"true"`
	MaxSizeMB       int     `yaml:"max_size_mb" default:"1024" validate:"gt=0"`
	Dir             string  `yaml:"dir" default:"./data/cache" validate:"required"`
	DBPath          string  `yaml:"db_path"` // Defaults to index.db inside Dir
	Workers         int     `yaml:"workers" default:"2" validate:"gt=0,lte=16"`
	StartsPerSecond float64 `yaml:"starts_per_second" default:"4" validate:"gt=0"`
	PollIntervalMs  int     `yaml:"poll_interval_ms" default:"1000" validate:"gt=0"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
	Output string `yaml:"output" default:"stdout"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse builds a configuration from YAML data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("KMEDIA_TOKEN"); v != "" {
		c.Server.Token = v
		c.Host.Token = v
	}
	if v := os.Getenv("KMEDIA_ENGINE_URL"); v != "" {
		if c.Engine.Settings == nil {
			c.Engine.Settings = make(map[string]any)
		}
		c.Engine.Settings["url"] = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}
	return nil
}

// ConnectTimeout returns the engine connect timeout.
func (c EngineConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// CommandTimeout returns the engine command timeout.
func (c EngineConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// IsEnabled reports whether caching is enabled. Unset means enabled.
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
