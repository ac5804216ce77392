// Package config loads the harness's TOML configuration surface of spec §6:
// base system prompt, follow-up queue bound, tool concurrency, retry
// policy, checkpoint-model identifier, and provider/database/redis wiring.
// Agent and permission-rule contents are loaded separately (agentdef,
// permission) since they carry their own persistence/registration paths.
// Grounded on the teacher's internal/config/config.go: same Load/Validate
// shape, same "OrDefault" accessor convention for optional fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Harness  HarnessConfig  `toml:"harness"`
	Storage  StorageConfig  `toml:"storage"`
	Redis    RedisConfig    `toml:"redis"`
	Retry    RetryConfig    `toml:"retry"`
	Subagent SubagentConfig `toml:"subagent"`
}

// HarnessConfig is the Agent Loop's construction-time configuration
// surface (spec §4.6's "Configuration surface" paragraph).
type HarnessConfig struct {
	BaseSystemPrompt string `toml:"base_system_prompt"`
	FollowupMax      int    `toml:"followup_max"`
	ToolConcurrency  int    `toml:"tool_concurrency"`
	CheckpointModel  string `toml:"checkpoint_model"`
}

const (
	defaultFollowupMax     = 100
	defaultToolConcurrency = 8
)

func (h HarnessConfig) FollowupMaxOrDefault() int {
	if h.FollowupMax <= 0 {
		return defaultFollowupMax
	}
	return h.FollowupMax
}

func (h HarnessConfig) ToolConcurrencyOrDefault() int {
	if h.ToolConcurrency <= 0 {
		return defaultToolConcurrency
	}
	return h.ToolConcurrency
}

// StorageConfig points at the SQLite file backing both the Storage
// Repository and the Event Store.
type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

func (s StorageConfig) DBPathOrDefault() string {
	if s.DBPath == "" {
		return "harness.db"
	}
	return s.DBPath
}

// RedisConfig configures the Event Store's live fan-out transport. Empty
// Addr means "in-process only" (eventbus.New instead of NewWithRedis).
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// RetryConfig is the Retry Policy's TOML-loadable form (spec §4.7).
type RetryConfig struct {
	MaxAttempts      int     `toml:"max_attempts"`
	InitialDelayMs   int     `toml:"initial_delay_ms"`
	BackoffFactor    float64 `toml:"backoff_factor"`
	MaxDelayMs       int     `toml:"max_delay_ms"`
	MaxRetryAfterSec int     `toml:"max_retry_after_sec"`
}

func (r RetryConfig) InitialDelay() time.Duration {
	if r.InitialDelayMs <= 0 {
		return 0
	}
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	if r.MaxDelayMs <= 0 {
		return 0
	}
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

func (r RetryConfig) MaxRetryAfter() time.Duration {
	if r.MaxRetryAfterSec <= 0 {
		return 0
	}
	return time.Duration(r.MaxRetryAfterSec) * time.Second
}

// SubagentConfig bounds sub-agent runs (spec §4.8's SubagentRunnerConfig).
type SubagentConfig struct {
	MaxAttempts    int `toml:"max_attempts"`
	InitialDelayMs int `toml:"initial_delay_ms"`
	MaxDelayMs     int `toml:"max_delay_ms"`
	TimeoutMs      int `toml:"timeout_ms"`
}

func (s SubagentConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Load reads configuration from a TOML file. path must exist.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error describing every invalid field at once,
// matching the teacher's errors.Join convention.
func (c *Config) Validate() error {
	var errs []error

	if c.Retry.BackoffFactor != 0 && c.Retry.BackoffFactor < 1.0 {
		errs = append(errs, fmt.Errorf("retry.backoff_factor=%v must be >= 1.0", c.Retry.BackoffFactor))
	}
	if c.Harness.FollowupMax < 0 {
		errs = append(errs, errors.New("harness.followup_max must not be negative"))
	}
	if c.Harness.ToolConcurrency < 0 {
		errs = append(errs, errors.New("harness.tool_concurrency must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
