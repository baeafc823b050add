// Package config defines and loads mend's configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mendcore/mend/internal/model"
)

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Watcher    WatcherConfig    `yaml:"watcher"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Engine     EngineConfig     `yaml:"engine"`
	State      StateConfig      `yaml:"state"`
	Planner    CommandConfig    `yaml:"planner"`
	Fixer      CommandConfig    `yaml:"fixer"`
	Verifier   CommandConfig    `yaml:"verifier"`
	Escalation EscalationConfig `yaml:"escalation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

type WatcherConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Paths       []string `yaml:"paths"`
	Ignore      []string `yaml:"ignore"`
	DebounceMs  int      `yaml:"debounce_ms"`
	EventBuffer int      `yaml:"event_buffer"`
}

type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	BackoffBaseMs int `yaml:"backoff_base_ms"`
	BackoffMaxMs  int `yaml:"backoff_max_ms"`
}

type BreakerConfig struct {
	Threshold int `yaml:"threshold"`
	WindowSec int `yaml:"window_sec"`
}

type EngineConfig struct {
	IdlePollMs             int `yaml:"idle_poll_ms"`
	HeartbeatIntervalSec   int `yaml:"heartbeat_interval_sec"`
	HealthCheckIntervalSec int `yaml:"health_check_interval_sec"`
	ShutdownTimeoutSec     int `yaml:"shutdown_timeout_sec"`
}

type StateConfig struct {
	LockTimeoutMs      int `yaml:"lock_timeout_ms"`
	MaxCompleted       int `yaml:"max_completed"`
	MaxFailed          int `yaml:"max_failed"`
	MaxHistory         int `yaml:"max_history"`
	MaxVerificationLog int `yaml:"max_verification_log"`
}

// CommandConfig describes an external program boundary (planner, fixer,
// verifier). Command is an argv vector; an empty vector selects the built-in
// no-op adapter.
type CommandConfig struct {
	Command    []string `yaml:"command"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

type EscalationConfig struct {
	Channels []ChannelConfig `yaml:"channels"`
}

type ChannelConfig struct {
	Type       string   `yaml:"type"` // "file", "webhook", "desktop", "command"
	URL        string   `yaml:"url,omitempty"`
	Command    []string `yaml:"command,omitempty"`
	TimeoutSec int      `yaml:"timeout_sec,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout"
}

func Default() *Config {
	return &Config{
		Watcher: WatcherConfig{
			Enabled:     true,
			Paths:       []string{"."},
			Ignore:      []string{".git/**", ".mend/**", "*.tmp", "*.swp", "*~"},
			DebounceMs:  500,
			EventBuffer: 64,
		},
		Retry: RetryConfig{
			MaxRetries:    5,
			BackoffBaseMs: 1000,
			BackoffMaxMs:  60000,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			WindowSec: 300,
		},
		Engine: EngineConfig{
			IdlePollMs:             1000,
			HeartbeatIntervalSec:   30,
			HealthCheckIntervalSec: 300,
			ShutdownTimeoutSec:     30,
		},
		State: StateConfig{
			LockTimeoutMs:      5000,
			MaxCompleted:       50,
			MaxFailed:          50,
			MaxHistory:         100,
			MaxVerificationLog: 100,
		},
		Planner:  CommandConfig{TimeoutSec: 60},
		Fixer:    CommandConfig{TimeoutSec: 600},
		Verifier: CommandConfig{TimeoutSec: 600},
		Escalation: EscalationConfig{
			Channels: []ChannelConfig{{Type: "file"}},
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Enabled: false, Exporter: "stdout"},
	}
}

// Load reads path and overlays its values on the defaults. A missing file is
// not an error; the defaults apply as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be >= 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffBaseMs < 0 || c.Retry.BackoffMaxMs < 0 {
		return fmt.Errorf("retry backoff values must be >= 0")
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be >= 1, got %d", c.Breaker.Threshold)
	}
	if c.Breaker.WindowSec < 1 {
		return fmt.Errorf("breaker.window_sec must be >= 1, got %d", c.Breaker.WindowSec)
	}
	if c.Engine.IdlePollMs < 1 {
		return fmt.Errorf("engine.idle_poll_ms must be >= 1, got %d", c.Engine.IdlePollMs)
	}
	if c.Engine.ShutdownTimeoutSec < 1 {
		return fmt.Errorf("engine.shutdown_timeout_sec must be >= 1, got %d", c.Engine.ShutdownTimeoutSec)
	}
	if c.State.LockTimeoutMs < 1 {
		return fmt.Errorf("state.lock_timeout_ms must be >= 1, got %d", c.State.LockTimeoutMs)
	}
	for i, ch := range c.Escalation.Channels {
		switch ch.Type {
		case "file", "desktop":
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("escalation.channels[%d]: webhook channel requires url", i)
			}
		case "command":
			if len(ch.Command) == 0 {
				return fmt.Errorf("escalation.channels[%d]: command channel requires command", i)
			}
		default:
			return fmt.Errorf("escalation.channels[%d]: unknown type %q", i, ch.Type)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug|info|warn|error, got %q", c.Logging.Level)
	}
	return nil
}

func (w WatcherConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

func (r RetryConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseMs) * time.Millisecond
}

func (r RetryConfig) BackoffMax() time.Duration {
	return time.Duration(r.BackoffMaxMs) * time.Millisecond
}

func (b BreakerConfig) Window() time.Duration {
	return time.Duration(b.WindowSec) * time.Second
}

func (e EngineConfig) IdlePoll() time.Duration {
	return time.Duration(e.IdlePollMs) * time.Millisecond
}

func (e EngineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(e.HeartbeatIntervalSec) * time.Second
}

func (e EngineConfig) HealthCheckInterval() time.Duration {
	return time.Duration(e.HealthCheckIntervalSec) * time.Second
}

func (e EngineConfig) ShutdownTimeout() time.Duration {
	return time.Duration(e.ShutdownTimeoutSec) * time.Second
}

func (s StateConfig) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutMs) * time.Millisecond
}

// Bounds maps the configured caps onto the document bounds.
func (s StateConfig) Bounds() model.Bounds {
	return model.Bounds{
		Completed:       s.MaxCompleted,
		Failed:          s.MaxFailed,
		History:         s.MaxHistory,
		VerificationLog: s.MaxVerificationLog,
	}
}

func (c CommandConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c ChannelConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}
