// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Store      StoreConfig      `yaml:"store"`
	Registry   RegistryConfig   `yaml:"registry"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Service    ServiceConfig    `yaml:"service"`
	// Agents maps capability tags to the agent name that serves them.
	Agents map[string]string `yaml:"agents"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// StoreConfig holds session store settings. Durations are strings ("1h",
// "30s") so the YAML stays human-editable.
type StoreConfig struct {
	RedisURL           string `yaml:"redis_url"` // empty = in-process fallback only
	DefaultTTL         string `yaml:"default_ttl"`
	BreakerMaxFailures int    `yaml:"breaker_max_failures"`
	BreakerTimeout     string `yaml:"breaker_timeout"`
}

// TTL returns the parsed session TTL.
func (c StoreConfig) TTL() time.Duration { return mustDuration(c.DefaultTTL) }

// BreakerTimeoutDuration returns the parsed circuit breaker open interval.
func (c StoreConfig) BreakerTimeoutDuration() time.Duration { return mustDuration(c.BreakerTimeout) }

// RegistryConfig holds agent registry settings.
type RegistryConfig struct {
	Workers int `yaml:"workers"`
}

// SupervisorConfig identifies this process's supervisor node.
type SupervisorConfig struct {
	NodeID            string   `yaml:"node_id"` // generated at startup if empty
	Address           string   `yaml:"address"`
	MaxSessions       int      `yaml:"max_concurrent_sessions"`
	Capabilities      []string `yaml:"capabilities"`
	HeartbeatInterval string   `yaml:"heartbeat_interval"`
}

// SchedulerConfig holds maintenance task settings.
type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SweepSchedule string `yaml:"sweep_schedule"` // cron expression or duration
	SessionMaxAge string `yaml:"session_max_age"`
}

// SessionMaxAgeDuration returns the parsed sweep cutoff age.
func (c SchedulerConfig) SessionMaxAgeDuration() time.Duration {
	return mustDuration(c.SessionMaxAge)
}

// ServiceConfig holds service boundary settings.
type ServiceConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"` // 0 disables rate limiting
	RateBurst     int     `yaml:"rate_burst"`
}

// Defaults returns a fully populated default configuration.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Store: StoreConfig{
			DefaultTTL:         "1h",
			BreakerMaxFailures: 5,
			BreakerTimeout:     "30s",
		},
		Registry: RegistryConfig{
			Workers: 10,
		},
		Supervisor: SupervisorConfig{
			Address:           "localhost:9000",
			MaxSessions:       100,
			Capabilities:      []string{"calendar", "scheduling", "modification", "deletion"},
			HeartbeatInterval: "30s",
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			SweepSchedule: "5m",
			SessionMaxAge: "24h",
		},
		Service: ServiceConfig{
			RatePerSecond: 0,
			RateBurst:     1,
		},
		Agents: map[string]string{
			"calendar":     "calendar_checker_agent",
			"scheduling":   "event_scheduler_agent",
			"modification": "event_modifier_agent",
			"deletion":     "event_remover_agent",
		},
	}
}

// Load reads the YAML config at path on top of Defaults, applies CALROUTE_*
// env overrides, and validates. A missing file is not an error: defaults plus
// env apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fall through to env + validate
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CALROUTE_* env vars onto config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALROUTE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CALROUTE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CALROUTE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CALROUTE_REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("CALROUTE_NODE_ID"); v != "" {
		cfg.Supervisor.NodeID = v
	}
	if v := os.Getenv("CALROUTE_NODE_ADDRESS"); v != "" {
		cfg.Supervisor.Address = v
	}
	if v := os.Getenv("CALROUTE_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.MaxSessions = n
		}
	}
}

// mustDuration parses a duration string already vetted by Validate.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", s, err))
	}
	return d
}
