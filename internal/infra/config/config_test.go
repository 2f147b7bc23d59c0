package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.TTL() != time.Hour {
		t.Errorf("default TTL = %v, want 1h", cfg.Store.TTL())
	}
	if cfg.Registry.Workers != 10 {
		t.Errorf("default workers = %d, want 10", cfg.Registry.Workers)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: debug
  format: json
store:
  redis_url: "redis://localhost:6379"
  default_ttl: "30m"
supervisor:
  node_id: "node-test"
  address: "127.0.0.1:9001"
  max_concurrent_sessions: 5
  capabilities: ["calendar", "scheduling"]
service:
  rate_per_second: 2.5
  rate_burst: 5
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "json" {
		t.Errorf("logger not overridden: %+v", cfg.Logger)
	}
	if cfg.Store.TTL() != 30*time.Minute {
		t.Errorf("TTL = %v, want 30m", cfg.Store.TTL())
	}
	if cfg.Supervisor.MaxSessions != 5 {
		t.Errorf("max sessions = %d, want 5", cfg.Supervisor.MaxSessions)
	}
	// Untouched sections keep defaults.
	if cfg.Scheduler.SweepSchedule != "5m" {
		t.Errorf("sweep schedule = %q, want default 5m", cfg.Scheduler.SweepSchedule)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logger: ["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CALROUTE_LOGGER_LEVEL", "warn")
	t.Setenv("CALROUTE_REDIS_URL", "redis://example:6379")
	t.Setenv("CALROUTE_MAX_SESSIONS", "42")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "warn" {
		t.Errorf("level = %q, want warn", cfg.Logger.Level)
	}
	if cfg.Store.RedisURL != "redis://example:6379" {
		t.Errorf("redis url = %q", cfg.Store.RedisURL)
	}
	if cfg.Supervisor.MaxSessions != 42 {
		t.Errorf("max sessions = %d, want 42", cfg.Supervisor.MaxSessions)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "loud"
	cfg.Store.DefaultTTL = "soon"
	cfg.Registry.Workers = 0
	cfg.Supervisor.MaxSessions = -1
	cfg.Supervisor.Capabilities = []string{"telepathy"}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("want *ValidationError, got %T", err)
	}
	if len(ve.Errors) < 5 {
		t.Errorf("expected at least 5 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateAgentBindings(t *testing.T) {
	cfg := Defaults()
	cfg.Agents["telepathy"] = "mind_reader_agent"
	cfg.Agents["deletion"] = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	ve := err.(*ValidationError)
	if len(ve.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateSchedulerDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Scheduler.Enabled = false
	cfg.Scheduler.SweepSchedule = ""
	cfg.Scheduler.SessionMaxAge = ""

	if err := Validate(cfg); err != nil {
		t.Errorf("disabled scheduler must not be validated: %v", err)
	}
}
