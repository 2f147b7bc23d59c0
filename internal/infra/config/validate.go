package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors so a caller sees
// every problem at once.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. Returns a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateStore(cfg, ve)
	validateRegistry(cfg, ve)
	validateSupervisor(cfg, ve)
	validateScheduler(cfg, ve)
	validateService(cfg, ve)
	validateAgents(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if f := strings.ToLower(cfg.Logger.Format); f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if e := cfg.Tracer.Exporter; e != "stdout" && e != "noop" && e != "" {
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", e)
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	checkDuration(ve, "store.default_ttl", cfg.Store.DefaultTTL)
	checkDuration(ve, "store.breaker_timeout", cfg.Store.BreakerTimeout)
	if cfg.Store.BreakerMaxFailures <= 0 {
		ve.Add("store.breaker_max_failures must be > 0")
	}
}

func validateRegistry(cfg *Config, ve *ValidationError) {
	if cfg.Registry.Workers <= 0 {
		ve.Add("registry.workers must be > 0")
	}
}

var validCapabilities = map[string]bool{
	"calendar": true, "scheduling": true, "modification": true, "deletion": true,
}

func validateSupervisor(cfg *Config, ve *ValidationError) {
	if cfg.Supervisor.Address == "" {
		ve.Add("supervisor.address must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Supervisor.Address); err != nil {
		ve.Add("supervisor.address %q is not a valid host:port", cfg.Supervisor.Address)
	}
	if cfg.Supervisor.MaxSessions <= 0 {
		ve.Add("supervisor.max_concurrent_sessions must be > 0")
	}
	if len(cfg.Supervisor.Capabilities) == 0 {
		ve.Add("supervisor.capabilities must have at least one entry")
	}
	for i, c := range cfg.Supervisor.Capabilities {
		if !validCapabilities[c] {
			ve.Add("supervisor.capabilities[%d] %q is invalid (want: calendar, scheduling, modification, deletion)", i, c)
		}
	}
	checkDuration(ve, "supervisor.heartbeat_interval", cfg.Supervisor.HeartbeatInterval)
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	if cfg.Scheduler.SweepSchedule == "" {
		ve.Add("scheduler.sweep_schedule is required when the scheduler is enabled")
	}
	checkDuration(ve, "scheduler.session_max_age", cfg.Scheduler.SessionMaxAge)
}

func validateService(cfg *Config, ve *ValidationError) {
	if cfg.Service.RatePerSecond < 0 {
		ve.Add("service.rate_per_second must be >= 0")
	}
	if cfg.Service.RatePerSecond > 0 && cfg.Service.RateBurst <= 0 {
		ve.Add("service.rate_burst must be > 0 when rate limiting is enabled")
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	for tag, name := range cfg.Agents {
		if !validCapabilities[tag] {
			ve.Add("agents key %q is invalid (want: calendar, scheduling, modification, deletion)", tag)
		}
		if name == "" {
			ve.Add("agents[%q] must name an agent", tag)
		}
	}
}

func checkDuration(ve *ValidationError, field, value string) {
	if value == "" {
		ve.Add("%s is required", field)
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		ve.Add("%s %q is not a valid duration", field, value)
		return
	}
	if d <= 0 {
		ve.Add("%s must be positive", field)
	}
}
