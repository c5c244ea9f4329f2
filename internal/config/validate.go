package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationResult separates fatal config errors (block startup) from
// warnings (logged, value clamped, startup continues).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings, for callers that just want
// a flat list to print.
func (r *ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

func (r *ValidationResult) fatal(err error) {
	r.Fatals = append(r.Fatals, err)
}

func (r *ValidationResult) warn(err error) {
	r.Warnings = append(r.Warnings, err)
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// ValidateTiered checks the config for invalid values. Dangerous zero/out-of-range
// values that would cause a panic or nonsensical behavior downstream are clamped
// to safe defaults and reported as warnings; structurally invalid values that
// cannot be safely clamped (empty listen address, bad TURN URL scheme) are fatal.
func (c *Config) ValidateTiered() *ValidationResult {
	r := &ValidationResult{}

	if c.ListenAddr == "" {
		r.fatal(fmt.Errorf("listen_addr must not be empty"))
	}

	if c.TURNServer != "" {
		u, err := url.Parse(c.TURNServer)
		if err != nil || (u.Scheme != "turn" && u.Scheme != "turns" && u.Scheme != "") {
			r.fatal(fmt.Errorf("turn_server %q is not a valid turn(s):// URL", c.TURNServer))
		}
	}

	if c.DefaultWidth <= 0 || c.DefaultHeight <= 0 {
		r.warn(fmt.Errorf("default_width/default_height must be positive, clamping to 1280x720"))
		c.DefaultWidth, c.DefaultHeight = 1280, 720
	}

	if c.DefaultFrameRate < 1 {
		r.warn(fmt.Errorf("default_frame_rate %d below minimum 1, clamping", c.DefaultFrameRate))
		c.DefaultFrameRate = 1
	} else if c.DefaultFrameRate > 60 {
		r.warn(fmt.Errorf("default_frame_rate %d exceeds maximum 60, clamping", c.DefaultFrameRate))
		c.DefaultFrameRate = 60
	}

	if c.SessionTTLSeconds < 60 {
		r.warn(fmt.Errorf("session_ttl_seconds %d below minimum 60, clamping", c.SessionTTLSeconds))
		c.SessionTTLSeconds = 60
	}

	if c.IdleTimeoutSeconds < 10 {
		r.warn(fmt.Errorf("idle_timeout_seconds %d below minimum 10, clamping", c.IdleTimeoutSeconds))
		c.IdleTimeoutSeconds = 10
	}

	if c.ShutdownGraceSeconds < 0 {
		r.warn(fmt.Errorf("shutdown_grace_seconds %d is negative, clamping to 0", c.ShutdownGraceSeconds))
		c.ShutdownGraceSeconds = 0
	}

	if c.CPUQuotaPercent <= 0 || c.CPUQuotaPercent > 100 {
		r.warn(fmt.Errorf("cpu_quota_percent %d out of range (1-100), clamping to 50", c.CPUQuotaPercent))
		c.CPUQuotaPercent = 50
	}

	if c.MemoryLimitMB <= 0 {
		r.warn(fmt.Errorf("memory_limit_mb %d must be positive, clamping to 512", c.MemoryLimitMB))
		c.MemoryLimitMB = 512
	}

	if c.PidsLimit <= 0 {
		r.warn(fmt.Errorf("pids_limit %d must be positive, clamping to 100", c.PidsLimit))
		c.PidsLimit = 100
	}

	if c.ScrollSensitivity <= 0 {
		r.warn(fmt.Errorf("scroll_sensitivity %.1f must be positive, clamping to 150", c.ScrollSensitivity))
		c.ScrollSensitivity = 150
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.warn(fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.warn(fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.MaxConcurrentSessions < 1 {
		r.warn(fmt.Errorf("max_concurrent_sessions %d below minimum 1, clamping", c.MaxConcurrentSessions))
		c.MaxConcurrentSessions = 1
	}

	return r
}
