package config

import (
	"fmt"
	"testing"
)

func TestValidateTieredEmptyListenAddrIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ListenAddr = ""
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("empty listen_addr should be fatal")
	}
}

func TestValidateTieredBadTURNSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.TURNServer = "https://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("non turn(s):// TURN server should be fatal")
	}
}

func TestValidateTieredZeroDimensionsIsWarning(t *testing.T) {
	cfg := Default()
	cfg.DefaultWidth = 0
	cfg.DefaultHeight = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped dimensions should be a warning, not fatal: %v", result.Fatals)
	}
	if cfg.DefaultWidth != 1280 || cfg.DefaultHeight != 720 {
		t.Fatalf("dimensions = %dx%d, want 1280x720 (clamped)", cfg.DefaultWidth, cfg.DefaultHeight)
	}
}

func TestValidateTieredFrameRateClamping(t *testing.T) {
	cfg := Default()
	cfg.DefaultFrameRate = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped frame rate should be warning: %v", result.Fatals)
	}
	if cfg.DefaultFrameRate != 1 {
		t.Fatalf("DefaultFrameRate = %d, want 1", cfg.DefaultFrameRate)
	}

	cfg2 := Default()
	cfg2.DefaultFrameRate = 999
	cfg2.ValidateTiered()
	if cfg2.DefaultFrameRate != 60 {
		t.Fatalf("DefaultFrameRate = %d, want 60", cfg2.DefaultFrameRate)
	}
}

func TestValidateTieredCPUQuotaClamping(t *testing.T) {
	cfg := Default()
	cfg.CPUQuotaPercent = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped cpu quota should be warning: %v", result.Fatals)
	}
	if cfg.CPUQuotaPercent != 50 {
		t.Fatalf("CPUQuotaPercent = %d, want 50", cfg.CPUQuotaPercent)
	}
}

func TestValidateTieredScrollSensitivityClamping(t *testing.T) {
	cfg := Default()
	cfg.ScrollSensitivity = -1
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped scroll sensitivity should be warning: %v", result.Fatals)
	}
	if cfg.ScrollSensitivity != 150 {
		t.Fatalf("ScrollSensitivity = %v, want 150", cfg.ScrollSensitivity)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestValidateTieredMaxConcurrentSessionsClamping(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentSessions = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped max sessions should be warning: %v", result.Fatals)
	}
	if cfg.MaxConcurrentSessions != 1 {
		t.Fatalf("MaxConcurrentSessions = %d, want 1", cfg.MaxConcurrentSessions)
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := Default()
	cfg.TURNServer = "https://bad"    // fatal
	cfg.LogFormat = "xml"             // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid default config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid default config has warnings: %v", result.Warnings)
	}
}
