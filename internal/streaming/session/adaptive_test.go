package session

import (
	"testing"
	"time"
)

func TestAdaptiveBitrateDecreasesOnSustainedLoss(t *testing.T) {
	a := newAdaptiveBitrate(adaptiveConfig{
		InitialBitrate: 2_000_000,
		MinBitrate:     300_000,
		MaxBitrate:     4_000_000,
		MaxFPS:         30,
	})
	start := a.targetBitrate

	for i := 0; i < 5; i++ {
		a.Update(50*time.Millisecond, 0.10)
		a.lastAdjust = time.Time{} // bypass cooldown between synthetic samples
	}

	if a.targetBitrate >= start {
		t.Fatalf("expected bitrate to decrease from %d, got %d", start, a.targetBitrate)
	}
}

func TestAdaptiveBitrateIncreasesAfterStableSamples(t *testing.T) {
	a := newAdaptiveBitrate(adaptiveConfig{
		InitialBitrate: 1_000_000,
		MinBitrate:     300_000,
		MaxBitrate:     4_000_000,
		MaxFPS:         30,
	})
	start := a.targetBitrate

	for i := 0; i < 6; i++ {
		a.Update(20*time.Millisecond, 0.0)
		a.lastAdjust = time.Time{}
	}

	if a.targetBitrate <= start {
		t.Fatalf("expected bitrate to increase from %d, got %d", start, a.targetBitrate)
	}
}

func TestAdaptiveBitrateRespectsFloorAndCeiling(t *testing.T) {
	a := newAdaptiveBitrate(adaptiveConfig{
		InitialBitrate: 1_000_000,
		MinBitrate:     500_000,
		MaxBitrate:     1_200_000,
		MaxFPS:         30,
	})

	for i := 0; i < 50; i++ {
		a.Update(10*time.Millisecond, 0.0)
		a.lastAdjust = time.Time{}
	}
	if a.targetBitrate > 1_200_000 {
		t.Fatalf("bitrate exceeded ceiling: %d", a.targetBitrate)
	}

	for i := 0; i < 50; i++ {
		a.Update(400*time.Millisecond, 0.2)
		a.lastAdjust = time.Time{}
	}
	if a.targetBitrate < 500_000 {
		t.Fatalf("bitrate went below floor: %d", a.targetBitrate)
	}
}

func TestSetMaxBitrateClampsCurrentTarget(t *testing.T) {
	a := newAdaptiveBitrate(adaptiveConfig{
		InitialBitrate: 2_000_000,
		MinBitrate:     300_000,
		MaxBitrate:     4_000_000,
		MaxFPS:         30,
	})
	a.SetMaxBitrate(1_000_000)
	if a.targetBitrate != 1_000_000 {
		t.Fatalf("targetBitrate = %d, want 1000000", a.targetBitrate)
	}
}

func TestClampIntBounds(t *testing.T) {
	if got := clampInt(5, 10, 20); got != 10 {
		t.Fatalf("clampInt(5,10,20) = %d, want 10", got)
	}
	if got := clampInt(25, 10, 20); got != 20 {
		t.Fatalf("clampInt(25,10,20) = %d, want 20", got)
	}
	if got := clampInt(15, 10, 20); got != 15 {
		t.Fatalf("clampInt(15,10,20) = %d, want 15", got)
	}
}
