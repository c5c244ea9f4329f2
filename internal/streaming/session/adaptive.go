package session

import (
	"sync"
	"time"

	"github.com/sandboxrun/supervisor/internal/sandbox/encoder"
)

// minBitsPerFrame is the floor each frame should receive; when bitrate
// drops, frame rate is scaled down to keep bits-per-frame above this
// threshold, avoiding a pile-up of low-quality frames.
const minBitsPerFrame = 40_000

const ewmaAlpha = 0.3

// adaptiveBitrate is an AIMD (additive-increase, multiplicative-decrease)
// bitrate controller driven by RTCP RTT/loss samples: multiplicative 0.70x
// decrease on sustained loss, additive +5%-of-ceiling increase on
// sustained clean samples, both gated behind an EWMA to ignore transient
// spikes.
type adaptiveBitrate struct {
	mu sync.Mutex

	enc        *encoder.Pipeline
	minBitrate int
	maxBitrate int
	cooldown   time.Duration
	lastAdjust time.Time

	targetBitrate int
	maxFPS        int
	currentFPS    int
	onFPSChange   func(int)

	smoothedLoss float64
	smoothedRTT  time.Duration
	samplesCount int
	stableCount  int
}

type adaptiveConfig struct {
	Encoder        *encoder.Pipeline
	InitialBitrate int
	MinBitrate     int
	MaxBitrate     int
	MaxFPS         int
	OnFPSChange    func(int)
}

func newAdaptiveBitrate(cfg adaptiveConfig) *adaptiveBitrate {
	minBitrate := cfg.MinBitrate
	if minBitrate <= 0 {
		minBitrate = 500_000
	}
	maxBitrate := cfg.MaxBitrate
	if maxBitrate <= 0 || maxBitrate < minBitrate {
		maxBitrate = 8_000_000
	}
	initial := cfg.InitialBitrate
	if initial <= 0 {
		initial = minBitrate
	}
	initial = clampInt(initial, minBitrate, maxBitrate)

	maxFPS := cfg.MaxFPS
	if maxFPS <= 0 {
		maxFPS = 30
	}

	return &adaptiveBitrate{
		enc:           cfg.Encoder,
		minBitrate:    minBitrate,
		maxBitrate:    maxBitrate,
		cooldown:      500 * time.Millisecond,
		targetBitrate: initial,
		maxFPS:        maxFPS,
		currentFPS:    clampInt(initial/minBitsPerFrame, 5, maxFPS),
		onFPSChange:   cfg.OnFPSChange,
	}
}

// CurrentFPS returns the controller's current frame-rate target.
func (a *adaptiveBitrate) CurrentFPS() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentFPS
}

func (a *adaptiveBitrate) SetMaxBitrate(max int) {
	if max <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxBitrate = max
	if a.targetBitrate > max {
		a.targetBitrate = max
		if a.enc != nil {
			a.enc.SetBitrate(max)
		}
	}
}

// Update feeds one RTT/loss sample and adjusts the encoder's bitrate and
// frame rate if warranted.
func (a *adaptiveBitrate) Update(rtt time.Duration, loss float64) {
	if loss < 0 {
		loss = 0
	}
	if loss > 1 {
		loss = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	a.updateEWMA(rtt, loss)

	if !a.lastAdjust.IsZero() && now.Sub(a.lastAdjust) < a.cooldown {
		return
	}
	if a.samplesCount < 3 {
		return
	}

	smoothedLoss := a.smoothedLoss
	smoothedRTT := a.smoothedRTT

	degrade := smoothedLoss >= 0.05 || (smoothedRTT >= 300*time.Millisecond && smoothedLoss >= 0.02)
	upgrade := smoothedLoss <= 0.01

	if degrade {
		a.stableCount = 0
	} else if upgrade {
		a.stableCount++
	} else if a.stableCount > 0 {
		a.stableCount--
	}

	const stableRequired = 2
	newBitrate := a.targetBitrate

	switch {
	case degrade:
		newBitrate = clampInt(int(float64(newBitrate)*0.70), a.minBitrate, a.maxBitrate)
	case a.stableCount >= stableRequired && a.targetBitrate < a.maxBitrate:
		step := a.maxBitrate / 20
		if step < 100_000 {
			step = 100_000
		}
		newBitrate = clampInt(newBitrate+step, a.minBitrate, a.maxBitrate)
		a.stableCount = 0
	default:
		return
	}

	newFPS := clampInt(newBitrate/minBitsPerFrame, 5, a.maxFPS)
	if newBitrate == a.targetBitrate && newFPS == a.currentFPS {
		return
	}

	prevFPS := a.currentFPS
	a.targetBitrate = newBitrate
	a.currentFPS = newFPS
	a.lastAdjust = now

	if a.enc != nil {
		a.enc.SetBitrate(newBitrate)
	}
	if newFPS != prevFPS && a.onFPSChange != nil {
		a.onFPSChange(newFPS)
	}
}

func (a *adaptiveBitrate) updateEWMA(rtt time.Duration, loss float64) {
	a.samplesCount++
	if a.samplesCount == 1 {
		a.smoothedLoss = loss
		a.smoothedRTT = rtt
		return
	}
	a.smoothedLoss = ewmaAlpha*loss + (1-ewmaAlpha)*a.smoothedLoss
	a.smoothedRTT = time.Duration(ewmaAlpha*float64(rtt) + (1-ewmaAlpha)*float64(a.smoothedRTT))
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
