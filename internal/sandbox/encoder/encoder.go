// Package encoder turns raw RGBA frames from the frame reader into H.264
// Annex-B bitstream suitable for a WebRTC video track.
package encoder

import (
	"fmt"
	"sync"

	"github.com/sandboxrun/supervisor/internal/logging"
)

var log = logging.L("encoder")

// Config mirrors the original sandbox's ffmpeg invocation defaults: a 1
// Mbps target bitrate and a 60-frame (roughly 2 second at 30fps) keyframe
// interval, realtime-tuned rather than quality-tuned.
type Config struct {
	Width            int
	Height           int
	BitrateBps       int
	FrameRate        int
	KeyframeInterval int
}

// DefaultConfig returns the original sandbox's ffmpeg defaults, adapted to
// this module's native H.264 pipeline.
func DefaultConfig(width, height, frameRate int) Config {
	return Config{
		Width:            width,
		Height:           height,
		BitrateBps:       1_000_000,
		FrameRate:        frameRate,
		KeyframeInterval: 60,
	}
}

// Pipeline converts RGBA frames to I420 and encodes them to H.264 via the
// openh264 software encoder. One Pipeline serves exactly one session.
type Pipeline struct {
	mu      sync.Mutex
	cfg     Config
	backend *h264Backend
}

// New constructs an encode pipeline for one session.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("encoder: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.BitrateBps <= 0 {
		cfg.BitrateBps = DefaultConfig(cfg.Width, cfg.Height, cfg.FrameRate).BitrateBps
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = 60
	}

	backend, err := newH264Backend(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoder: init h264 backend: %w", err)
	}

	return &Pipeline{cfg: cfg, backend: backend}, nil
}

// Encode converts one RGBA frame (width*height*4 bytes) to I420 and
// returns the resulting Annex-B NAL units, or nil if the encoder buffered
// the frame internally without producing output (never happens with the
// encoder's default no-B-frames configuration, but callers must not
// assume every call yields output).
func (p *Pipeline) Encode(rgba []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := p.cfg.Width * p.cfg.Height * 4
	if len(rgba) != want {
		return nil, fmt.Errorf("encoder: frame size %d, want %d", len(rgba), want)
	}

	y, u, v := rgbaToI420(rgba, p.cfg.Width, p.cfg.Height)
	return p.backend.Encode(y, u, v)
}

// ForceKeyframe requests the next encoded frame be an IDR keyframe. Used
// on the first frame of a new peer connection, when the viewer sends a
// PLI/FIR keyframe request over RTCP, and on a "request_keyframe" control
// message.
func (p *Pipeline) ForceKeyframe() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backend.ForceKeyframe()
}

// SetBitrate adjusts the target bitrate without rebuilding the pipeline,
// used by the adaptive-quality loop in response to RTCP loss/RTT reports.
func (p *Pipeline) SetBitrate(bps int) error {
	if bps <= 0 {
		return fmt.Errorf("encoder: invalid bitrate %d", bps)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.BitrateBps = bps
	return p.backend.SetBitrate(bps)
}

// Close releases the underlying encoder instance. Safe to call once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backend == nil {
		return nil
	}
	err := p.backend.Close()
	p.backend = nil
	return err
}
