package encoder

import (
	"bytes"
	"fmt"

	openh264 "github.com/y9o/go-openh264"
)

// annexBStartCode is prepended to every NAL unit emitted by the encoder;
// pion's H264 RTP packetizer expects an Annex-B byte stream, not
// length-prefixed (AVCC) NAL units.
var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// h264Backend wraps the openh264 software encoder with the pipeline's
// keyframe-forcing and bitrate-adjustment needs.
type h264Backend struct {
	enc            *openh264.Encoder
	forceKeyframe  bool
	framesSinceIDR int
	keyframeEvery  int
}

func newH264Backend(cfg Config) (*h264Backend, error) {
	enc, err := openh264.NewEncoder(cfg.Width, cfg.Height)
	if err != nil {
		return nil, fmt.Errorf("openh264.NewEncoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.BitrateBps); err != nil {
		enc.Close()
		return nil, fmt.Errorf("SetBitrate: %w", err)
	}
	if err := enc.SetMaxFrameRate(float32(cfg.FrameRate)); err != nil {
		enc.Close()
		return nil, fmt.Errorf("SetMaxFrameRate: %w", err)
	}

	return &h264Backend{
		enc:           enc,
		forceKeyframe: true, // first frame of every session must be an IDR
		keyframeEvery: cfg.KeyframeInterval,
	}, nil
}

func (b *h264Backend) Encode(y, u, v []byte) ([]byte, error) {
	if b.forceKeyframe || (b.keyframeEvery > 0 && b.framesSinceIDR >= b.keyframeEvery) {
		if err := b.enc.ForceIntraFrame(); err != nil {
			return nil, fmt.Errorf("ForceIntraFrame: %w", err)
		}
		b.forceKeyframe = false
		b.framesSinceIDR = 0
	}

	nalUnits, err := b.enc.EncodeYUV(y, u, v)
	if err != nil {
		return nil, fmt.Errorf("EncodeYUV: %w", err)
	}
	b.framesSinceIDR++

	if len(nalUnits) == 0 {
		return nil, nil
	}

	var out bytes.Buffer
	for _, nal := range nalUnits {
		out.Write(annexBStartCode)
		out.Write(nal)
	}
	return out.Bytes(), nil
}

func (b *h264Backend) ForceKeyframe() {
	b.forceKeyframe = true
}

func (b *h264Backend) SetBitrate(bps int) error {
	return b.enc.SetBitrate(bps)
}

func (b *h264Backend) Close() error {
	return b.enc.Close()
}
