package session

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sandboxrun/supervisor/internal/sandbox/framechannel"
	"github.com/sandboxrun/supervisor/internal/streaming/peer"
	"github.com/sandboxrun/supervisor/internal/streaming/signaling"
)

// Wheel button codes the in-sandbox SDK's pointer-button control message
// recognizes for synthesized scroll input, following the X11 convention
// of treating the scroll wheel as two extra pointer buttons.
const (
	wheelUpButton   = 3
	wheelDownButton = 4
)

// defaultScrollSensitivity matches the source's delta_y/150 scroll
// constant (spec §9 open question), used whenever a session's configured
// sensitivity is unset.
const defaultScrollSensitivity = 150

// maxScrollSteps clamps a single mouse-scroll event to a sane number of
// synthesized button-press/release pairs, regardless of how large a
// delta_y the viewer reports.
const maxScrollSteps = 8

// inputEventToChannelPayloads translates a viewer-facing peer.InputEvent
// into one or more frame-channel Envelopes ready to send to the sandboxed
// child. Every variant but scroll produces exactly one envelope; scroll
// expands into a run of synthetic wheel button-press/release pairs.
func inputEventToChannelPayloads(ev peer.InputEvent, scrollSensitivity float64) ([]framechannel.Envelope, error) {
	switch ev.Type {
	case "pointer_move":
		env, err := encodeInput(framechannel.InputPayload{
			Kind: ev.Type, X: int(ev.X), Y: int(ev.Y),
		})
		if err != nil {
			return nil, err
		}
		return []framechannel.Envelope{env}, nil
	case "pointer_button":
		env, err := encodeInput(framechannel.InputPayload{
			Kind: ev.Type, X: int(ev.X), Y: int(ev.Y), Button: ev.Button, Down: ev.Pressed,
		})
		if err != nil {
			return nil, err
		}
		return []framechannel.Envelope{env}, nil
	case "scroll":
		return scrollEnvelopes(ev.DeltaY, scrollSensitivity)
	case "key":
		env, err := encodeInput(framechannel.InputPayload{
			Kind: ev.Type, Key: ev.Key, Down: ev.Pressed,
		})
		if err != nil {
			return nil, err
		}
		return []framechannel.Envelope{env}, nil
	default:
		return nil, fmt.Errorf("unknown input event type %q", ev.Type)
	}
}

// scrollEnvelopes translates a wheel delta into a run of pointer-button
// press/release pairs: direction from the sign of deltaY (negative is
// wheel-up), count from its magnitude scaled by sensitivity and clamped to
// [1, maxScrollSteps].
func scrollEnvelopes(deltaY, sensitivity float64) ([]framechannel.Envelope, error) {
	if sensitivity <= 0 {
		sensitivity = defaultScrollSensitivity
	}

	count := int(math.Round(math.Abs(deltaY) / sensitivity))
	if count < 1 {
		count = 1
	}
	if count > maxScrollSteps {
		count = maxScrollSteps
	}

	button := wheelDownButton
	if deltaY < 0 {
		button = wheelUpButton
	}

	envs := make([]framechannel.Envelope, 0, count*2)
	for i := 0; i < count; i++ {
		press, err := encodeInput(framechannel.InputPayload{Kind: "pointer_button", Button: button, Down: true})
		if err != nil {
			return nil, err
		}
		release, err := encodeInput(framechannel.InputPayload{Kind: "pointer_button", Button: button, Down: false})
		if err != nil {
			return nil, err
		}
		envs = append(envs, press, release)
	}
	return envs, nil
}

// inputEventFromMessage maps an inbound signaling input variant
// (mouse-move, mouse-down, mouse-up, mouse-scroll, key-down, key-up) onto
// the peer.InputEvent shape the rest of the pipeline already understands.
// ok is false for any non-input message type (resize and the negotiation
// variants are handled elsewhere).
func inputEventFromMessage(msg signaling.Message) (ev peer.InputEvent, ok bool) {
	switch msg.Type {
	case signaling.TypeMouseMove:
		return peer.InputEvent{Type: "pointer_move", X: msg.X, Y: msg.Y}, true
	case signaling.TypeMouseDown:
		return peer.InputEvent{Type: "pointer_button", Button: msg.Button, Pressed: true}, true
	case signaling.TypeMouseUp:
		return peer.InputEvent{Type: "pointer_button", Button: msg.Button, Pressed: false}, true
	case signaling.TypeMouseScroll:
		return peer.InputEvent{Type: "scroll", DeltaY: msg.DeltaY}, true
	case signaling.TypeKeyDown:
		return peer.InputEvent{Type: "key", Key: msg.Key, Pressed: true}, true
	case signaling.TypeKeyUp:
		return peer.InputEvent{Type: "key", Key: msg.Key, Pressed: false}, true
	default:
		return peer.InputEvent{}, false
	}
}

func encodeInput(p framechannel.InputPayload) (framechannel.Envelope, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return framechannel.Envelope{}, err
	}
	return framechannel.Envelope{Type: framechannel.TypeInput, Payload: body}, nil
}

func resizeEnvelope(width, height int) framechannel.Envelope {
	body, _ := json.Marshal(framechannel.ResizePayload{Width: width, Height: height})
	return framechannel.Envelope{Type: framechannel.TypeResize, Payload: body}
}

// extractRTTAndLoss pulls the aggregate round-trip time and packet loss
// fraction out of a WebRTC stats report, feeding the adaptive bitrate
// loop from RemoteInboundRTPStreamStats.
func extractRTTAndLoss(report webrtc.StatsReport) (time.Duration, float64) {
	var rtt time.Duration
	var loss float64

	for _, raw := range report {
		switch s := raw.(type) {
		case webrtc.RemoteInboundRTPStreamStats:
			if s.RoundTripTime > 0 {
				rtt = time.Duration(s.RoundTripTime * float64(time.Second))
			}
			if s.FractionLost > 0 {
				loss = s.FractionLost
			}
		}
	}
	return rtt, loss
}
