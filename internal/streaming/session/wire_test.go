package session

import (
	"encoding/json"
	"testing"

	"github.com/sandboxrun/supervisor/internal/sandbox/framechannel"
	"github.com/sandboxrun/supervisor/internal/streaming/peer"
	"github.com/sandboxrun/supervisor/internal/streaming/signaling"
)

func decodeInputPayload(t *testing.T, env framechannel.Envelope) framechannel.InputPayload {
	t.Helper()
	if env.Type != framechannel.TypeInput {
		t.Fatalf("envelope type = %q, want %q", env.Type, framechannel.TypeInput)
	}
	var p framechannel.InputPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return p
}

func TestInputEventToChannelPayloadsPointerMove(t *testing.T) {
	envs, err := inputEventToChannelPayloads(peer.InputEvent{Type: "pointer_move", X: 12, Y: 34}, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("len(envs) = %d, want 1", len(envs))
	}
	p := decodeInputPayload(t, envs[0])
	if p.Kind != "pointer_move" || p.X != 12 || p.Y != 34 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestInputEventToChannelPayloadsRejectsUnknownType(t *testing.T) {
	if _, err := inputEventToChannelPayloads(peer.InputEvent{Type: "bogus"}, 100); err == nil {
		t.Fatal("expected error for unknown input event type")
	}
}

func TestScrollTranslatesToWheelUpButtonPairs(t *testing.T) {
	// spec §8 end-to-end scenario 4: delta_y:-300 at the default
	// sensitivity (150) must produce exactly 2 wheel-up press/release
	// pairs, not a single scaled scroll event.
	envs, err := inputEventToChannelPayloads(peer.InputEvent{Type: "scroll", DeltaY: -300}, 150)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envs) != 4 {
		t.Fatalf("len(envs) = %d, want 4 (2 press/release pairs)", len(envs))
	}
	for i, env := range envs {
		p := decodeInputPayload(t, env)
		if p.Kind != "pointer_button" || p.Button != wheelUpButton {
			t.Fatalf("envelope %d: unexpected payload: %+v", i, p)
		}
		wantDown := i%2 == 0
		if p.Down != wantDown {
			t.Fatalf("envelope %d: Down = %v, want %v", i, p.Down, wantDown)
		}
	}
}

func TestScrollDirectionFollowsDeltaSign(t *testing.T) {
	envs, err := inputEventToChannelPayloads(peer.InputEvent{Type: "scroll", DeltaY: 150}, 150)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := decodeInputPayload(t, envs[0])
	if p.Button != wheelDownButton {
		t.Fatalf("Button = %d, want wheelDownButton for positive delta", p.Button)
	}
}

func TestScrollCountClampedToRange(t *testing.T) {
	envs, err := inputEventToChannelPayloads(peer.InputEvent{Type: "scroll", DeltaY: -1}, 150)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("len(envs) = %d, want 2 (1 pair, clamped to a minimum of 1 step)", len(envs))
	}

	envs, err = inputEventToChannelPayloads(peer.InputEvent{Type: "scroll", DeltaY: -100000}, 150)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envs) != maxScrollSteps*2 {
		t.Fatalf("len(envs) = %d, want %d (clamped to maxScrollSteps)", len(envs), maxScrollSteps*2)
	}
}

func TestResizeEnvelopeEncodesDimensions(t *testing.T) {
	env := resizeEnvelope(800, 600)
	if env.Type != framechannel.TypeResize {
		t.Fatalf("envelope type = %q, want %q", env.Type, framechannel.TypeResize)
	}
	var p framechannel.ResizePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.Width != 800 || p.Height != 600 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestInputEventFromMessageMapsEveryInputVariant(t *testing.T) {
	cases := []struct {
		msg  signaling.Message
		want peer.InputEvent
	}{
		{signaling.Message{Type: signaling.TypeMouseMove, X: 1, Y: 2}, peer.InputEvent{Type: "pointer_move", X: 1, Y: 2}},
		{signaling.Message{Type: signaling.TypeMouseDown, Button: 1}, peer.InputEvent{Type: "pointer_button", Button: 1, Pressed: true}},
		{signaling.Message{Type: signaling.TypeMouseUp, Button: 1}, peer.InputEvent{Type: "pointer_button", Button: 1, Pressed: false}},
		{signaling.Message{Type: signaling.TypeMouseScroll, DeltaY: -300}, peer.InputEvent{Type: "scroll", DeltaY: -300}},
		{signaling.Message{Type: signaling.TypeKeyDown, Key: "a"}, peer.InputEvent{Type: "key", Key: "a", Pressed: true}},
		{signaling.Message{Type: signaling.TypeKeyUp, Key: "a"}, peer.InputEvent{Type: "key", Key: "a", Pressed: false}},
	}
	for _, tc := range cases {
		got, ok := inputEventFromMessage(tc.msg)
		if !ok {
			t.Fatalf("%s: expected ok=true", tc.msg.Type)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v, want %+v", tc.msg.Type, got, tc.want)
		}
	}
}

func TestInputEventFromMessageRejectsNonInputTypes(t *testing.T) {
	if _, ok := inputEventFromMessage(signaling.Message{Type: signaling.TypeResize}); ok {
		t.Fatal("expected resize to not be treated as an input message")
	}
	if _, ok := inputEventFromMessage(signaling.Message{Type: signaling.TypeOffer}); ok {
		t.Fatal("expected offer to not be treated as an input message")
	}
}
