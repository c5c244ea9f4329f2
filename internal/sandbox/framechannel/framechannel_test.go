package framechannel

import (
	"encoding/json"
	"io"
	"testing"
)

func TestMakeChannelAllocatesExactFramebufferSize(t *testing.T) {
	h, err := MakeChannel(16, 8)
	if err != nil {
		t.Fatalf("MakeChannel: %v", err)
	}
	defer h.Close()

	want := 16 * 8 * 4
	if got := len(h.ParentReader.Bytes()); got != want {
		t.Fatalf("framebuffer size = %d, want %d", got, want)
	}
}

func TestMakeChannelRejectsZeroDimensions(t *testing.T) {
	if _, err := MakeChannel(0, 0); err == nil {
		t.Fatal("expected error for zero-sized framebuffer")
	}
}

func TestConnSendRecvRoundTrip(t *testing.T) {
	h, err := MakeChannel(4, 4)
	if err != nil {
		t.Fatalf("MakeChannel: %v", err)
	}
	defer h.Close()

	childConn, err := NewChildConn(h.ChildCtrl)
	if err != nil {
		t.Fatalf("NewChildConn: %v", err)
	}
	defer childConn.Close()

	payload, _ := json.Marshal(ResizePayload{Width: 640, Height: 480})
	if err := h.ParentCtrlWriter.Send(Envelope{Type: TypeResize, Payload: payload}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	env, err := childConn.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if env.Type != TypeResize {
		t.Fatalf("Type = %q, want %q", env.Type, TypeResize)
	}
	var rp ResizePayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if rp.Width != 640 || rp.Height != 480 {
		t.Fatalf("payload = %+v, want {640 480}", rp)
	}
}

func TestConnRecvReturnsEOFAfterPeerClose(t *testing.T) {
	h, err := MakeChannel(4, 4)
	if err != nil {
		t.Fatalf("MakeChannel: %v", err)
	}

	childConn, err := NewChildConn(h.ChildCtrl)
	if err != nil {
		t.Fatalf("NewChildConn: %v", err)
	}
	defer childConn.Close()

	h.Close()

	if _, err := childConn.Recv(); err == nil {
		t.Fatal("expected error after peer close")
	} else if err != io.EOF && err.Error() == "" {
		t.Fatalf("unexpected error: %v", err)
	}
}
