package framereader

import (
	"context"
	"testing"
	"time"

	"github.com/sandboxrun/supervisor/internal/sandbox/framechannel"
)

func TestReaderEmitsFramesOfCorrectSize(t *testing.T) {
	ch, err := framechannel.MakeChannel(4, 4)
	if err != nil {
		t.Fatalf("MakeChannel: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New("sess-1", ch.ParentReader, 100)
	out := r.Start(ctx)

	select {
	case frame, ok := <-out:
		if !ok {
			t.Fatal("channel closed before emitting a frame")
		}
		if len(frame) != 4*4*4 {
			t.Fatalf("frame size = %d, want %d", len(frame), 64)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
}

func TestReaderClosesChannelOnContextCancel(t *testing.T) {
	ch, err := framechannel.MakeChannel(2, 2)
	if err != nil {
		t.Fatalf("MakeChannel: %v", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := New("sess-2", ch.ParentReader, 100)
	out := r.Start(ctx)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after context cancel")
		}
	}
}
