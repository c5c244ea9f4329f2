// Package framereader copies frames out of a sandboxed child's shared
// framebuffer at a fixed interval and hands them to the encoder pipeline.
package framereader

import (
	"context"
	"time"

	"github.com/sandboxrun/supervisor/internal/logging"
	"github.com/sandboxrun/supervisor/internal/sandbox/framechannel"
)

var log = logging.L("framereader")

// Reader copies raw RGBA frames from a shared framebuffer mapping on a
// fixed interval. The mapping is read concurrently with the child's
// writes; a torn read occasionally yields a frame straddling two writes,
// which the original sandbox accepts rather than paying for
// synchronization on every frame (see DESIGN.md).
type Reader struct {
	mapping   *framechannel.FrameMapping
	interval  time.Duration
	sessionID string
}

// New builds a Reader that samples mapping at frameRate frames per second.
// frameRate is clamped to at least 1 to avoid a zero-duration ticker.
func New(sessionID string, mapping *framechannel.FrameMapping, frameRate int) *Reader {
	if frameRate < 1 {
		frameRate = 1
	}
	return &Reader{
		mapping:   mapping,
		interval:  time.Second / time.Duration(frameRate),
		sessionID: sessionID,
	}
}

// Start launches the copy loop and returns a channel of raw RGBA frames.
// The channel is closed when ctx is cancelled. The channel is buffered to
// 2 frames, matching the bounded backpressure of the original sandbox's
// frame channel: when the consumer falls behind, the reader drops the
// oldest buffered frame rather than blocking the copy loop indefinitely.
func (r *Reader) Start(ctx context.Context) <-chan []byte {
	out := make(chan []byte, 2)

	go func() {
		defer close(out)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		var frameCount uint64
		for {
			select {
			case <-ctx.Done():
				log.Info("frame reader stopped", "session", r.sessionID, "frames", frameCount)
				return
			case <-ticker.C:
				frame := make([]byte, len(r.mapping.Bytes()))
				copy(frame, r.mapping.Bytes())

				select {
				case out <- frame:
				default:
					// Consumer is behind; drop the oldest buffered frame and
					// retry once rather than blocking the copy loop.
					select {
					case <-out:
					default:
					}
					select {
					case out <- frame:
					default:
					}
				}

				frameCount++
				if frameCount%30 == 0 {
					log.Debug("frames copied", "session", r.sessionID, "count", frameCount)
				}
			}
		}
	}()

	return out
}
