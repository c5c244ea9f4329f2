// Package sandboxapp is the library linked into a sandboxed application
// binary: it mmaps the shared RGBA framebuffer handed down by the
// supervisor, drives a fixed-rate render loop, and decodes input/resize
// events off the control socket so the application never has to touch
// the frame-channel wire protocol directly.
//
// An application binary built against this package is what
// internal/sandbox/supervisor execs (indirectly, via the child-init
// re-exec hop) inside the isolation envelope; everything here runs with
// the restricted filesystem view and seccomp filter already applied.
package sandboxapp

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sandboxrun/supervisor/internal/logging"
	"github.com/sandboxrun/supervisor/internal/sandbox/framechannel"
)

var log = logging.L("sandboxapp")

// Env var names the supervisor sets before exec'ing the application
// binary. Mirrors internal/sandbox/supervisor's child-init env contract.
const (
	envFBFd      = "SANDBOX_FB_FD"
	envCtrlFd    = "SANDBOX_CTRL_FD"
	envWidth     = "SANDBOX_WIDTH"
	envHeight    = "SANDBOX_HEIGHT"
	envFrameRate = "SANDBOX_FRAMERATE"
)

// App is implemented by a sandboxed application. Render is called once per
// frame interval with the current input batch; it must draw into fb and
// return promptly — there is no partial-frame buffering, so a slow Render
// call directly lengthens the frame interval.
type App interface {
	Render(fb *Framebuffer, events []InputEvent)
}

// InputEvent is one decoded pointer/keyboard/resize event forwarded from
// the viewer, translated from the frame channel's wire InputPayload.
type InputEvent struct {
	Kind   string // "pointer_move", "pointer_button", "scroll", "key", "resize"
	X, Y   int
	Button int
	Down   bool
	DeltaX float64
	DeltaY float64
	Key    string
	Width  int // set only for Kind == "resize"
	Height int
}

// Run resolves the supervisor-provided environment, mmaps the shared
// framebuffer, and blocks running app's render loop at the configured
// frame rate until the control socket closes (the supervisor tearing the
// session down). A panic inside Render is recovered and logged, and the
// loop goes on. Run only returns on shutdown.
func Run(app App) error {
	fbFd, err := envInt(envFBFd)
	if err != nil {
		return err
	}
	ctrlFd, err := envInt(envCtrlFd)
	if err != nil {
		return err
	}
	width := envIntDefault(envWidth, 800)
	height := envIntDefault(envHeight, 600)
	frameRate := envIntDefault(envFrameRate, 30)
	if frameRate < 1 {
		frameRate = 1
	}

	fb, err := mapFramebuffer(fbFd, width, height)
	if err != nil {
		return fmt.Errorf("sandboxapp: map framebuffer: %w", err)
	}
	defer fb.unmap()

	conn, err := framechannel.NewChildConn(os.NewFile(uintptr(ctrlFd), "sandbox-ctrl-child"))
	if err != nil {
		return fmt.Errorf("sandboxapp: wrap control socket: %w", err)
	}
	defer conn.Close()

	events := make(chan InputEvent, 64)
	shutdown := make(chan struct{})
	go recvLoop(conn, events, shutdown)

	runLoop(app, fb, events, shutdown, frameRate)
	return nil
}

func recvLoop(conn *framechannel.Conn, events chan<- InputEvent, shutdown chan<- struct{}) {
	defer close(shutdown)
	for {
		env, err := conn.Recv()
		if err != nil {
			log.Info("control socket closed, shutting down", "error", err)
			return
		}
		ev, ok := decodeEnvelope(env)
		if !ok {
			continue
		}
		select {
		case events <- ev:
		default:
			log.Warn("input event dropped, render loop is falling behind")
		}
	}
}

func decodeEnvelope(env framechannel.Envelope) (InputEvent, bool) {
	switch env.Type {
	case framechannel.TypeInput:
		var p framechannel.InputPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return InputEvent{}, false
		}
		return InputEvent{
			Kind: p.Kind, X: p.X, Y: p.Y, Button: p.Button, Down: p.Down,
			DeltaX: p.DeltaX, DeltaY: p.DeltaY, Key: p.Key,
		}, true
	case framechannel.TypeResize:
		var p framechannel.ResizePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return InputEvent{}, false
		}
		return InputEvent{Kind: "resize", Width: p.Width, Height: p.Height}, true
	case framechannel.TypeTerminating:
		return InputEvent{Kind: "shutdown"}, true
	default:
		return InputEvent{}, false
	}
}

func runLoop(app App, fb *Framebuffer, events <-chan InputEvent, shutdown <-chan struct{}, frameRate int) {
	interval := time.Second / time.Duration(frameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch []InputEvent
	for {
		select {
		case <-shutdown:
			return
		case ev := <-events:
			if ev.Kind == "shutdown" {
				return
			}
			if ev.Kind == "resize" {
				fb.setLogicalSize(ev.Width, ev.Height)
			}
			batch = append(batch, ev)
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("app render panicked", "panic", r)
					}
				}()
				app.Render(fb, batch)
			}()
			batch = nil
		}
	}
}

func envInt(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, fmt.Errorf("sandboxapp: %s not set", name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("sandboxapp: %s must be an integer: %w", name, err)
	}
	return n, nil
}

func envIntDefault(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mapFramebuffer(fd, width, height int) (*Framebuffer, error) {
	size := width * height * 4
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Framebuffer{
		data:          data,
		physWidth:     width,
		physHeight:    height,
		logicalWidth:  width,
		logicalHeight: height,
	}, nil
}
