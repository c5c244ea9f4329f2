// Package supervisor owns the lifecycle of one sandboxed child process: it
// spawns the child behind the isolation envelope and frame channel, waits
// for exit, and enforces a graceful-then-forceful shutdown sequence.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sandboxrun/supervisor/internal/logging"
	"github.com/sandboxrun/supervisor/internal/sandbox/framechannel"
	"github.com/sandboxrun/supervisor/internal/sandbox/isolation"
)

var log = logging.L("supervisor")

// childInitArg is the argv[1] sentinel the supervisor re-execs itself with.
// cmd/sandboxd must check for this before doing anything else and, when
// present, hand off to RunChildInit instead of starting the daemon.
const childInitArg = "__sandbox_child_init__"

// Env var names carrying parameters across the exec boundary into the
// child-init entry point.
const (
	envAllowedPaths = "SANDBOX_ALLOWED_PATHS"
	envAppBinary    = "SANDBOX_APP_BINARY"
	envAppArgs      = "SANDBOX_APP_ARGS"
	envWidth        = "SANDBOX_WIDTH"
	envHeight       = "SANDBOX_HEIGHT"
	envFrameRate    = "SANDBOX_FRAMERATE"
	envFBFd         = "SANDBOX_FB_FD"
	envCtrlFd       = "SANDBOX_CTRL_FD"
)

// Params configures one sandboxed child launch.
type Params struct {
	SessionID    string
	AppBinary    string
	AppArgs      []string
	Width        int
	Height       int
	FrameRate    int
	Constraints  isolation.Constraints
	ShutdownGrace time.Duration
}

// Child is a running sandboxed process plus the resources bound to it.
type Child struct {
	SessionID string
	Channel   *framechannel.ChannelHandle
	envelope  *isolation.Envelope

	cmd      *exec.Cmd
	done     chan struct{}
	exitErr  error
	stopOnce sync.Once
	mu       sync.Mutex
}

// Spawn builds the isolation envelope and frame channel for sessionID,
// re-execs the current binary into the child-init entry point (see
// RunChildInit), and returns once the child process has started. It does
// not wait for the child's isolation setup to finish: a setup failure in
// the child shows up afterwards as the child's exit (Done, ExitErr).
// The returned Child owns the channel and envelope; callers must call
// Stop to release them.
func Spawn(ctx context.Context, p Params) (*Child, error) {
	envelope, err := isolation.BuildEnvelope(p.SessionID, p.Constraints)
	if err != nil {
		return nil, fmt.Errorf("build isolation envelope: %w", err)
	}

	ch, err := framechannel.MakeChannel(p.Width, p.Height)
	if err != nil {
		isolation.Teardown(envelope)
		return nil, fmt.Errorf("make frame channel: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		ch.Close()
		isolation.Teardown(envelope)
		return nil, fmt.Errorf("resolve self executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, self, childInitArg)
	cmd.ExtraFiles = []*os.File{ch.ChildFB, ch.ChildCtrl}
	cmd.Env = append(os.Environ(),
		envAllowedPaths+"="+strings.Join(p.Constraints.AllowedPaths, ":"),
		envAppBinary+"="+p.AppBinary,
		envAppArgs+"="+strings.Join(p.AppArgs, "\x1f"),
		envWidth+"="+strconv.Itoa(p.Width),
		envHeight+"="+strconv.Itoa(p.Height),
		envFrameRate+"="+strconv.Itoa(p.FrameRate),
		// ExtraFiles are appended starting at fd 3, in order.
		envFBFd+"=3",
		envCtrlFd+"=4",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Pdeathsig:  syscall.SIGKILL,
		Cloneflags: syscall.CLONE_NEWNS,
	}

	if err := cmd.Start(); err != nil {
		ch.Close()
		isolation.Teardown(envelope)
		return nil, fmt.Errorf("start child: %w", err)
	}

	isolation.EnrollPID(envelope, cmd.Process.Pid)
	ch.CloseChildSideAfterSpawn()

	c := &Child{
		SessionID: p.SessionID,
		Channel:   ch,
		envelope:  envelope,
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	go c.waitLoop()

	log.Info("sandbox child spawned", "session", p.SessionID, "pid", cmd.Process.Pid, "app", p.AppBinary)
	return c, nil
}

func (c *Child) waitLoop() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.exitErr = err
	c.mu.Unlock()
	close(c.done)
}

// Done returns a channel closed when the child process has exited.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitErr returns the child's exit error, valid only after Done is closed.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// PID returns the child process's PID, or 0 if it never started.
func (c *Child) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Stop sends SIGTERM to the child's process group, waits up to grace for a
// clean exit, then SIGKILLs the group if it hasn't. Idempotent. Always
// releases the frame channel and isolation envelope before returning,
// mirroring the original sandbox's cleanup_session sequence.
func (c *Child) Stop(grace time.Duration) {
	c.stopOnce.Do(func() {
		c.signalGroup(syscall.SIGTERM)

		select {
		case <-c.done:
		case <-time.After(grace):
			log.Warn("sandbox child did not exit within grace period, killing", "session", c.SessionID, "pid", c.PID())
			c.signalGroup(syscall.SIGKILL)
			<-c.done
		}

		c.Channel.Close()
		isolation.Teardown(c.envelope)
		log.Info("sandbox child stopped", "session", c.SessionID)
	})
}

func (c *Child) signalGroup(sig syscall.Signal) {
	if c.cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(c.cmd.Process.Pid)
	if err != nil {
		c.cmd.Process.Signal(sig)
		return
	}
	if err := syscall.Kill(-pgid, sig); err != nil {
		log.Warn("failed to signal child process group", "session", c.SessionID, "pgid", pgid, "signal", sig, "error", err)
	}
}
