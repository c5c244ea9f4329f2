// Package framechannel allocates the shared RGBA framebuffer and the
// control socket pair that connect a sandbox supervisor to its child, and
// implements the length-prefixed JSON wire protocol carried on the control
// socket.
package framechannel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sandboxrun/supervisor/internal/logging"
)

var log = logging.L("framechannel")

// ErrChannelSetupFailed wraps any failure allocating the shared memory
// object or the control socket pair.
var ErrChannelSetupFailed = fmt.Errorf("frame channel setup failed")

// FrameMapping is the parent's read-only view of the shared framebuffer.
type FrameMapping struct {
	data   []byte
	Width  int
	Height int
}

// Bytes returns the current framebuffer contents. The caller must copy
// before use if it intends to retain the data past the next read — the
// underlying mapping is live and may be concurrently written by the child.
func (m *FrameMapping) Bytes() []byte {
	return m.data
}

// Close unmaps the framebuffer. Safe to call once; a second call is a
// no-op.
func (m *FrameMapping) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// ChannelHandle bundles the parent-side and child-side ends of the frame
// channel. ParentReader and ParentCtrlWriter are owned by the parent;
// ChildFB and ChildCtrl are the inheritable descriptors handed to the
// spawned child (via os/exec's ExtraFiles) and must be closed on the
// parent side immediately after spawn succeeds.
type ChannelHandle struct {
	ParentReader     *FrameMapping
	ParentCtrlWriter *Conn

	// child-side descriptors, valid only until the parent closes its
	// duplicate after spawn (see CloseChildSideAfterSpawn).
	ChildFB   *os.File
	ChildCtrl *os.File

	parentFBFd int
}

// MakeChannel allocates an anonymous, memfd-backed RGBA framebuffer of
// exactly width*height*4 bytes and a connected pair of AF_UNIX SOCK_STREAM
// sockets for the control channel. The parent's framebuffer mapping is
// read-only; the child's descriptors survive exec (close-on-exec is
// cleared on them only).
func MakeChannel(width, height int) (*ChannelHandle, error) {
	size := width * height * 4
	if size <= 0 {
		return nil, fmt.Errorf("%w: width*height*4 = 0", ErrChannelSetupFailed)
	}

	fbFd, err := unix.MemfdCreate("sandbox-framebuffer", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: memfd_create: %v", ErrChannelSetupFailed, err)
	}
	if err := unix.Ftruncate(fbFd, int64(size)); err != nil {
		unix.Close(fbFd)
		return nil, fmt.Errorf("%w: ftruncate: %v", ErrChannelSetupFailed, err)
	}

	// Parent mapping: read-only.
	data, err := unix.Mmap(fbFd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fbFd)
		return nil, fmt.Errorf("%w: mmap: %v", ErrChannelSetupFailed, err)
	}

	// Child's fd: dup, with close-on-exec cleared so it survives exec.
	childFBRaw, err := unix.Dup(fbFd)
	if err != nil {
		unix.Munmap(data)
		unix.Close(fbFd)
		return nil, fmt.Errorf("%w: dup framebuffer fd: %v", ErrChannelSetupFailed, err)
	}
	clearCloexec(childFBRaw)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		unix.Munmap(data)
		unix.Close(fbFd)
		unix.Close(childFBRaw)
		return nil, fmt.Errorf("%w: socketpair: %v", ErrChannelSetupFailed, err)
	}
	parentCtrlFd, childCtrlRaw := fds[0], fds[1]
	clearCloexec(childCtrlRaw)

	parentConn, err := newConn(parentCtrlFd)
	if err != nil {
		unix.Munmap(data)
		unix.Close(fbFd)
		unix.Close(childFBRaw)
		unix.Close(childCtrlRaw)
		return nil, fmt.Errorf("%w: %v", ErrChannelSetupFailed, err)
	}

	return &ChannelHandle{
		ParentReader:     &FrameMapping{data: data, Width: width, Height: height},
		ParentCtrlWriter: parentConn,
		ChildFB:          os.NewFile(uintptr(childFBRaw), "sandbox-fb"),
		ChildCtrl:        os.NewFile(uintptr(childCtrlRaw), "sandbox-ctrl"),
		parentFBFd:       fbFd,
	}, nil
}

// CloseChildSideAfterSpawn closes the parent's duplicate of the child's
// descriptors once the child process has the originals via exec-inherited
// fds. After this call the child holds the only writable handle to the
// framebuffer, satisfying the frame channel's exclusive-ownership
// invariant.
func (h *ChannelHandle) CloseChildSideAfterSpawn() {
	if h.ChildFB != nil {
		h.ChildFB.Close()
		h.ChildFB = nil
	}
	if h.ChildCtrl != nil {
		h.ChildCtrl.Close()
		h.ChildCtrl = nil
	}
	if h.parentFBFd != 0 {
		unix.Close(h.parentFBFd)
		h.parentFBFd = 0
	}
}

// Close tears down the parent-side resources. Dropping the mapping and
// closing the control socket causes the child's next control-socket read
// to observe end-of-stream, per the frame channel's teardown invariant.
func (h *ChannelHandle) Close() {
	if h.ParentReader != nil {
		if err := h.ParentReader.Close(); err != nil {
			log.Warn("framebuffer unmap failed", "error", err)
		}
	}
	if h.ParentCtrlWriter != nil {
		h.ParentCtrlWriter.Close()
	}
	h.CloseChildSideAfterSpawn()
}

func clearCloexec(fd int) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return
	}
	unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
}
