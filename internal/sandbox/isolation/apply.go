package isolation

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrChildSetupFailed indicates Apply could not fully lock down the child
// before exec. Failure here is fatal for the child: it must not exec.
var ErrChildSetupFailed = fmt.Errorf("sandbox child setup failed")

// Apply runs in the freshly-forked, single-threaded child context, before
// exec. It sets no-new-privileges, installs the syscall filter, and
// restricts the filesystem view via bind mounts into a private mount
// namespace. Any failure is unrecoverable: the caller must exit(1) instead
// of proceeding to exec.
func Apply(e *Envelope) error {
	if err := restrictFilesystem(e.Ruleset); err != nil {
		return fmt.Errorf("%w: filesystem restriction: %v", ErrChildSetupFailed, err)
	}
	if err := applySeccomp(e.SeccompProg); err != nil {
		return fmt.Errorf("%w: seccomp: %v", ErrChildSetupFailed, err)
	}
	return nil
}

// restrictFilesystem builds a private mount namespace containing only the
// ruleset's allowed paths, bind-mounted read-only or read-write as
// appropriate. Must be called after unix.Unshare(CLONE_NEWNS) in the
// child (performed by the caller's SysProcAttr before Apply runs, mirroring
// the Landlock ruleset's read/execute/write-delete grants from the
// original sandbox).
func restrictFilesystem(rs FSRuleset) error {
	root, err := os.MkdirTemp("", "sandbox-root-")
	if err != nil {
		return fmt.Errorf("mkdtemp sandbox root: %w", err)
	}

	mount := func(src string, writable bool) error {
		dst := filepath.Join(root, src)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return err
		}
		flags := uintptr(unix.MS_BIND | unix.MS_REC)
		if err := unix.Mount(src, dst, "", flags, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", src, err)
		}
		if !writable {
			remount := flags | unix.MS_REMOUNT | unix.MS_RDONLY
			if err := unix.Mount("", dst, "", remount, ""); err != nil {
				return fmt.Errorf("remount ro %s: %w", src, err)
			}
		}
		return nil
	}

	for _, p := range rs.ReadExecute {
		if err := mount(p, false); err != nil {
			return err
		}
	}
	for _, p := range rs.ReadOnly {
		if err := mount(p, false); err != nil {
			return err
		}
	}
	for _, p := range rs.ReadWrite {
		if err := mount(p, true); err != nil {
			return err
		}
	}

	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot: %w", err)
	}
	if err := syscall.Chdir("/"); err != nil {
		return fmt.Errorf("chdir: %w", err)
	}
	return nil
}
