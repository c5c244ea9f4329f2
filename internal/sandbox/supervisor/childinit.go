package supervisor

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/sandboxrun/supervisor/internal/sandbox/isolation"
)

// IsChildInit reports whether args (typically os.Args[1:]) identify this
// process invocation as a child-init re-exec rather than the normal daemon
// entry point. cmd/sandboxd checks this before anything else.
func IsChildInit(args []string) bool {
	return len(args) >= 1 && args[0] == childInitArg
}

// RunChildInit is the re-exec entry point Spawn launches: it applies the
// filesystem and syscall restrictions in the calling process (now a
// freshly forked, as-yet-unexec'd copy of the supervisor binary) and then
// execs the sandboxed application binary in its place. It never returns on
// success — syscall.Exec replaces the process image.
func RunChildInit() error {
	appBinary := os.Getenv(envAppBinary)
	if appBinary == "" {
		return fmt.Errorf("child-init: %s not set", envAppBinary)
	}

	var allowedPaths []string
	if v := os.Getenv(envAllowedPaths); v != "" {
		allowedPaths = strings.Split(v, ":")
	}

	if err := isolation.ApplyForChild(allowedPaths); err != nil {
		return fmt.Errorf("child-init: apply isolation: %w", err)
	}

	var appArgs []string
	if v := os.Getenv(envAppArgs); v != "" {
		appArgs = strings.Split(v, "\x1f")
	}
	argv := append([]string{appBinary}, appArgs...)

	if err := syscall.Exec(appBinary, argv, os.Environ()); err != nil {
		return fmt.Errorf("child-init: exec %s: %w", appBinary, err)
	}
	return nil // unreachable
}
