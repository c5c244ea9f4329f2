// Package isolation builds the per-session sandbox envelope: a syscall
// filter program, a filesystem restriction ruleset, and a cgroup resource
// limit group. BuildEnvelope prepares all three in the parent; the
// re-exec'd child-init process rebuilds the ruleset and filter itself
// (ApplyForChild) and applies them before the final exec.
package isolation

import (
	"fmt"
	"os"

	"github.com/sandboxrun/supervisor/internal/logging"
)

var log = logging.L("isolation")

// Constraints are caller-supplied limits for one session's envelope.
type Constraints struct {
	AllowedPaths    []string
	CPUQuotaPercent int
	MemoryLimitMB   int
	PidsLimit       int
}

// Envelope carries the three precomputed isolation artifacts for one
// session. Its lifetime equals the child process it was built for.
type Envelope struct {
	SessionID string

	Ruleset      FSRuleset
	SeccompProg  SeccompProgram
	CgroupPath   string
	cgroupExists bool
}

// ErrIsolationUnavailable is returned when the host lacks cgroup v2 or the
// syscall filter cannot be built. Host seccomp support is not probed.
var ErrIsolationUnavailable = fmt.Errorf("isolation primitives unavailable on this host")

// BuildEnvelope constructs the filesystem ruleset, syscall filter, and
// cgroup for one session. It never mutates process-global state; the
// cgroup directory is created but the child is not yet enrolled (that
// happens from the parent, after fork, via EnrollPID).
func BuildEnvelope(sessionID string, c Constraints) (*Envelope, error) {
	if !cgroupV2Available() {
		return nil, fmt.Errorf("%w: cgroup v2 not mounted", ErrIsolationUnavailable)
	}

	ruleset := buildFSRuleset(c.AllowedPaths)

	prog, err := buildSeccompFilter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIsolationUnavailable, err)
	}

	cgroupPath, err := setupCgroup(sessionID, c.CPUQuotaPercent, c.MemoryLimitMB, c.PidsLimit)
	if err != nil {
		// Non-fatal: resource group creation failures are
		// logged; the child simply runs without limits.
		log.Warn("cgroup setup failed, session will run without resource limits",
			"session", sessionID, "error", err)
	}

	return &Envelope{
		SessionID:    sessionID,
		Ruleset:      ruleset,
		SeccompProg:  prog,
		CgroupPath:   cgroupPath,
		cgroupExists: err == nil,
	}, nil
}

// EnrollPID writes the child's PID into the envelope's cgroup, enrolling it
// in the resource limits. Must be called from the parent after spawn.
// Failure is logged but not fatal.
func EnrollPID(e *Envelope, pid int) {
	if !e.cgroupExists {
		return
	}
	if err := enrollCgroupPID(e.CgroupPath, pid); err != nil {
		log.Warn("failed to enroll pid in cgroup", "session", e.SessionID, "pid", pid, "error", err)
	}
}

// Teardown removes the envelope's cgroup. Called by supervisor's
// Child.Stop (once per child) and by Spawn when a later setup step fails.
func Teardown(e *Envelope) {
	if e == nil || !e.cgroupExists {
		return
	}
	if err := os.Remove(e.CgroupPath); err != nil && !os.IsNotExist(err) {
		log.Warn("cgroup teardown failed", "session", e.SessionID, "path", e.CgroupPath, "error", err)
	}
}
