package isolation

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// auditArchX86_64 is the AUDIT_ARCH_X86_64 constant the filter gates on.
// A mismatched architecture yields an unconditional ALLOW: the filter
// must be a no-op on foreign arches rather than a crash.
const auditArchX86_64 = 0xC000003E

// deniedSyscalls is the exact list from the original sandbox's
// seccomp.rs: debugger attach, kernel module load/unload, kernel-exec,
// UID/GID credential changes, mount family, cross-process memory
// read/write, performance-counter open.
var deniedSyscalls = []int{
	unix.SYS_PTRACE,
	unix.SYS_KEXEC_LOAD,
	unix.SYS_INIT_MODULE,
	unix.SYS_FINIT_MODULE,
	unix.SYS_DELETE_MODULE,
	unix.SYS_SETUID,
	unix.SYS_SETGID,
	unix.SYS_SETREUID,
	unix.SYS_SETREGID,
	unix.SYS_SETRESUID,
	unix.SYS_SETRESGID,
	unix.SYS_MOUNT,
	unix.SYS_UMOUNT2,
	unix.SYS_PIVOT_ROOT,
	unix.SYS_CHROOT,
	unix.SYS_PROCESS_VM_READV,
	unix.SYS_PROCESS_VM_WRITEV,
	unix.SYS_PERF_EVENT_OPEN,
}

// SeccompProgram is an immutable compiled BPF program, ready to be loaded
// via PR_SET_SECCOMP in the child.
type SeccompProgram struct {
	Filter unix.SockFprog
}

// offsets into struct seccomp_data (see linux/seccomp.h):
//
//	u32 nr;      // offset 0
//	u32 arch;    // offset 4
//	u64 ip;      // offset 8
//	u64 args[6]; // offset 16
const (
	seccompDataArchOffset = 4
	seccompDataNROffset   = 0
)

// buildSeccompFilter constructs the BPF program denying deniedSyscalls
// with EPERM and allowing everything else. Architecture-gated: a process
// running under a foreign arch observes an unconditional ALLOW.
func buildSeccompFilter() (SeccompProgram, error) {
	// Body: load syscall nr, N (check, return-EPERM) pairs, final return-ALLOW.
	// Computed first so the arch-mismatch jump below can skip straight to
	// the trailing ALLOW regardless of how many syscalls are denied.
	// Relative jump distance, measured from the instruction right after the
	// arch check (the "load syscall nr" statement), to the trailing
	// RET-ALLOW instruction: the "load syscall nr" statement itself, plus
	// one instruction per denied-syscall check and one per its paired
	// RET-EPERM.
	n := len(deniedSyscalls)
	jumpToAllow := 2*n + 1
	if jumpToAllow > 0xFF {
		return SeccompProgram{}, fmt.Errorf("seccomp body too large for an 8-bit BPF jump offset: %d", jumpToAllow)
	}

	var prog []unix.SockFilter

	// Load arch; on mismatch skip the entire body and land on the final
	// ALLOW (the filter is a no-op on foreign architectures).
	prog = append(prog,
		bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, seccompDataArchOffset),
		bpfJump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, auditArchX86_64, 0, uint8(jumpToAllow)),
	)

	// Load syscall number.
	prog = append(prog, bpfStmt(unix.BPF_LD|unix.BPF_W|unix.BPF_ABS, seccompDataNROffset))

	for _, nr := range deniedSyscalls {
		// if (nr == deniedNR) return EPERM; (skip over the return-allow below)
		prog = append(prog, bpfJump(unix.BPF_JMP|unix.BPF_JEQ|unix.BPF_K, uint32(nr), 0, 1))
		prog = append(prog, bpfStmt(unix.BPF_RET|unix.BPF_K, seccompRetErrno(unix.EPERM)))
	}
	prog = append(prog, bpfStmt(unix.BPF_RET|unix.BPF_K, seccompRetAllow))

	if len(prog) > 0xFFFF {
		return SeccompProgram{}, fmt.Errorf("seccomp program too large: %d instructions", len(prog))
	}

	return SeccompProgram{
		Filter: unix.SockFprog{
			Len:    uint16(len(prog)),
			Filter: &prog[0],
		},
	}, nil
}

const seccompRetAllow = 0x7FFF0000 // SECCOMP_RET_ALLOW

func seccompRetErrno(errno int) uint32 {
	return 0x00050000 | (uint32(errno) & 0x0000FFFF) // SECCOMP_RET_ERRNO
}

func bpfStmt(code uint16, k uint32) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

func bpfJump(code uint16, k uint32, jt, jf uint8) unix.SockFilter {
	return unix.SockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// applySeccomp sets PR_SET_NO_NEW_PRIVS then installs the filter via
// PR_SET_SECCOMP. Must run single-threaded in the child, before exec.
func applySeccomp(prog SeccompProgram) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("PR_SET_NO_NEW_PRIVS: %w", err)
	}
	fprog := prog.Filter
	if err := unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&fprog)), 0, 0); err != nil {
		return fmt.Errorf("PR_SET_SECCOMP: %w", err)
	}
	return nil
}
