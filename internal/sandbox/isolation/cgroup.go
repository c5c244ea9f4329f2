package isolation

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// cgroupRoot is the mount point for the sandbox's cgroup v2 subtree.
// Overridable in tests.
var cgroupRoot = "/sys/fs/cgroup/sandbox"

func cgroupV2Available() bool {
	_, err := os.Stat("/sys/fs/cgroup/cgroup.controllers")
	return err == nil
}

// setupCgroup creates /sys/fs/cgroup/sandbox/<sessionID> and writes the
// three resource-limit files. Grounded on the exact file names and value
// formats used by the original Rust sandbox (cpu.max "<quota> <period>",
// memory.max in bytes, pids.max as a bare integer).
func setupCgroup(sessionID string, cpuQuotaPercent, memoryLimitMB, pidsLimit int) (string, error) {
	if cpuQuotaPercent <= 0 {
		cpuQuotaPercent = 50
	}
	if memoryLimitMB <= 0 {
		memoryLimitMB = 512
	}
	if pidsLimit <= 0 {
		pidsLimit = 100
	}

	dir := filepath.Join(cgroupRoot, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return dir, fmt.Errorf("mkdir cgroup: %w", err)
	}

	const period = 1_000_000 // 1 second, in microseconds
	quota := period * cpuQuotaPercent / 100
	if err := writeCgroupFile(dir, "cpu.max", fmt.Sprintf("%d %d", quota, period)); err != nil {
		return dir, err
	}

	memBytes := int64(memoryLimitMB) * 1024 * 1024
	if err := writeCgroupFile(dir, "memory.max", strconv.FormatInt(memBytes, 10)); err != nil {
		return dir, err
	}

	if err := writeCgroupFile(dir, "pids.max", strconv.Itoa(pidsLimit)); err != nil {
		return dir, err
	}

	return dir, nil
}

func writeCgroupFile(dir, name, value string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func enrollCgroupPID(cgroupPath string, pid int) error {
	path := filepath.Join(cgroupPath, "cgroup.procs")
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}
