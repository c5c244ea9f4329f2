package isolation

import "os"

// FSRuleset enumerates the filesystem restriction rules for one session.
// Go has no Landlock binding anywhere in the retrieved example pack, so
// this ruleset is enforced at apply-time via bind mounts into a mount
// namespace rather than a Landlock ruleset (see DESIGN.md).
type FSRuleset struct {
	ReadExecute []string // system directories: library, font, process-self, device trees
	ReadOnly    []string // e.g. the display-socket directory, if present
	ReadWrite   []string // constraints.AllowedPaths
}

// systemReadExecutePaths mirrors the original sandbox's landlock.rs
// allow-list: library, font, and device trees the child needs to run at
// all, granted read+execute.
var systemReadExecutePaths = []string{
	"/usr", "/lib", "/lib64", "/lib32", "/etc/fonts", "/proc/self", "/dev",
}

var systemReadOnlyPaths = []string{
	"/tmp/.X11-unix",
}

// buildFSRuleset grants read+execute on the fixed system path set (paths
// that don't exist on this host are silently skipped), read-only on the
// display socket directory if present, and read/write/delete on each of
// constraints.AllowedPaths. An empty AllowedPaths grants no data access.
func buildFSRuleset(allowedPaths []string) FSRuleset {
	rs := FSRuleset{}

	for _, p := range systemReadExecutePaths {
		if pathExists(p) {
			rs.ReadExecute = append(rs.ReadExecute, p)
		}
	}
	for _, p := range systemReadOnlyPaths {
		if pathExists(p) {
			rs.ReadOnly = append(rs.ReadOnly, p)
		}
	}
	for _, p := range allowedPaths {
		if pathExists(p) {
			rs.ReadWrite = append(rs.ReadWrite, p)
		}
	}

	return rs
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
