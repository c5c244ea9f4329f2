package isolation

import "testing"

func TestBuildFSRulesetSkipsMissingPaths(t *testing.T) {
	rs := buildFSRuleset([]string{"/this/path/does/not/exist/anywhere"})
	if len(rs.ReadWrite) != 0 {
		t.Fatalf("expected missing allowed path to be skipped, got %v", rs.ReadWrite)
	}
}

func TestBuildFSRulesetEmptyAllowedGrantsNoDataAccess(t *testing.T) {
	rs := buildFSRuleset(nil)
	if len(rs.ReadWrite) != 0 {
		t.Fatalf("empty AllowedPaths must grant no data access, got %v", rs.ReadWrite)
	}
}

func TestBuildFSRulesetGrantsExistingAllowedPath(t *testing.T) {
	rs := buildFSRuleset([]string{"/tmp"})
	found := false
	for _, p := range rs.ReadWrite {
		if p == "/tmp" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected /tmp in ReadWrite, got %v", rs.ReadWrite)
	}
}

func TestBuildSeccompFilterProducesNonEmptyProgram(t *testing.T) {
	prog, err := buildSeccompFilter()
	if err != nil {
		t.Fatalf("buildSeccompFilter: %v", err)
	}
	if prog.Filter.Len == 0 {
		t.Fatal("expected non-empty BPF program")
	}
	// 2 (arch check) + 1 (load nr) + 2*len(deniedSyscalls) + 1 (final allow)
	want := uint16(2 + 1 + 2*len(deniedSyscalls) + 1)
	if prog.Filter.Len != want {
		t.Fatalf("Filter.Len = %d, want %d", prog.Filter.Len, want)
	}
}

func TestSeccompRetErrnoEncodesErrno(t *testing.T) {
	got := seccompRetErrno(1)
	want := uint32(0x00050000 | 1)
	if got != want {
		t.Fatalf("seccompRetErrno(1) = %#x, want %#x", got, want)
	}
}
