package isolation

import "fmt"

// ApplyForChild recomputes the filesystem ruleset and syscall filter from
// scratch and applies them in the calling process. It exists because a Go
// process cannot run code between fork and exec the way the original
// sandbox's Rust supervisor does (there is no fork() without an immediate
// exec in pure Go); instead the supervisor re-execs itself into a small
// child-init entry point that calls ApplyForChild before exec'ing the real
// application binary. Recomputing from AllowedPaths, rather than
// serializing a *Envelope across the exec boundary, is what makes this
// re-exec dance possible: both ruleset and filter construction are pure
// functions of their inputs.
func ApplyForChild(allowedPaths []string) error {
	ruleset := buildFSRuleset(allowedPaths)
	prog, err := buildSeccompFilter()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChildSetupFailed, err)
	}
	e := &Envelope{Ruleset: ruleset, SeccompProg: prog}
	return Apply(e)
}
