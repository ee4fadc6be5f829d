package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"openclaw-controller/pkg/env"
)

// SafeModeEnvVar enables safe mode. Truthy values are "1", "true", "yes"
// and "on".
const SafeModeEnvVar = "OPENCLAW_SAFE_MODE"

// allowedBinaryNames is the fixed set of language-runtime binaries that the
// exec surface may spawn under safe mode, in addition to the current
// process's own executable.
var allowedBinaryNames = []string{"node", "bun", "openclaw"}

// SafeModeViolationError is returned when safe mode rejects an invocation
// before any process is spawned. It carries the attempted binary name.
type SafeModeViolationError struct {
	Binary string
}

func (e *SafeModeViolationError) Error() string {
	return fmt.Sprintf("safe mode rejected execution of %q: binary is not on the allowlist", e.Binary)
}

// Policy is the global safe-mode policy. It is resolved once at process
// start and read-only afterwards.
type Policy struct {
	Enabled          bool
	AllowedBinaries  map[string]struct{} // base names, case-sensitive
	AllowedAbsolutes map[string]struct{} // resolved absolute paths (own executable)
}

// PolicyFromEnv builds the policy from OPENCLAW_SAFE_MODE and the current
// executable path.
func PolicyFromEnv() Policy {
	selfPath, _ := os.Executable()
	return NewPolicy(env.IsTruthy(os.Getenv(SafeModeEnvVar)), selfPath)
}

// NewPolicy builds a policy with the fixed name allowlist plus the provided
// executable path. The path may be empty when it cannot be resolved; the
// name allowlist still applies.
func NewPolicy(enabled bool, selfPath string) Policy {
	p := Policy{
		Enabled:          enabled,
		AllowedBinaries:  make(map[string]struct{}, len(allowedBinaryNames)),
		AllowedAbsolutes: make(map[string]struct{}, 1),
	}
	for _, name := range allowedBinaryNames {
		p.AllowedBinaries[name] = struct{}{}
	}
	if selfPath != "" {
		if abs, err := filepath.Abs(selfPath); err == nil {
			p.AllowedAbsolutes[abs] = struct{}{}
		}
	}
	return p
}

// Check validates a binary against the policy. An invocation is permitted if
// the requested binary's resolved absolute path equals an allowed absolute
// path, or its base name (case-sensitive) is in the name allowlist. The
// check is synchronous and side-effect-free so it runs on every call.
func (p Policy) Check(binary string) error {
	if !p.Enabled {
		return nil
	}
	if abs, err := filepath.Abs(binary); err == nil {
		if _, ok := p.AllowedAbsolutes[abs]; ok {
			return nil
		}
	}
	if _, ok := p.AllowedBinaries[filepath.Base(binary)]; ok {
		return nil
	}
	return &SafeModeViolationError{Binary: binary}
}

// Gate wraps a Runner and enforces the safe-mode policy before any process
// is spawned. It guards the pre-declared host-exec surface; the control
// plane's own docker plumbing holds the plain Runner.
type Gate struct {
	policy Policy
	runner Runner
}

// NewGate creates a policy-enforcing Runner.
func NewGate(policy Policy, runner Runner) *Gate {
	return &Gate{policy: policy, runner: runner}
}

// Run rejects disallowed binaries with *SafeModeViolationError and otherwise
// delegates to the wrapped Runner. When the policy is disabled the gate is a
// pass-through.
func (g *Gate) Run(ctx context.Context, req Request) (Result, error) {
	if err := g.policy.Check(req.Binary); err != nil {
		return Result{}, err
	}
	return g.runner.Run(ctx, req)
}
