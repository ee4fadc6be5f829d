package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"openclaw-controller/pkg/log"
)

// DefaultStabilityWindow is the observation gap between the two state
// samples. A container that enters a restart loop typically dies within the
// first second, so a 1.5s window catches it while keeping startup latency
// acceptable.
const DefaultStabilityWindow = 1500 * time.Millisecond

// CrashExitCode is reported for crash loops where the real exit code is not
// recoverable from inspect output, matching the shell convention for a
// missing command.
const CrashExitCode = 127

// Verdict is the outcome of a stability check.
type Verdict struct {
	Stable       bool
	CrashLooping bool
	ServiceFound bool
	ExitCode     int
	First        Snapshot
	Last         Snapshot
	Diagnostics  string
}

// Verifier decides whether a freshly started container keeps running. It
// samples container state twice across a fixed window; a single sample taken
// at the wrong moment sees a crash-looping container as running.
type Verifier struct {
	cli    *CLI
	window time.Duration
	sleep  func(time.Duration)
}

// NewVerifier creates a Verifier with the default observation window.
func NewVerifier(cli *CLI) *Verifier {
	return &Verifier{cli: cli, window: DefaultStabilityWindow, sleep: time.Sleep}
}

// WithWindow overrides the observation window. A zero or negative window
// falls back to the default.
func (v *Verifier) WithWindow(window time.Duration) *Verifier {
	if window > 0 {
		v.window = window
	}
	return v
}

// Verify samples the container twice, window apart, and classifies the
// result. Both samples are always taken: a healthy first sample says nothing
// about whether the process survives the window.
func (v *Verifier) Verify(ctx context.Context, containerID string) Verdict {
	first := v.cli.Inspect(ctx, containerID)
	v.sleep(v.window)
	last := v.cli.Inspect(ctx, containerID)

	verdict := Verdict{First: first, Last: last, ServiceFound: true}

	if isNotFound(first) && isNotFound(last) {
		verdict.ServiceFound = false
		verdict.Diagnostics = "service not found"
		return verdict
	}

	if first.Healthy() && last.Healthy() {
		verdict.Stable = true
		return verdict
	}

	if first.CrashSignal() || last.CrashSignal() {
		verdict.CrashLooping = true
		verdict.ExitCode = crashExit(first, last)
		verdict.Diagnostics = fmt.Sprintf("container is restarting or exited (status=%s exit=%d)",
			last.Status, verdict.ExitCode)
		log.Warn("container failed stability check",
			"container", containerID,
			"status", last.Status,
			"exit_code", verdict.ExitCode)
		return verdict
	}

	verdict.Diagnostics = fmt.Sprintf("container state is inconclusive (first=%s last=%s)",
		first.Status, last.Status)
	return verdict
}

// VerifyComposeService resolves a compose service to its container and
// verifies it. A service compose does not know about yields a not-found
// verdict rather than an error.
func (v *Verifier) VerifyComposeService(ctx context.Context, dir, service string) (Verdict, error) {
	containerID, err := v.cli.ComposeServiceID(ctx, dir, service)
	if err != nil {
		return Verdict{}, err
	}
	if containerID == "" {
		return Verdict{
			ServiceFound: false,
			Diagnostics:  fmt.Sprintf("service not found: %q has no container", service),
		}, nil
	}
	return v.Verify(ctx, containerID), nil
}

func isNotFound(s Snapshot) bool {
	return s.Status == StatusUnknown && strings.Contains(strings.ToLower(s.Raw), "no such")
}

// crashExit reports the most meaningful exit code across the two samples.
// A restarting container often shows exit 0 mid-restart, so a non-zero code
// from either sample wins; a restart with no recorded code maps to the
// canonical crash code.
func crashExit(first, last Snapshot) int {
	if last.ExitCode != 0 && last.ExitCode != -1 {
		return last.ExitCode
	}
	if first.ExitCode != 0 && first.ExitCode != -1 {
		return first.ExitCode
	}
	return CrashExitCode
}
