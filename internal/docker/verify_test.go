package docker

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"openclaw-controller/internal/command"
)

// scriptedRunner replays canned responses in call order.
type scriptedRunner struct {
	responses []command.Result
	errs      []error
	calls     []command.Request
}

func (r *scriptedRunner) Run(ctx context.Context, req command.Request) (command.Result, error) {
	idx := len(r.calls)
	r.calls = append(r.calls, req)
	if idx >= len(r.responses) {
		return command.Result{ExitCode: 1, Stderr: "no scripted response"}, nil
	}
	var err error
	if idx < len(r.errs) {
		err = r.errs[idx]
	}
	return r.responses[idx], err
}

func inspectOK(status string, restarting bool, exitCode int) command.Result {
	restart := "false"
	if restarting {
		restart = "true"
	}
	return command.Result{Stdout: fmt.Sprintf("%s|%s|%d\n", status, restart, exitCode)}
}

func newTestVerifier(runner *scriptedRunner) *Verifier {
	v := NewVerifier(NewCLI(runner)).WithWindow(time.Millisecond)
	v.sleep = func(time.Duration) {}
	return v
}

func TestParseSnapshot(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		status     string
		restarting bool
		exitCode   int
	}{
		{"running", "running|false|0", StatusRunning, false, 0},
		{"restarting", "restarting|true|1", StatusRestarting, true, 1},
		{"exited nonzero", "exited|false|127", StatusExited, false, 127},
		{"trailing newline", "running|false|0\n", StatusRunning, false, 0},
		{"mixed case", "Running|False|0", StatusRunning, false, 0},
		{"malformed", "garbage", StatusUnknown, false, -1},
		{"empty", "", StatusUnknown, false, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSnapshot(tt.raw)
			if got.Status != tt.status {
				t.Errorf("status = %q, want %q", got.Status, tt.status)
			}
			if got.Restarting != tt.restarting {
				t.Errorf("restarting = %v, want %v", got.Restarting, tt.restarting)
			}
			if got.ExitCode != tt.exitCode {
				t.Errorf("exit code = %d, want %d", got.ExitCode, tt.exitCode)
			}
		})
	}
}

func TestSnapshotClassification(t *testing.T) {
	tests := []struct {
		name    string
		snap    Snapshot
		healthy bool
		crash   bool
	}{
		{"running clean", Snapshot{Status: StatusRunning}, true, false},
		{"running but restarting", Snapshot{Status: StatusRunning, Restarting: true}, false, true},
		{"exited zero", Snapshot{Status: StatusExited}, false, false},
		{"exited nonzero", Snapshot{Status: StatusExited, ExitCode: 127}, false, true},
		{"unknown", Snapshot{Status: StatusUnknown, ExitCode: -1}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.Healthy(); got != tt.healthy {
				t.Errorf("Healthy() = %v, want %v", got, tt.healthy)
			}
			if got := tt.snap.CrashSignal(); got != tt.crash {
				t.Errorf("CrashSignal() = %v, want %v", got, tt.crash)
			}
		})
	}
}

func TestVerifyStable(t *testing.T) {
	runner := &scriptedRunner{responses: []command.Result{
		inspectOK(StatusRunning, false, 0),
		inspectOK(StatusRunning, false, 0),
	}}

	verdict := newTestVerifier(runner).Verify(context.Background(), "abc123")

	if !verdict.Stable {
		t.Fatalf("expected stable verdict, got %+v", verdict)
	}
	if verdict.CrashLooping {
		t.Error("stable verdict must not report crash looping")
	}
	if !verdict.ServiceFound {
		t.Error("stable verdict must report service found")
	}
	if len(runner.calls) != 2 {
		t.Errorf("expected 2 inspect calls, got %d", len(runner.calls))
	}
}

func TestVerifyAlwaysTakesBothSamples(t *testing.T) {
	// First sample already crashed; the second sample is still taken.
	runner := &scriptedRunner{responses: []command.Result{
		inspectOK(StatusExited, false, 1),
		inspectOK(StatusRestarting, true, 1),
	}}

	verdict := newTestVerifier(runner).Verify(context.Background(), "abc123")

	if len(runner.calls) != 2 {
		t.Fatalf("expected 2 inspect calls, got %d", len(runner.calls))
	}
	if !verdict.CrashLooping {
		t.Errorf("expected crash-looping verdict, got %+v", verdict)
	}
}

func TestVerifyDiesWithinWindow(t *testing.T) {
	runner := &scriptedRunner{responses: []command.Result{
		inspectOK(StatusRunning, false, 0),
		inspectOK(StatusExited, false, 127),
	}}

	verdict := newTestVerifier(runner).Verify(context.Background(), "abc123")

	if verdict.Stable {
		t.Fatal("container that dies within the window must not be stable")
	}
	if !verdict.CrashLooping {
		t.Fatalf("expected crash-looping verdict, got %+v", verdict)
	}
	if verdict.ExitCode != 127 {
		t.Errorf("exit code = %d, want 127", verdict.ExitCode)
	}
}

func TestVerifyRestartingWithoutExitCode(t *testing.T) {
	runner := &scriptedRunner{responses: []command.Result{
		inspectOK(StatusRestarting, true, 0),
		inspectOK(StatusRestarting, true, 0),
	}}

	verdict := newTestVerifier(runner).Verify(context.Background(), "abc123")

	if !verdict.CrashLooping {
		t.Fatalf("expected crash-looping verdict, got %+v", verdict)
	}
	if verdict.ExitCode != CrashExitCode {
		t.Errorf("exit code = %d, want canonical %d", verdict.ExitCode, CrashExitCode)
	}
}

func TestVerifyContainerNotFound(t *testing.T) {
	notFound := command.Result{ExitCode: 1, Stderr: "Error: No such object: abc123"}
	runner := &scriptedRunner{responses: []command.Result{notFound, notFound}}

	verdict := newTestVerifier(runner).Verify(context.Background(), "abc123")

	if verdict.ServiceFound {
		t.Fatalf("expected not-found verdict, got %+v", verdict)
	}
	if verdict.Stable || verdict.CrashLooping {
		t.Error("not-found verdict must be distinct from stable and crash-looping")
	}
	if !strings.Contains(verdict.Diagnostics, "service not found") {
		t.Errorf("diagnostics = %q, want service not found", verdict.Diagnostics)
	}
}

func TestVerifyComposeServiceMissing(t *testing.T) {
	// compose ps -q returns an empty ID for an unknown service.
	runner := &scriptedRunner{responses: []command.Result{{Stdout: "\n"}}}

	verdict, err := newTestVerifier(runner).VerifyComposeService(context.Background(), "/tmp", "gateway")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.ServiceFound {
		t.Fatalf("expected not-found verdict, got %+v", verdict)
	}
	if !strings.Contains(verdict.Diagnostics, "service not found") {
		t.Errorf("diagnostics = %q, want service not found", verdict.Diagnostics)
	}
	if !strings.Contains(verdict.Diagnostics, "gateway") {
		t.Errorf("diagnostics should name the service, got %q", verdict.Diagnostics)
	}
	if len(runner.calls) != 1 {
		t.Errorf("expected only the compose ps call, got %d calls", len(runner.calls))
	}
}

func TestVerifyComposeServiceResolvesContainer(t *testing.T) {
	runner := &scriptedRunner{responses: []command.Result{
		{Stdout: "deadbeef\n"},
		inspectOK(StatusRunning, false, 0),
		inspectOK(StatusRunning, false, 0),
	}}

	verdict, err := newTestVerifier(runner).VerifyComposeService(context.Background(), "/tmp", "gateway")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Stable {
		t.Fatalf("expected stable verdict, got %+v", verdict)
	}

	inspect := runner.calls[1]
	found := false
	for _, arg := range inspect.Args {
		if arg == "deadbeef" {
			found = true
		}
	}
	if !found {
		t.Errorf("inspect should target the resolved container ID, args = %v", inspect.Args)
	}
}
