package command

import (
	"context"
	"errors"
	"os"
	"testing"
)

// fakeRunner records requests and returns a scripted result.
type fakeRunner struct {
	calls  []Request
	result Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, req Request) (Result, error) {
	f.calls = append(f.calls, req)
	return f.result, f.err
}

func TestPolicyCheckAllowlist(t *testing.T) {
	self, _ := os.Executable()
	policy := NewPolicy(true, self)

	testCases := []struct {
		name    string
		binary  string
		allowed bool
	}{
		{"node allowed", "node", true},
		{"bun allowed", "bun", true},
		{"product cli allowed", "openclaw", true},
		{"own executable allowed", self, true},
		{"ls rejected", "ls", false},
		{"docker rejected", "docker", false},
		{"case sensitive", "Node", false},
		{"path to random binary rejected", "/usr/bin/curl", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.Check(tc.binary)
			if tc.allowed && err != nil {
				t.Errorf("expected %q to be allowed, got %v", tc.binary, err)
			}
			if !tc.allowed {
				var violation *SafeModeViolationError
				if !errors.As(err, &violation) {
					t.Fatalf("expected SafeModeViolationError for %q, got %v", tc.binary, err)
				}
				if violation.Binary != tc.binary {
					t.Errorf("violation must name the attempted binary, got %q", violation.Binary)
				}
			}
		})
	}
}

func TestPolicyDisabledAllowsEverything(t *testing.T) {
	policy := NewPolicy(false, "")
	for _, binary := range []string{"ls", "docker", "rm", "node"} {
		if err := policy.Check(binary); err != nil {
			t.Errorf("disabled policy must allow %q, got %v", binary, err)
		}
	}
}

func TestGateRejectsBeforeSpawn(t *testing.T) {
	fake := &fakeRunner{}
	gate := NewGate(NewPolicy(true, ""), fake)

	_, err := gate.Run(context.Background(), Request{Binary: "ls", Args: []string{"-la"}})
	var violation *SafeModeViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected SafeModeViolationError, got %v", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("no process may be spawned for a rejected binary, saw %d calls", len(fake.calls))
	}
}

func TestGatePassesAllowedBinary(t *testing.T) {
	fake := &fakeRunner{result: Result{ExitCode: 0, Stdout: "v20.0.0"}}
	gate := NewGate(NewPolicy(true, ""), fake)

	result, err := gate.Run(context.Background(), Request{Binary: "node", Args: []string{"-v"}})
	if err != nil {
		t.Fatalf("expected node to pass the gate, got %v", err)
	}
	if result.Stdout != "v20.0.0" {
		t.Errorf("result must come from the wrapped runner, got %q", result.Stdout)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected one delegated call, got %d", len(fake.calls))
	}
}

func TestGateDisabledIsPassThrough(t *testing.T) {
	fake := &fakeRunner{result: Result{ExitCode: 0}}
	gate := NewGate(NewPolicy(false, ""), fake)

	if _, err := gate.Run(context.Background(), Request{Binary: "ls"}); err != nil {
		t.Fatalf("disabled gate must pass through, got %v", err)
	}
	if len(fake.calls) != 1 {
		t.Errorf("expected delegation with safe mode off, got %d calls", len(fake.calls))
	}
}

func TestPolicyFromEnvTruthyValues(t *testing.T) {
	for _, value := range []string{"1", "true", "yes", "on"} {
		t.Run(value, func(t *testing.T) {
			t.Setenv(SafeModeEnvVar, value)
			if !PolicyFromEnv().Enabled {
				t.Errorf("expected %s=%q to enable safe mode", SafeModeEnvVar, value)
			}
		})
	}
	t.Run("unset", func(t *testing.T) {
		t.Setenv(SafeModeEnvVar, "")
		if PolicyFromEnv().Enabled {
			t.Error("expected empty value to leave safe mode off")
		}
	})
}
