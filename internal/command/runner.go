// Package command executes host processes with bounded timeouts and captured
// output. It is the only package that touches the OS process table; every
// docker/compose invocation in the control plane funnels through a Runner.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// DefaultTimeout bounds a single command invocation when the caller does not
// supply one. Timeouts are per-call: a logical operation composed of several
// commands is bounded by the sum of its sub-call timeouts.
const DefaultTimeout = 120 * time.Second

// Result captures the outcome of a process that actually ran. A non-zero exit
// code is a normal result, not an error; callers treat it as data.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the process exited with code zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Combined returns stdout and stderr joined for diagnostics. Docker tooling
// splits messages between the two streams inconsistently across platforms, so
// diagnostics always look at both.
func (r Result) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// NotFoundError signals that the requested binary does not exist on the host.
type NotFoundError struct {
	Binary string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("binary not found: %s", e.Binary)
}

// TimeoutError signals that the process exceeded its per-call bound and was
// killed before completing.
type TimeoutError struct {
	Binary  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s exceeded timeout of %s", e.Binary, e.Timeout)
}

// Request describes a single process invocation.
type Request struct {
	Binary  string
	Args    []string
	Dir     string        // working directory; empty means inherit
	Timeout time.Duration // zero means DefaultTimeout
	Env     []string      // extra environment entries appended to the parent's
}

// Runner executes host commands. The interface exists so lifecycle components
// can be exercised in tests with scripted results.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

type execRunner struct{}

// NewRunner returns the exec-backed Runner used in production.
func NewRunner() Runner {
	return execRunner{}
}

// Run executes the request and captures stdout/stderr. It returns a hard
// error only for "binary not found" and "exceeded timeout"; a process that
// ran and exited non-zero yields a Result with no error.
func (execRunner) Run(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Binary, req.Args...)
	// The command runs in its own process group and the whole group is
	// killed on timeout. Killing only the direct child would leave
	// descendants holding the output pipes, and Wait would block until
	// they exit on their own.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = nil

	err := cmd.Run()

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err == nil {
		return result, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, &TimeoutError{Binary: req.Binary, Timeout: timeout}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Ran and exited non-zero: that is data, not a fault.
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return Result{}, &NotFoundError{Binary: req.Binary}
	}

	return Result{}, fmt.Errorf("failed to execute %s: %w", req.Binary, err)
}
