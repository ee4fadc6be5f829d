// Package docker wraps the docker CLI behind the command Runner and adds the
// container stability verification protocol. Mutating operations shell out to
// the CLI so they stay observable and timeout-bounded; read-side listing uses
// the SDK client from client.go.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"openclaw-controller/internal/command"
	"openclaw-controller/pkg/log"
)

// Per-call timeouts. A compose up may pull images; a build may compile.
const (
	inspectTimeout = 15 * time.Second
	composeTimeout = 5 * time.Minute
	networkTimeout = 30 * time.Second
	logsTimeout    = 30 * time.Second
	statsTimeout   = 30 * time.Second
	pullTimeout    = 10 * time.Minute
	buildTimeout   = 15 * time.Minute
)

// CLI issues docker commands through a Runner.
type CLI struct {
	runner command.Runner
}

// NewCLI creates a docker CLI wrapper.
func NewCLI(runner command.Runner) *CLI {
	return &CLI{runner: runner}
}

// run invokes `docker args...` in dir with the given timeout.
func (c *CLI) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (command.Result, error) {
	result, err := c.runner.Run(ctx, command.Request{
		Binary:  "docker",
		Args:    args,
		Dir:     dir,
		Timeout: timeout,
	})
	if err != nil {
		log.Debug("docker command failed", "args", args, "error", err)
		return result, err
	}
	log.Debug("docker command executed", "args", args, "exit_code", result.ExitCode)
	return result, nil
}

// Inspect captures a state snapshot of a container. It never returns an
// error: an unresolvable container yields an unknown snapshot whose Raw field
// carries the diagnostics, because a missing container is an observation, not
// a fault.
func (c *CLI) Inspect(ctx context.Context, containerID string) Snapshot {
	result, err := c.run(ctx, "", inspectTimeout, "inspect", "--format", inspectFormat, containerID)
	if err != nil {
		return Snapshot{Status: StatusUnknown, ExitCode: -1, CapturedAt: time.Now(), Raw: fmt.Sprintf("inspect failed: %v", err)}
	}
	if !result.Success() {
		return Snapshot{Status: StatusUnknown, ExitCode: -1, CapturedAt: time.Now(), Raw: strings.TrimSpace(result.Combined())}
	}
	return parseSnapshot(result.Stdout)
}

// ContainerExists reports whether a container with the given name exists in
// any state.
func (c *CLI) ContainerExists(ctx context.Context, name string) bool {
	result, err := c.run(ctx, "", inspectTimeout, "inspect", "--format", "{{.Id}}", name)
	return err == nil && result.Success()
}

// ComposeServiceID resolves the container ID of a compose service via
// `docker compose ps -q`. An empty ID means compose knows no matching
// service.
func (c *CLI) ComposeServiceID(ctx context.Context, dir, service string) (string, error) {
	result, err := c.run(ctx, dir, inspectTimeout, "compose", "ps", "-q", service)
	if err != nil {
		return "", err
	}
	if !result.Success() {
		return "", nil
	}
	return strings.TrimSpace(result.Stdout), nil
}

// ComposeUp runs `docker compose up -d` in dir. A non-zero exit is returned
// as data inside the Result.
func (c *CLI) ComposeUp(ctx context.Context, dir string) (command.Result, error) {
	return c.run(ctx, dir, composeTimeout, "compose", "up", "-d")
}

// ComposeDown runs `docker compose down` in dir.
func (c *CLI) ComposeDown(ctx context.Context, dir string) (command.Result, error) {
	return c.run(ctx, dir, composeTimeout, "compose", "down")
}

// ComposeLogs fetches the last tail lines of a compose service's logs.
func (c *CLI) ComposeLogs(ctx context.Context, dir, service string, tail int) string {
	args := []string{"compose", "logs", "--tail", fmt.Sprintf("%d", tail)}
	if service != "" {
		args = append(args, service)
	}
	result, err := c.run(ctx, dir, logsTimeout, args...)
	if err != nil {
		return fmt.Sprintf("failed to get logs: %v", err)
	}
	return result.Combined()
}

// ContainerLogs fetches the last tail lines of a container's logs. Docker
// writes container logs to stderr for TTY-less containers, so both streams
// are combined.
func (c *CLI) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	result, err := c.run(ctx, "", logsTimeout, "logs", "--tail", fmt.Sprintf("%d", tail), name)
	if err != nil {
		return "", err
	}
	if !result.Success() {
		return "", fmt.Errorf("docker logs failed: %s", strings.TrimSpace(result.Stderr))
	}
	return result.Combined(), nil
}

// Create runs `docker create` with fully assembled arguments. The caller
// owns flag construction because hardening options differ per container
// role.
func (c *CLI) Create(ctx context.Context, args ...string) (command.Result, error) {
	return c.run(ctx, "", pullTimeout, append([]string{"create"}, args...)...)
}

// Start starts an existing container by name.
func (c *CLI) Start(ctx context.Context, name string) (command.Result, error) {
	return c.run(ctx, "", networkTimeout, "start", name)
}

// Stop stops a container with a grace period in seconds.
func (c *CLI) Stop(ctx context.Context, name string, graceSeconds int) (command.Result, error) {
	return c.run(ctx, "", time.Duration(graceSeconds+30)*time.Second,
		"stop", "-t", fmt.Sprintf("%d", graceSeconds), name)
}

// Remove force-removes a container by name.
func (c *CLI) Remove(ctx context.Context, name string) (command.Result, error) {
	return c.run(ctx, "", networkTimeout, "rm", "-f", name)
}

// Build runs `docker build -t tag .` in the build context directory.
func (c *CLI) Build(ctx context.Context, contextDir, tag string) (command.Result, error) {
	return c.run(ctx, contextDir, buildTimeout, "build", "-t", tag, ".")
}

// ManifestInspect probes registry access for an image without pulling it.
func (c *CLI) ManifestInspect(ctx context.Context, image string) (command.Result, error) {
	return c.run(ctx, "", pullTimeout, "manifest", "inspect", image)
}

// Pull pulls an image.
func (c *CLI) Pull(ctx context.Context, image string) (command.Result, error) {
	return c.run(ctx, "", pullTimeout, "pull", image)
}

// Run runs a one-shot container, removing it on exit.
func (c *CLI) Run(ctx context.Context, image string, args ...string) (command.Result, error) {
	return c.run(ctx, "", pullTimeout, append([]string{"run", "--rm", image}, args...)...)
}

// Stats captures a single `docker stats --no-stream` sample for a container
// in CPU|Mem|NetIO format.
func (c *CLI) Stats(ctx context.Context, name string) (command.Result, error) {
	return c.run(ctx, "", statsTimeout,
		"stats", "--no-stream", "--format", "{{.CPUPerc}}|{{.MemUsage}}|{{.NetIO}}", name)
}

// EnsureNetwork creates a bridge network if it does not already exist.
// Internal networks have no external routing; agent sandboxes attach to one
// so enabling their network never exposes the host's uplink directly.
func (c *CLI) EnsureNetwork(ctx context.Context, name string, internal bool, labels map[string]string) error {
	check, err := c.run(ctx, "", networkTimeout, "network", "inspect", name)
	if err != nil {
		return err
	}
	if check.Success() {
		return nil
	}

	args := []string{"network", "create", "--driver", "bridge"}
	if internal {
		args = append(args, "--internal")
	}
	for key, value := range labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", key, value))
	}
	args = append(args, name)

	create, err := c.run(ctx, "", networkTimeout, args...)
	if err != nil {
		return err
	}
	if !create.Success() {
		return fmt.Errorf("failed to create network %s: %s", name, strings.TrimSpace(create.Stderr))
	}
	return nil
}

// ConnectNetwork attaches a container to a network. Already-connected is not
// an error.
func (c *CLI) ConnectNetwork(ctx context.Context, network, container string) error {
	result, err := c.run(ctx, "", networkTimeout, "network", "connect", network, container)
	if err != nil {
		return err
	}
	if !result.Success() && !strings.Contains(result.Stderr, "already exists") {
		return fmt.Errorf("failed to connect %s to %s: %s", container, network, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// DisconnectNetwork detaches a container from a network. Not-connected is
// not an error.
func (c *CLI) DisconnectNetwork(ctx context.Context, network, container string) error {
	result, err := c.run(ctx, "", networkTimeout, "network", "disconnect", "--force", network, container)
	if err != nil {
		return err
	}
	if !result.Success() && !strings.Contains(result.Stderr, "is not connected") {
		return fmt.Errorf("failed to disconnect %s from %s: %s", container, network, strings.TrimSpace(result.Stderr))
	}
	return nil
}
