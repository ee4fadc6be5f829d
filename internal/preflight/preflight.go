// Package preflight checks the host toolchain the orchestrator depends on:
// docker CLI, docker daemon, compose v2, and the node runtime.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"openclaw-controller/internal/command"
	"openclaw-controller/internal/redact"
	"openclaw-controller/pkg/log"
)

const checkTimeout = 30 * time.Second

// Result is one full preflight report. Absence of a tool is data here, never
// an error; the report explains what is missing and how to fix it.
type Result struct {
	DockerCLIFound        bool     `json:"docker_cli_found"`
	DockerCLIVersion      string   `json:"docker_cli_version,omitempty"`
	DockerDaemonReachable bool     `json:"docker_daemon_reachable"`
	DockerServerVersion   string   `json:"docker_server_version,omitempty"`
	ComposeV2Available    bool     `json:"compose_v2_available"`
	ComposeVersion        string   `json:"compose_version,omitempty"`
	NodeFound             bool     `json:"node_found"`
	NodeVersion           string   `json:"node_version,omitempty"`
	Diagnostics           []string `json:"diagnostics"`
	Remediation           string   `json:"remediation,omitempty"`
}

// SmokeResult is the outcome of the hello-world container smoke test.
type SmokeResult struct {
	Success     bool   `json:"success"`
	Diagnostics string `json:"diagnostics"`
}

// Checker runs the preflight suite. Docker commands use the plain runner;
// the node probe goes through the host runner so safe mode policy applies to
// it like any other host execution.
type Checker struct {
	docker command.Runner
	host   command.Runner
}

// NewChecker creates a Checker.
func NewChecker(dockerRunner, hostRunner command.Runner) *Checker {
	return &Checker{docker: dockerRunner, host: hostRunner}
}

func (c *Checker) run(ctx context.Context, runner command.Runner, binary string, args ...string) (command.Result, error) {
	return runner.Run(ctx, command.Request{Binary: binary, Args: args, Timeout: checkTimeout})
}

func diagnostic(label string, result command.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %v", label, err)
	}
	detail := strings.TrimSpace(result.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(result.Stdout)
	}
	if detail == "" {
		return fmt.Sprintf("%s: exit code %d", label, result.ExitCode)
	}
	return fmt.Sprintf("%s: %s", label, redact.Truncate(redact.Output(detail)))
}

// parseVersionLine extracts the token following a "version" marker, e.g.
// "Docker version 27.0.3, build abc" yields "27.0.3".
func parseVersionLine(line string) string {
	lower := strings.ToLower(line)
	index := strings.Index(lower, "version")
	if index < 0 {
		return ""
	}
	after := strings.TrimSpace(line[index+len("version"):])
	after = strings.TrimSpace(strings.TrimPrefix(after, ":"))
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(fields[0], ",")
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

// Check probes the docker CLI, daemon, compose v2 and node, in dependency
// order. The first missing link sets the remediation hint; later hints never
// overwrite an earlier one.
func (c *Checker) Check(ctx context.Context) Result {
	var result Result
	var diagnostics []string

	version, err := c.run(ctx, c.docker, "docker", "--version")
	if err != nil {
		var notFound *command.NotFoundError
		if errors.As(err, &notFound) {
			result.Remediation = "Docker is not installed or the docker binary is not on PATH. Install Docker and retry."
		} else {
			diagnostics = append(diagnostics, diagnostic("docker --version", version, err))
			result.Remediation = "The docker CLI could not be executed. Check the installation."
		}
		result.Diagnostics = diagnostics
		return result
	}
	if version.Success() {
		result.DockerCLIFound = true
		result.DockerCLIVersion = parseVersionLine(firstLine(version.Stdout))
	} else {
		diagnostics = append(diagnostics, diagnostic("docker --version", version, nil))
		result.Diagnostics = diagnostics
		result.Remediation = "The docker CLI is present but not working. Reinstall Docker."
		return result
	}

	info, err := c.run(ctx, c.docker, "docker", "info")
	if err == nil && info.Success() {
		result.DockerDaemonReachable = true
	} else {
		diagnostics = append(diagnostics, diagnostic("docker info", info, err))
		result.Remediation = "Docker is installed but the daemon is not responding. Start Docker and retry."
	}

	if result.DockerDaemonReachable {
		server, err := c.run(ctx, c.docker, "docker", "version", "--format", "{{.Server.Version}}")
		if err == nil && server.Success() {
			result.DockerServerVersion = strings.TrimSpace(server.Stdout)
		} else {
			diagnostics = append(diagnostics, diagnostic("docker version --format", server, err))
		}
	}

	compose, err := c.run(ctx, c.docker, "docker", "compose", "version")
	if err == nil && compose.Success() {
		result.ComposeV2Available = true
		result.ComposeVersion = parseVersionLine(firstLine(compose.Stdout))
	} else {
		diagnostics = append(diagnostics, diagnostic("docker compose version", compose, err))
		if result.Remediation == "" {
			result.Remediation = "Docker Compose v2 is not available. Update Docker."
		}
	}

	node, err := c.run(ctx, c.host, "node", "--version")
	if err == nil && node.Success() {
		result.NodeFound = true
		result.NodeVersion = strings.TrimSpace(node.Stdout)
	} else {
		diagnostics = append(diagnostics, diagnostic("node --version", node, err))
	}

	result.Diagnostics = diagnostics
	log.Info("preflight check completed",
		"docker_cli", result.DockerCLIFound,
		"daemon", result.DockerDaemonReachable,
		"compose_v2", result.ComposeV2Available,
		"node", result.NodeFound)
	return result
}

// SmokeTest runs the hello-world container end to end, verifying pull, create
// and run against the live daemon.
func (c *Checker) SmokeTest(ctx context.Context) (SmokeResult, error) {
	result, err := c.docker.Run(ctx, command.Request{
		Binary:  "docker",
		Args:    []string{"run", "--rm", "hello-world"},
		Timeout: 2 * time.Minute,
	})
	if err != nil {
		return SmokeResult{}, fmt.Errorf("failed to execute docker: %w", err)
	}
	return SmokeResult{
		Success:     result.Success(),
		Diagnostics: redact.Truncate(redact.Output(result.Combined())),
	}, nil
}
