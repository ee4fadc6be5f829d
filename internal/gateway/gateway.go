// Package gateway drives the gateway container lifecycle: compose file
// generation, start with stability verification and health probing, stop,
// and read-only status polling.
package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"openclaw-controller/internal/config"
	"openclaw-controller/internal/docker"
	"openclaw-controller/internal/redact"
	"openclaw-controller/pkg/inflight"
	"openclaw-controller/pkg/log"
)

const (
	composeServiceName = "gateway"
	gatewayLockKey     = "gateway"
	diagnosticLogTail  = 50
)

// Lifecycle states.
type State string

const (
	StateNotConfigured State = "not_configured"
	StateStopped       State = "stopped"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateUnhealthy     State = "unhealthy"
	StateFailed        State = "failed"
)

// StartResult is the structured outcome of a start attempt. A failed start
// is a result, not an error; hard errors are reserved for the lock and the
// process boundary.
type StartResult struct {
	Active           bool     `json:"gateway_active"`
	Status           string   `json:"status"`
	Title            string   `json:"user_friendly_title"`
	Message          string   `json:"user_friendly_message"`
	RawDiagnostics   string   `json:"raw_diagnostics"`
	RemediationSteps []string `json:"remediation_steps"`
	ComposeFilePath  string   `json:"compose_file_path"`
	Warning          string   `json:"warning,omitempty"`
}

// StatusResult is a read-only poll outcome.
type StatusResult struct {
	State           State  `json:"state"`
	ContainerStable bool   `json:"container_stable"`
	HealthOK        bool   `json:"health_ok"`
	Version         string `json:"version,omitempty"`
	Diagnostics     string `json:"diagnostics,omitempty"`
}

// Manager owns the gateway instance. All mutations go through Start, Stop
// and Configure; at most one mutating operation runs at a time.
type Manager struct {
	store    *config.Store
	cli      *docker.CLI
	verifier *docker.Verifier
	prober   *Prober
	locks    *inflight.Gate

	mu    sync.Mutex
	state State
}

// NewManager creates a gateway Manager.
func NewManager(store *config.Store, cli *docker.CLI, verifier *docker.Verifier, prober *Prober, locks *inflight.Gate) *Manager {
	return &Manager{
		store:    store,
		cli:      cli,
		verifier: verifier,
		prober:   prober,
		locks:    locks,
		state:    StateNotConfigured,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state != state {
		log.Info("gateway state transition", "from", m.state, "to", state)
		m.state = state
	}
	m.mu.Unlock()
}

// Configure writes the compose file and env file for the given image and
// marks the install configured. Configuration is single-writer; concurrent
// saves are rejected.
func (m *Manager) Configure(ctx context.Context, image string, logLevel string) error {
	if err := m.locks.Acquire(gatewayLockKey); err != nil {
		return err
	}
	defer m.locks.Release(gatewayLockKey)

	state, err := m.store.Update(func(s *config.State) error {
		if image != "" {
			s.GatewayImage = image
		}
		if s.Status == config.StatusNew {
			s.Status = config.StatusConfigured
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := WriteComposeFile(m.store.ComposeFilePath(), state.GatewayImage); err != nil {
		return err
	}
	if err := m.store.WriteEnv(state, logLevel); err != nil {
		return err
	}
	m.setState(StateStopped)
	return nil
}

// quickCheck takes a single snapshot of the gateway container. It answers
// "is it running right now", not "is it stable"; only Start's verification
// path pays for the full observation window.
func (m *Manager) quickCheck(ctx context.Context) (bool, string) {
	containerID, err := m.cli.ComposeServiceID(ctx, m.store.Dir(), composeServiceName)
	if err != nil {
		return false, fmt.Sprintf("compose lookup failed: %v", err)
	}
	if containerID == "" {
		return false, "no gateway container found"
	}
	snapshot := m.cli.Inspect(ctx, containerID)
	return snapshot.Healthy(), "inspect: " + snapshot.Raw
}

// Start brings the gateway up. The sequence is: idempotency pre-check,
// compose up, two-sample stability verification, health probe. A stable but
// unhealthy gateway is a soft success surfaced as a warning.
func (m *Manager) Start(ctx context.Context) (StartResult, error) {
	if err := m.locks.Acquire(gatewayLockKey); err != nil {
		return StartResult{}, err
	}
	defer m.locks.Release(gatewayLockKey)

	composePath := m.store.ComposeFilePath()
	if _, err := os.Stat(composePath); err != nil {
		m.setState(StateNotConfigured)
		return StartResult{
			Status:           "failed",
			Title:            "Not Configured",
			Message:          "docker-compose.yml not found. Complete the configure step first.",
			RemediationSteps: []string{"Save the gateway configuration before starting."},
			ComposeFilePath:  composePath,
		}, nil
	}

	// Every start reads the image from persisted configuration: a selection
	// resolved after the last configure must reach this compose up.
	state, err := m.store.Load()
	if err != nil {
		return StartResult{}, err
	}
	if err := WriteComposeFile(composePath, state.GatewayImage); err != nil {
		return StartResult{}, err
	}

	if running, _ := m.quickCheck(ctx); running {
		m.setState(StateRunning)
		return StartResult{
			Active:          true,
			Status:          "already_running",
			Title:           "Gateway Already Running",
			Message:         "The gateway container is already active. No action needed.",
			ComposeFilePath: composePath,
		}, nil
	}

	m.setState(StateStarting)

	if err := m.cli.EnsureNetwork(ctx, EgressNetworkName, false, nil); err != nil {
		m.setState(StateFailed)
		return StartResult{
			Status:           "failed",
			Title:            "Network Creation Failed",
			Message:          fmt.Sprintf("Could not create the %s network: %v", EgressNetworkName, err),
			RemediationSteps: []string{"Check Docker permissions."},
			ComposeFilePath:  composePath,
		}, nil
	}

	up, err := m.cli.ComposeUp(ctx, m.store.Dir())
	if err != nil {
		m.setState(StateFailed)
		return StartResult{
			Status:          "failed",
			Title:           "Docker Unavailable",
			Message:         fmt.Sprintf("Failed to execute docker compose: %v", err),
			RawDiagnostics:  redact.Output(err.Error()),
			ComposeFilePath: composePath,
			RemediationSteps: []string{
				"Ensure the Docker daemon is running and docker is on PATH.",
			},
		}, nil
	}
	composeOutput := up.Combined()

	if !up.Success() {
		// Compose can exit non-zero for warnings while the container still
		// came up, so re-check before classifying this as a failure.
		if running, _ := m.quickCheck(ctx); running {
			m.setState(StateRunning)
			return StartResult{
				Active:          true,
				Status:          "already_running",
				Title:           "Gateway Running (with warning)",
				Message:         "The gateway container is running, but the last start command encountered errors.",
				RawDiagnostics:  redact.Output(composeOutput),
				ComposeFilePath: composePath,
				Warning:         "Last start attempt failed: " + redact.Output(up.Stderr),
			}, nil
		}
		return m.failWithRemediation(ctx, composePath, composeOutput, "", -1), nil
	}

	verdict, err := m.verifier.VerifyComposeService(ctx, m.store.Dir(), composeServiceName)
	if err != nil {
		m.setState(StateFailed)
		return StartResult{
			Status:          "failed",
			Title:           "Gateway Start Failed",
			Message:         fmt.Sprintf("Could not verify the gateway container: %v", err),
			RawDiagnostics:  redact.Output(composeOutput),
			ComposeFilePath: composePath,
		}, nil
	}

	if !verdict.ServiceFound {
		m.setState(StateFailed)
		return StartResult{
			Status:          "failed",
			Title:           "Gateway Service Not Found",
			Message:         "compose up succeeded but no gateway service container exists.",
			RawDiagnostics:  redact.Output(composeOutput + "\n" + verdict.Diagnostics),
			ComposeFilePath: composePath,
			RemediationSteps: []string{
				fmt.Sprintf("Inspect the compose file at %s: it must define a %q service.", composePath, composeServiceName),
			},
		}, nil
	}

	if !verdict.Stable {
		inspectDiag := fmt.Sprintf("inspect[1]: %s\ninspect[2]: %s", verdict.First.Raw, verdict.Last.Raw)
		return m.failWithRemediation(ctx, composePath, composeOutput, inspectDiag, verdict.ExitCode), nil
	}

	health := m.prober.Probe(ctx, m.store.ReadHTTPPort())
	if health.Healthy {
		m.setState(StateRunning)
		return StartResult{
			Active:          true,
			Status:          "started",
			Title:           "Gateway Running",
			Message:         "OpenClaw Gateway started, stable, and /health OK.",
			RawDiagnostics:  redact.Output(composeOutput),
			ComposeFilePath: composePath,
		}, nil
	}

	m.setState(StateUnhealthy)
	return StartResult{
		Active:          true,
		Status:          "started",
		Title:           "Gateway Running",
		Message:         "OpenClaw Gateway started but /health is not yet responding.",
		RawDiagnostics:  redact.Output(composeOutput),
		ComposeFilePath: composePath,
		Warning: fmt.Sprintf("Container is running but /health on port %d did not respond with 200. %s",
			m.store.ReadHTTPPort(), health.Error),
	}, nil
}

// failWithRemediation collects gateway logs, classifies the failure and
// returns a failed result. The state machine lands in Failed and never
// advances to Running from here.
func (m *Manager) failWithRemediation(ctx context.Context, composePath, composeOutput, inspectDiag string, exitCode int) StartResult {
	m.setState(StateFailed)

	logs := m.cli.ComposeLogs(ctx, m.store.Dir(), composeServiceName, diagnosticLogTail)
	sections := []string{composeOutput}
	if inspectDiag != "" {
		sections = append(sections, "--- inspect ---\n"+inspectDiag)
	}
	sections = append(sections, "--- gateway logs ---\n"+logs)
	fullDiag := strings.Join(sections, "\n")

	remediation := buildRemediation(fullDiag, exitCode, composePath)
	log.Warn("gateway start failed", "title", remediation.Title, "exit_code", exitCode)

	return StartResult{
		Status:           "failed",
		Title:            remediation.Title,
		Message:          remediation.Message,
		RawDiagnostics:   redact.Truncate(redact.Output(fullDiag)),
		RemediationSteps: remediation.Steps,
		ComposeFilePath:  composePath,
	}
}

// Stop brings the gateway down via compose. When configured, agent
// containers are stopped first, best effort. A missing container is not an
// error.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.locks.Acquire(gatewayLockKey); err != nil {
		return err
	}
	defer m.locks.Release(gatewayLockKey)

	state, err := m.store.Load()
	if err != nil {
		return err
	}

	if state.StopAgentsOnGatewayStop {
		_, err := m.store.Update(func(s *config.State) error {
			for i := range s.Agents {
				agent := &s.Agents[i]
				if agent.ContainerName == "" {
					continue
				}
				if _, err := m.cli.Stop(ctx, agent.ContainerName, 5); err != nil {
					log.Warn("failed to stop agent container", "container", agent.ContainerName, "error", err)
					continue
				}
				if agent.Status == config.AgentStatusRunning {
					agent.Status = config.AgentStatusStopped
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	down, err := m.cli.ComposeDown(ctx, m.store.Dir())
	if err != nil {
		return fmt.Errorf("failed to execute docker compose down: %w", err)
	}
	if !down.Success() {
		return fmt.Errorf("docker stop failed: %s", redact.Output(down.Stderr))
	}

	m.setState(StateStopped)
	log.Info("gateway stopped")
	return nil
}

// Status is a read-only poll: one snapshot plus one health probe, never a
// compose invocation, never cached.
func (m *Manager) Status(ctx context.Context) StatusResult {
	if _, err := os.Stat(m.store.ComposeFilePath()); err != nil {
		return StatusResult{State: StateNotConfigured, Diagnostics: "no compose file found"}
	}

	stable, diag := m.quickCheck(ctx)
	if !stable {
		return StatusResult{State: StateStopped, Diagnostics: redact.Output(diag)}
	}

	health := m.prober.Probe(ctx, m.store.ReadHTTPPort())
	result := StatusResult{
		ContainerStable: true,
		HealthOK:        health.Healthy,
		Version:         health.Payload.Version,
	}
	if health.Healthy {
		result.State = StateRunning
	} else {
		result.State = StateUnhealthy
		result.Diagnostics = redact.Output(health.Error)
	}
	return result
}

// Logs returns the tail of the compose project's logs, redacted.
func (m *Manager) Logs(ctx context.Context) string {
	return redact.Output(m.cli.ComposeLogs(ctx, m.store.Dir(), "", 100))
}
