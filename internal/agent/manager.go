// Package agent manages per-agent sandbox containers: creation with a
// dedicated workspace, lifecycle operations, crash-loop detection and
// quarantine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"openclaw-controller/internal/config"
	"openclaw-controller/internal/docker"
	"openclaw-controller/internal/redact"
	"openclaw-controller/pkg/inflight"
	"openclaw-controller/pkg/log"
)

const (
	// ContainerPrefix namespaces every agent container this controller owns.
	ContainerPrefix = "openclaw-agent-"

	// ManagedNetwork is the internal bridge network agents join when their
	// network access is enabled.
	ManagedNetwork = "openclaw-managed"

	// ManagedNetworkLabel marks resources created by this controller.
	ManagedNetworkLabel = "ai.openclaw.managed"

	// RoleLabel carries the container's role; agent containers are created
	// with RoleLabel=agent and reconciled against it.
	RoleLabel = "ai.openclaw.role"

	stopGraceSeconds = 10
	// startSettleDelay gives a fresh container a moment to crash before the
	// post-start inspection.
	startSettleDelay = 500 * time.Millisecond
)

// ErrQuarantined rejects operations that are not allowed on a quarantined
// agent. Only an explicit unquarantine lifts it.
var ErrQuarantined = errors.New("agent is quarantined")

// ErrInternetDisabled rejects network enablement while the global internet
// switch is off.
var ErrInternetDisabled = errors.New("internet access is disabled globally")

// NotFoundError reports an unknown agent ID.
type NotFoundError struct {
	AgentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent %q not found", e.AgentID)
}

// InspectResult is the per-agent health snapshot surfaced to callers.
type InspectResult struct {
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"`
	Restarting bool   `json:"restarting"`
	ExitCode   int    `json:"exit_code"`
	Healthy    bool   `json:"healthy"`
	Raw        string `json:"raw"`
}

// StatsResult is one docker stats sample for an agent container.
type StatsResult struct {
	AgentID    string  `json:"agent_id"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	NetIORx    string  `json:"net_io_rx"`
	NetIOTx    string  `json:"net_io_tx"`
	Running    bool    `json:"running"`
}

// ContainerLister lists containers by label. Satisfied by the docker SDK
// client; operations degrade gracefully when none is attached.
type ContainerLister interface {
	ListByLabel(ctx context.Context, label string) ([]docker.ContainerInfo, error)
}

// Manager owns agent sandbox lifecycles. Operations on distinct agents run
// concurrently; operations on the same agent are mutually exclusive.
type Manager struct {
	store    *config.Store
	cli      *docker.CLI
	verifier *docker.Verifier
	locks    *inflight.Gate
	lister   ContainerLister

	settle time.Duration
	sleep  func(time.Duration)
}

// NewManager creates an agent Manager.
func NewManager(store *config.Store, cli *docker.CLI, verifier *docker.Verifier, locks *inflight.Gate) *Manager {
	return &Manager{
		store:    store,
		cli:      cli,
		verifier: verifier,
		locks:    locks,
		settle:   startSettleDelay,
		sleep:    time.Sleep,
	}
}

// WithLister attaches a daemon-side container lister used to reconcile
// persisted agent status against live containers.
func (m *Manager) WithLister(lister ContainerLister) *Manager {
	m.lister = lister
	return m
}

func lockKey(agentID string) string {
	return "agent:" + agentID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ContainerName derives the deterministic container name for an agent ID.
func ContainerName(agentID string) string {
	return ContainerPrefix + shortID(agentID)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (m *Manager) getAgent(agentID string) (config.Agent, error) {
	state, err := m.store.Load()
	if err != nil {
		return config.Agent{}, err
	}
	agent := state.FindAgent(agentID)
	if agent == nil {
		return config.Agent{}, &NotFoundError{AgentID: agentID}
	}
	return *agent, nil
}

// recordError moves the agent into error status and keeps the diagnostic.
// Best effort: a store failure here is logged, not propagated, because the
// caller is already on an error path.
func (m *Manager) recordError(agentID, msg string) {
	err := m.updateAgent(agentID, func(a *config.Agent) {
		a.Status = config.AgentStatusError
		a.LastError = msg
		a.LastSeen = nowRFC3339()
	})
	if err != nil {
		log.Warn("failed to record agent error", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) updateAgent(agentID string, fn func(*config.Agent)) error {
	_, err := m.store.Update(func(s *config.State) error {
		agent := s.FindAgent(agentID)
		if agent == nil {
			return &NotFoundError{AgentID: agentID}
		}
		fn(agent)
		return nil
	})
	return err
}

// Create registers a new agent with its own workspace directory. The
// container is not created until the first start; networking is disabled by
// default so a fresh agent cannot reach anything.
func (m *Manager) Create(ctx context.Context, name, workspacePath string, startNow bool) (config.Agent, error) {
	id := uuid.New().String()

	if strings.TrimSpace(workspacePath) == "" {
		workspacePath = filepath.Join(m.store.Dir(), "workspaces", shortID(id))
	}

	now := nowRFC3339()
	entry := config.Agent{
		ID:             id,
		Name:           name,
		CreatedAt:      now,
		LastSeen:       now,
		Status:         config.AgentStatusCreating,
		WorkspacePath:  workspacePath,
		RuntimeImage:   config.DefaultGatewayImage,
		ContainerName:  ContainerName(id),
		Quarantined:    false,
		NetworkEnabled: false,
	}

	_, err := m.store.Update(func(s *config.State) error {
		s.Agents = append(s.Agents, entry)
		return nil
	})
	if err != nil {
		return config.Agent{}, err
	}

	if err := os.MkdirAll(workspacePath, 0755); err != nil {
		m.recordError(id, "workspace creation failed: "+err.Error())
		return config.Agent{}, fmt.Errorf("failed to create workspace %q: %w", workspacePath, err)
	}
	if err := m.updateAgent(id, func(a *config.Agent) {
		a.Status = config.AgentStatusStopped
	}); err != nil {
		return config.Agent{}, err
	}
	log.Info("agent created", "agent_id", id, "container", entry.ContainerName, "workspace", workspacePath)

	if startNow {
		if _, err := m.Start(ctx, id); err != nil {
			return entry, err
		}
	}
	return m.getAgent(id)
}

// List returns all persisted agents. When a daemon lister is attached, agents
// recorded as running whose container is gone or no longer running are
// reconciled back to stopped before the list is returned.
func (m *Manager) List(ctx context.Context) ([]config.Agent, error) {
	if m.lister != nil {
		if err := m.reconcile(ctx); err != nil {
			log.Warn("agent reconciliation skipped", "error", err)
		}
	}
	state, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	return append([]config.Agent(nil), state.Agents...), nil
}

// reconcile compares persisted running agents against the live containers
// carrying the agent role label.
func (m *Manager) reconcile(ctx context.Context) error {
	live, err := m.lister.ListByLabel(ctx, RoleLabel+"=agent")
	if err != nil {
		return err
	}
	running := make(map[string]bool, len(live))
	for _, info := range live {
		if info.State == docker.StatusRunning {
			running[info.Name] = true
		}
	}

	_, err = m.store.Update(func(s *config.State) error {
		for i := range s.Agents {
			a := &s.Agents[i]
			if a.Status == config.AgentStatusRunning && !running[a.ContainerName] {
				a.Status = config.AgentStatusStopped
				a.LastSeen = nowRFC3339()
				log.Info("agent container no longer running, marked stopped",
					"agent_id", a.ID, "container", a.ContainerName)
			}
		}
		return nil
	})
	return err
}

// Get returns one agent's full details.
func (m *Manager) Get(agentID string) (config.Agent, error) {
	return m.getAgent(agentID)
}

// createArgs assembles the hardened docker create invocation. The workspace
// is the only writable mount; the container starts with no network at all.
func createArgs(agent config.Agent) []string {
	return []string{
		"--name", agent.ContainerName,
		"--user", "node",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,size=64m",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--restart", "no",
		"--label", RoleLabel + "=agent",
		"--label", "ai.openclaw.agent_id=" + agent.ID,
		"--label", ManagedNetworkLabel + "=true",
		"-v", agent.WorkspacePath + ":/home/node/workspace:rw",
		"-e", "OPENCLAW_SAFE_MODE=1",
		"-e", "LOG_LEVEL=info",
		"--network", "none",
		agent.RuntimeImage,
		"node", "openclaw.mjs", "gateway", "--allow-unconfigured",
	}
}

// Start brings an agent container up, creating it on first use. After the
// start the container is inspected once; an agent that is not healthy lands
// in error status with diagnostics, never silently in running.
func (m *Manager) Start(ctx context.Context, agentID string) (InspectResult, error) {
	if err := m.locks.Acquire(lockKey(agentID)); err != nil {
		return InspectResult{}, err
	}
	defer m.locks.Release(lockKey(agentID))

	return m.startLocked(ctx, agentID)
}

// startLocked does the actual start work. The caller holds the agent's lock.
func (m *Manager) startLocked(ctx context.Context, agentID string) (InspectResult, error) {
	agent, err := m.getAgent(agentID)
	if err != nil {
		return InspectResult{}, err
	}
	if agent.Quarantined {
		return InspectResult{}, fmt.Errorf("cannot start agent %s: %w", agentID, ErrQuarantined)
	}

	if !m.cli.ContainerExists(ctx, agent.ContainerName) {
		create, err := m.cli.Create(ctx, createArgs(agent)...)
		if err != nil {
			return InspectResult{}, fmt.Errorf("docker create failed: %w", err)
		}
		if !create.Success() {
			stderr := redact.Output(create.Stderr)
			m.recordError(agentID, "container creation failed: "+stderr)
			return InspectResult{}, fmt.Errorf("container creation failed: %s", stderr)
		}
	}

	start, err := m.cli.Start(ctx, agent.ContainerName)
	if err != nil {
		return InspectResult{}, fmt.Errorf("docker start failed: %w", err)
	}
	if !start.Success() {
		stderr := redact.Output(start.Stderr)
		m.recordError(agentID, "container start failed: "+stderr)
		return InspectResult{}, fmt.Errorf("container start failed: %s", stderr)
	}

	m.sleep(m.settle)
	snapshot := m.cli.Inspect(ctx, agent.ContainerName)

	healthy := snapshot.Healthy()
	err = m.updateAgent(agentID, func(a *config.Agent) {
		a.LastSeen = nowRFC3339()
		if healthy {
			a.Status = config.AgentStatusRunning
			a.LastError = ""
		} else {
			a.Status = config.AgentStatusError
			a.LastError = "unhealthy after start: " + snapshot.Raw
		}
	})
	if err != nil {
		return InspectResult{}, err
	}

	if agent.NetworkEnabled {
		if err := m.cli.ConnectNetwork(ctx, ManagedNetwork, agent.ContainerName); err != nil {
			log.Warn("failed to reconnect agent network", "agent_id", agentID, "error", err)
		}
	}

	log.Info("agent started", "agent_id", agentID, "healthy", healthy)
	return InspectResult{
		AgentID:    agentID,
		Status:     snapshot.Status,
		Restarting: snapshot.Restarting,
		ExitCode:   snapshot.ExitCode,
		Healthy:    healthy,
		Raw:        snapshot.Raw,
	}, nil
}

// Stop stops an agent container. A missing container is not an error.
func (m *Manager) Stop(ctx context.Context, agentID string) error {
	if err := m.locks.Acquire(lockKey(agentID)); err != nil {
		return err
	}
	defer m.locks.Release(lockKey(agentID))

	agent, err := m.getAgent(agentID)
	if err != nil {
		return err
	}

	if m.cli.ContainerExists(ctx, agent.ContainerName) {
		stop, err := m.cli.Stop(ctx, agent.ContainerName, stopGraceSeconds)
		if err != nil {
			return fmt.Errorf("docker stop failed: %w", err)
		}
		if !stop.Success() {
			return fmt.Errorf("stop failed: %s", redact.Output(stop.Stderr))
		}
	}

	return m.updateAgent(agentID, func(a *config.Agent) {
		if !a.Quarantined {
			a.Status = config.AgentStatusStopped
		}
		a.LastSeen = nowRFC3339()
	})
}

// Restart recreates the agent container so it picks up fresh configuration,
// then starts it. The whole sequence runs under the agent's lock so another
// start or stop cannot interleave with the removal.
func (m *Manager) Restart(ctx context.Context, agentID string) (InspectResult, error) {
	if err := m.locks.Acquire(lockKey(agentID)); err != nil {
		return InspectResult{}, err
	}
	defer m.locks.Release(lockKey(agentID))

	agent, err := m.getAgent(agentID)
	if err != nil {
		return InspectResult{}, err
	}
	if agent.Quarantined {
		return InspectResult{}, fmt.Errorf("cannot restart agent %s: %w", agentID, ErrQuarantined)
	}

	if m.cli.ContainerExists(ctx, agent.ContainerName) {
		if _, err := m.cli.Stop(ctx, agent.ContainerName, 5); err != nil {
			log.Warn("failed to stop agent before restart", "agent_id", agentID, "error", err)
		}
		if _, err := m.cli.Remove(ctx, agent.ContainerName); err != nil {
			log.Warn("failed to remove agent before restart", "agent_id", agentID, "error", err)
		}
	}

	return m.startLocked(ctx, agentID)
}

// Remove force-removes the agent's container and deletes it from state.
// Irreversible.
func (m *Manager) Remove(ctx context.Context, agentID string) error {
	if err := m.locks.Acquire(lockKey(agentID)); err != nil {
		return err
	}
	defer m.locks.Release(lockKey(agentID))

	agent, err := m.getAgent(agentID)
	if err != nil {
		return err
	}

	if m.cli.ContainerExists(ctx, agent.ContainerName) {
		if _, err := m.cli.Remove(ctx, agent.ContainerName); err != nil {
			log.Warn("failed to remove agent container", "agent_id", agentID, "error", err)
		}
	}

	_, err = m.store.Update(func(s *config.State) error {
		kept := s.Agents[:0]
		for _, a := range s.Agents {
			if a.ID != agentID {
				kept = append(kept, a)
			}
		}
		s.Agents = kept
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("agent removed", "agent_id", agentID)
	return nil
}

// Logs returns the tail of an agent container's logs, redacted.
func (m *Manager) Logs(ctx context.Context, agentID string, tail int) (string, error) {
	agent, err := m.getAgent(agentID)
	if err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = 100
	}
	logs, err := m.cli.ContainerLogs(ctx, agent.ContainerName, tail)
	if err != nil {
		return "", err
	}
	return redact.Output(logs), nil
}

// InspectHealth takes a single state snapshot of the agent's container.
func (m *Manager) InspectHealth(ctx context.Context, agentID string) (InspectResult, error) {
	agent, err := m.getAgent(agentID)
	if err != nil {
		return InspectResult{}, err
	}
	snapshot := m.cli.Inspect(ctx, agent.ContainerName)
	return InspectResult{
		AgentID:    agentID,
		Status:     snapshot.Status,
		Restarting: snapshot.Restarting,
		ExitCode:   snapshot.ExitCode,
		Healthy:    snapshot.Healthy(),
		Raw:        snapshot.Raw,
	}, nil
}

// Stats samples resource usage for the agent's container. A container that
// is not running yields zeroed stats, not an error.
func (m *Manager) Stats(ctx context.Context, agentID string) (StatsResult, error) {
	agent, err := m.getAgent(agentID)
	if err != nil {
		return StatsResult{}, err
	}

	sample, err := m.cli.Stats(ctx, agent.ContainerName)
	if err != nil {
		return StatsResult{}, fmt.Errorf("docker stats failed: %w", err)
	}
	if !sample.Success() {
		return StatsResult{AgentID: agentID, NetIORx: "0B", NetIOTx: "0B"}, nil
	}

	return parseStats(agentID, sample.Stdout), nil
}

// parseStats parses "CPU%|MemUsage|NetIO" formatted docker stats output,
// e.g. "0.15%|12.5MiB / 512MiB|1.2kB / 648B".
func parseStats(agentID, raw string) StatsResult {
	result := StatsResult{AgentID: agentID, NetIORx: "0B", NetIOTx: "0B", Running: true}
	parts := strings.Split(strings.TrimSpace(raw), "|")

	if len(parts) > 0 {
		cpu := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[0]), "%"))
		if value, err := strconv.ParseFloat(cpu, 64); err == nil {
			result.CPUPercent = value
		}
	}
	if len(parts) > 1 {
		used := strings.TrimSpace(strings.Split(parts[1], "/")[0])
		result.MemoryMB = parseMemoryMB(used)
	}
	if len(parts) > 2 {
		netParts := strings.Split(parts[2], "/")
		if len(netParts) > 0 {
			result.NetIORx = strings.TrimSpace(netParts[0])
		}
		if len(netParts) > 1 {
			result.NetIOTx = strings.TrimSpace(netParts[1])
		}
	}
	return result
}

// parseMemoryMB converts a docker stats memory figure to MiB.
func parseMemoryMB(s string) float64 {
	s = strings.TrimSpace(s)
	parse := func(suffix string) (float64, bool) {
		if !strings.HasSuffix(s, suffix) {
			return 0, false
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, suffix)), 64)
		if err != nil {
			return 0, true
		}
		return value, true
	}

	if value, ok := parse("GiB"); ok {
		return value * 1024
	}
	if value, ok := parse("MiB"); ok {
		return value
	}
	if value, ok := parse("KiB"); ok {
		return value / 1024
	}
	if value, ok := parse("B"); ok {
		return value / (1024 * 1024)
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return value
}

// SetNetwork toggles an agent's network connectivity. The toggle is rejected
// outright while the agent is quarantined, and enabling requires the global
// internet switch to be on.
func (m *Manager) SetNetwork(ctx context.Context, agentID string, enabled bool) error {
	if err := m.locks.Acquire(lockKey(agentID)); err != nil {
		return err
	}
	defer m.locks.Release(lockKey(agentID))

	agent, err := m.getAgent(agentID)
	if err != nil {
		return err
	}
	if agent.Quarantined {
		return fmt.Errorf("cannot change network for agent %s: %w", agentID, ErrQuarantined)
	}

	if enabled {
		state, err := m.store.Load()
		if err != nil {
			return err
		}
		if !state.AllowInternet {
			return ErrInternetDisabled
		}
	}

	if m.cli.ContainerExists(ctx, agent.ContainerName) {
		if enabled {
			if err := m.cli.EnsureNetwork(ctx, ManagedNetwork, true, map[string]string{ManagedNetworkLabel: "true"}); err != nil {
				return err
			}
			if err := m.cli.ConnectNetwork(ctx, ManagedNetwork, agent.ContainerName); err != nil {
				return err
			}
		} else {
			if err := m.cli.DisconnectNetwork(ctx, ManagedNetwork, agent.ContainerName); err != nil {
				return err
			}
		}
	}

	err = m.updateAgent(agentID, func(a *config.Agent) {
		a.NetworkEnabled = enabled
	})
	if err != nil {
		return err
	}
	log.Info("agent network toggled", "agent_id", agentID, "enabled", enabled)
	return nil
}

// Quarantine isolates an agent: network disconnected, container stopped,
// status pinned to quarantined. One-directional until Unquarantine.
func (m *Manager) Quarantine(ctx context.Context, agentID string) error {
	if err := m.locks.Acquire(lockKey(agentID)); err != nil {
		return err
	}
	defer m.locks.Release(lockKey(agentID))

	agent, err := m.getAgent(agentID)
	if err != nil {
		return err
	}

	if m.cli.ContainerExists(ctx, agent.ContainerName) {
		if err := m.cli.DisconnectNetwork(ctx, ManagedNetwork, agent.ContainerName); err != nil {
			log.Warn("failed to disconnect quarantined agent", "agent_id", agentID, "error", err)
		}
		if _, err := m.cli.Stop(ctx, agent.ContainerName, 5); err != nil {
			log.Warn("failed to stop quarantined agent", "agent_id", agentID, "error", err)
		}
	}

	err = m.updateAgent(agentID, func(a *config.Agent) {
		a.Quarantined = true
		a.NetworkEnabled = false
		a.Status = config.AgentStatusQuarantined
		a.LastSeen = nowRFC3339()
	})
	if err != nil {
		return err
	}
	log.Warn("agent quarantined", "agent_id", agentID)
	return nil
}

// Unquarantine clears the quarantine flag. The agent lands in stopped
// status; the operator must start it and re-enable networking explicitly.
func (m *Manager) Unquarantine(agentID string) error {
	err := m.updateAgent(agentID, func(a *config.Agent) {
		a.Quarantined = false
		a.Status = config.AgentStatusStopped
	})
	if err != nil {
		return err
	}
	log.Info("agent unquarantined", "agent_id", agentID)
	return nil
}

// CheckCrashLoop runs the two-sample stability protocol against an agent's
// container. A crash-looping agent transitions to error status with the
// captured diagnostics; it is never quarantined automatically, quarantine
// stays an explicit operator action.
func (m *Manager) CheckCrashLoop(ctx context.Context, agentID string) (bool, error) {
	agent, err := m.getAgent(agentID)
	if err != nil {
		return false, err
	}

	if !m.cli.ContainerExists(ctx, agent.ContainerName) {
		return false, nil
	}

	verdict := m.verifier.Verify(ctx, agent.ContainerName)
	if !verdict.CrashLooping {
		return false, nil
	}

	err = m.updateAgent(agentID, func(a *config.Agent) {
		a.Status = config.AgentStatusError
		a.LastError = fmt.Sprintf("crash loop detected (exit %d): %s -> %s",
			verdict.ExitCode, verdict.First.Raw, verdict.Last.Raw)
		a.LastSeen = nowRFC3339()
	})
	if err != nil {
		return true, err
	}

	log.Warn("agent crash loop detected", "agent_id", agentID, "exit_code", verdict.ExitCode)
	return true, nil
}
