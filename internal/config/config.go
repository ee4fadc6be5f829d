// Package config persists the control plane's state file and derived
// artifacts (.env, compose file path). Lifecycle components read the latest
// persisted state at the start of each operation; nothing holds a cached
// image or port selection in memory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"openclaw-controller/pkg/env"
)

const (
	// DefaultHTTPPort is the host port mapped to the gateway container.
	DefaultHTTPPort = 80
	// DefaultHTTPSPort is reserved for TLS termination by the gateway.
	DefaultHTTPSPort = 443
	// DefaultComposeProject names the compose project for all gateway containers.
	DefaultComposeProject = "openclaw-mvp"
	// DefaultGatewayImage is used until an explicit image selection is saved.
	DefaultGatewayImage = "ghcr.io/openclaw/openclaw-gateway:stable"

	stateFileName   = "state.json"
	envFileName     = ".env"
	composeFileName = "docker-compose.yml"

	// HTTPPortEnvVar is the .env key holding the gateway's host HTTP port.
	HTTPPortEnvVar = "OPENCLAW_HTTP_PORT"
)

// Statuses of the installation as a whole.
const (
	StatusNew        = "new"
	StatusConfigured = "configured"
	StatusRunning    = "running"
)

// Agent statuses persisted in the state file. A quarantined agent is never
// "running"; the two fields are kept consistent by the agent manager.
const (
	AgentStatusCreating    = "creating"
	AgentStatusStopped     = "stopped"
	AgentStatusRunning     = "running"
	AgentStatusError       = "error"
	AgentStatusQuarantined = "quarantined"
)

// Agent is one persisted agent sandbox entry.
type Agent struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CreatedAt      string `json:"created_at"`
	LastSeen       string `json:"last_seen"`
	Status         string `json:"status"`
	WorkspacePath  string `json:"workspace_path"`
	RuntimeImage   string `json:"runtime_image"`
	ContainerName  string `json:"container_name"`
	LastError      string `json:"last_error"`
	Quarantined    bool   `json:"quarantined"`
	NetworkEnabled bool   `json:"network_enabled"`
}

// State is the persisted control plane configuration.
type State struct {
	InstallID               string  `json:"install_id"`
	CreatedAt               string  `json:"created_at"`
	Status                  string  `json:"status"`
	ComposeProjectName      string  `json:"compose_project_name"`
	AppDataDir              string  `json:"app_data_dir"`
	GatewayImage            string  `json:"gateway_image"`
	HTTPPort                int     `json:"http_port"`
	HTTPSPort               int     `json:"https_port"`
	StopAgentsOnGatewayStop bool    `json:"stop_agents_on_gateway_stop"`
	AllowInternet           bool    `json:"allow_internet"`
	Agents                  []Agent `json:"agents"`
}

// FindAgent returns a pointer into the Agents slice, or nil.
func (s *State) FindAgent(agentID string) *Agent {
	for i := range s.Agents {
		if s.Agents[i].ID == agentID {
			return &s.Agents[i]
		}
	}
	return nil
}

// DefaultState creates a fresh state with a new install ID.
func DefaultState(appDataDir string) *State {
	return &State{
		InstallID:               uuid.NewString(),
		CreatedAt:               time.Now().UTC().Format(time.RFC3339),
		Status:                  StatusNew,
		ComposeProjectName:      DefaultComposeProject,
		AppDataDir:              appDataDir,
		GatewayImage:            DefaultGatewayImage,
		HTTPPort:                DefaultHTTPPort,
		HTTPSPort:               DefaultHTTPSPort,
		StopAgentsOnGatewayStop: true,
	}
}

// Store reads and writes the state file. Saves are single-writer: the mutex
// serializes every configuration change so concurrent lifecycle operations
// cannot interleave partial writes.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at the application data directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the application data directory.
func (s *Store) Dir() string { return s.dir }

// StatePath returns the path of the persisted state file.
func (s *Store) StatePath() string { return filepath.Join(s.dir, stateFileName) }

// EnvFilePath returns the path of the generated .env file.
func (s *Store) EnvFilePath() string { return filepath.Join(s.dir, envFileName) }

// ComposeFilePath returns the path of the generated compose file.
func (s *Store) ComposeFilePath() string { return filepath.Join(s.dir, composeFileName) }

// Load reads the state file, creating it with defaults when missing.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*State, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create app data directory: %w", err)
	}

	path := s.StatePath()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read state file: %w", err)
		}
		state := DefaultState(s.dir)
		if err := s.saveLocked(state); err != nil {
			return nil, err
		}
		return state, nil
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	applyDefaults(state, s.dir)
	return state, nil
}

func applyDefaults(state *State, dir string) {
	if state.InstallID == "" {
		state.InstallID = uuid.NewString()
	}
	if state.Status == "" {
		state.Status = StatusNew
	}
	if state.ComposeProjectName == "" {
		state.ComposeProjectName = DefaultComposeProject
	}
	if state.GatewayImage == "" {
		state.GatewayImage = DefaultGatewayImage
	}
	if state.HTTPPort == 0 {
		state.HTTPPort = DefaultHTTPPort
	}
	if state.HTTPSPort == 0 {
		state.HTTPSPort = DefaultHTTPSPort
	}
	state.AppDataDir = dir
}

// Save persists the state file.
func (s *Store) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(state)
}

func (s *Store) saveLocked(state *State) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create app data directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(s.StatePath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// Update applies fn to the latest persisted state and saves the result under
// a single lock, so concurrent updates never clobber each other.
func (s *Store) Update(fn func(*State) error) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	if err := s.saveLocked(state); err != nil {
		return nil, err
	}
	return state, nil
}

// WriteEnv regenerates the .env file consumed by the compose project.
func (s *Store) WriteEnv(state *State, logLevel string) error {
	vars := map[string]string{
		HTTPPortEnvVar:        strconv.Itoa(state.HTTPPort),
		"OPENCLAW_HTTPS_PORT": strconv.Itoa(state.HTTPSPort),
		"OPENCLAW_SAFE_MODE":  "1",
		"LOG_LEVEL":           logLevel,
	}
	return env.Save(s.EnvFilePath(), vars)
}

// ReadHTTPPort reads the gateway's host HTTP port back from the .env file,
// falling back to the default when the file or key is absent.
func (s *Store) ReadHTTPPort() int {
	vars, err := env.Load(s.EnvFilePath())
	if err != nil {
		return DefaultHTTPPort
	}
	if raw, ok := vars[HTTPPortEnvVar]; ok {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			return port
		}
	}
	return DefaultHTTPPort
}
