package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestLoadCreatesDefaultState(t *testing.T) {
	store := NewStore(t.TempDir())

	state, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if state.InstallID == "" {
		t.Error("expected a generated install ID")
	}
	if state.Status != StatusNew {
		t.Errorf("expected status %q, got %q", StatusNew, state.Status)
	}
	if state.HTTPPort != DefaultHTTPPort || state.HTTPSPort != DefaultHTTPSPort {
		t.Errorf("expected default ports, got %d/%d", state.HTTPPort, state.HTTPSPort)
	}
	if state.GatewayImage != DefaultGatewayImage {
		t.Errorf("expected default gateway image, got %q", state.GatewayImage)
	}
	if _, err := os.Stat(store.StatePath()); err != nil {
		t.Errorf("state file must be created on first load: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	state, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	state.GatewayImage = "openclaw-gateway:dev"
	state.HTTPPort = 8080
	state.Status = StatusConfigured
	state.Agents = append(state.Agents, Agent{
		ID:            "agent-1",
		Name:          "Test",
		Status:        AgentStatusStopped,
		ContainerName: "openclaw-agent-agent1",
	})
	if err := store.Save(state); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.GatewayImage != "openclaw-gateway:dev" {
		t.Errorf("gateway image not persisted, got %q", loaded.GatewayImage)
	}
	if loaded.HTTPPort != 8080 {
		t.Errorf("http port not persisted, got %d", loaded.HTTPPort)
	}
	if len(loaded.Agents) != 1 || loaded.Agents[0].ID != "agent-1" {
		t.Errorf("agents not persisted, got %+v", loaded.Agents)
	}
}

func TestUpdateAppliesAndPersists(t *testing.T) {
	store := NewStore(t.TempDir())

	updated, err := store.Update(func(s *State) error {
		s.GatewayImage = "nginx:alpine"
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.GatewayImage != "nginx:alpine" {
		t.Errorf("update result stale, got %q", updated.GatewayImage)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.GatewayImage != "nginx:alpine" {
		t.Errorf("update not persisted, got %q", loaded.GatewayImage)
	}
}

func TestLoadMergesMissingFields(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	// Simulate an old state file without newer fields.
	partial := map[string]any{
		"install_id": "legacy-install",
		"status":     "configured",
	}
	data, _ := json.Marshal(partial)
	if err := os.WriteFile(store.StatePath(), data, 0o600); err != nil {
		t.Fatalf("failed to seed state file: %v", err)
	}

	state, err := store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if state.InstallID != "legacy-install" {
		t.Errorf("existing fields must survive, got %q", state.InstallID)
	}
	if state.HTTPPort != DefaultHTTPPort {
		t.Errorf("missing fields must default, got %d", state.HTTPPort)
	}
	if state.AppDataDir != dir {
		t.Errorf("app data dir must be refreshed at load, got %q", state.AppDataDir)
	}
}

func TestFindAgent(t *testing.T) {
	state := &State{Agents: []Agent{{ID: "a"}, {ID: "b"}}}
	if agent := state.FindAgent("b"); agent == nil || agent.ID != "b" {
		t.Errorf("expected to find agent b, got %+v", agent)
	}
	if agent := state.FindAgent("missing"); agent != nil {
		t.Errorf("expected nil for unknown agent, got %+v", agent)
	}
}

func TestWriteEnvAndReadHTTPPort(t *testing.T) {
	store := NewStore(t.TempDir())
	state := DefaultState(store.Dir())
	state.HTTPPort = 9090

	if err := store.WriteEnv(state, "info"); err != nil {
		t.Fatalf("write env failed: %v", err)
	}
	if port := store.ReadHTTPPort(); port != 9090 {
		t.Errorf("expected port 9090 from .env, got %d", port)
	}
}

func TestReadHTTPPortDefaultsWhenMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	if port := store.ReadHTTPPort(); port != DefaultHTTPPort {
		t.Errorf("expected default port %d, got %d", DefaultHTTPPort, port)
	}
}
