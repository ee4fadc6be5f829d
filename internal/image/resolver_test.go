package image

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"openclaw-controller/internal/command"
	"openclaw-controller/internal/config"
	"openclaw-controller/internal/docker"
	"openclaw-controller/internal/redact"
)

type scriptedRunner struct {
	responses []command.Result
	calls     []command.Request
}

func (r *scriptedRunner) Run(ctx context.Context, req command.Request) (command.Result, error) {
	idx := len(r.calls)
	r.calls = append(r.calls, req)
	if idx >= len(r.responses) {
		return command.Result{ExitCode: 1, Stderr: "no scripted response"}, nil
	}
	return r.responses[idx], nil
}

func newTestResolver(t *testing.T, runner *scriptedRunner) (*Resolver, *config.Store) {
	t.Helper()
	store := config.NewStore(t.TempDir())
	if _, err := store.Load(); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return NewResolver(docker.NewCLI(runner), store), store
}

func TestResolveIncompleteReferences(t *testing.T) {
	tests := []struct {
		name string
		sel  Selection
	}{
		{"public without reference", Selection{Kind: KindPublic}},
		{"public whitespace reference", Selection{Kind: KindPublic, Reference: "   "}},
		{"private without registry", Selection{Kind: KindPrivate, Reference: "org/gateway:1"}},
		{"private without reference", Selection{Kind: KindPrivate, Registry: "registry.internal"}},
		{"local without context", Selection{Kind: KindLocal}},
		{"unknown kind", Selection{Kind: "remote"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, _ := newTestResolver(t, &scriptedRunner{})
			_, err := resolver.Resolve(context.Background(), tt.sel)
			var incomplete *IncompleteReferenceError
			if !errors.As(err, &incomplete) {
				t.Fatalf("expected IncompleteReferenceError, got %v", err)
			}
		})
	}
}

func TestResolvePublicPersistsSelection(t *testing.T) {
	resolver, store := newTestResolver(t, &scriptedRunner{})

	image, err := resolver.Resolve(context.Background(), Selection{
		Kind:      KindPublic,
		Reference: " ghcr.io/openclaw/openclaw-gateway:stable ",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if image != "ghcr.io/openclaw/openclaw-gateway:stable" {
		t.Errorf("image = %q", image)
	}

	state, err := store.Load()
	if err != nil {
		t.Fatalf("failed to reload state: %v", err)
	}
	if state.GatewayImage != image {
		t.Errorf("persisted image = %q, want %q", state.GatewayImage, image)
	}
}

func TestResolvePrivateFormatsReference(t *testing.T) {
	resolver, _ := newTestResolver(t, &scriptedRunner{})

	image, err := resolver.Resolve(context.Background(), Selection{
		Kind:      KindPrivate,
		Registry:  "registry.internal",
		Reference: "openclaw/gateway:1.2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if image != "registry.internal/openclaw/gateway:1.2" {
		t.Errorf("image = %q", image)
	}
}

func TestBuildWithoutDockerfile(t *testing.T) {
	runner := &scriptedRunner{}
	resolver, _ := newTestResolver(t, runner)

	result, err := resolver.Build(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("build must fail without a Dockerfile")
	}
	if !strings.Contains(result.Logs, "Dockerfile") {
		t.Errorf("logs should mention the missing Dockerfile, got %q", result.Logs)
	}
	if len(runner.calls) != 0 {
		t.Errorf("docker must not be invoked without a Dockerfile, got %d calls", len(runner.calls))
	}
}

func TestResolveLocalBuildsAndPersistsDevTag(t *testing.T) {
	contextDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(contextDir, "Dockerfile"), []byte("FROM scratch\n"), 0644); err != nil {
		t.Fatal(err)
	}

	runner := &scriptedRunner{responses: []command.Result{{Stdout: "built ok"}}}
	resolver, store := newTestResolver(t, runner)

	image, err := resolver.Resolve(context.Background(), Selection{Kind: KindLocal, BuildContext: contextDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if image != DevImageTag {
		t.Errorf("image = %q, want %q", image, DevImageTag)
	}

	state, err := store.Load()
	if err != nil {
		t.Fatalf("failed to reload state: %v", err)
	}
	if state.GatewayImage != DevImageTag {
		t.Errorf("persisted image = %q, want dev tag", state.GatewayImage)
	}

	build := runner.calls[0]
	if build.Args[0] != "build" || build.Dir != contextDir {
		t.Errorf("unexpected build invocation: args=%v dir=%q", build.Args, build.Dir)
	}
}

func TestResolveLocalBuildFailureCarriesLogs(t *testing.T) {
	contextDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(contextDir, "Dockerfile"), []byte("FROM scratch\n"), 0644); err != nil {
		t.Fatal(err)
	}

	runner := &scriptedRunner{responses: []command.Result{
		{ExitCode: 1, Stderr: "ERROR: failed to solve: base image not found"},
	}}
	resolver, store := newTestResolver(t, runner)

	_, err := resolver.Resolve(context.Background(), Selection{Kind: KindLocal, BuildContext: contextDir})
	if err == nil {
		t.Fatal("expected error for failed build")
	}
	if !strings.Contains(err.Error(), "failed to solve") {
		t.Errorf("error should carry the build log, got %v", err)
	}

	state, _ := store.Load()
	if state.GatewayImage == DevImageTag {
		t.Error("failed build must not persist the dev tag")
	}
}

func TestBuildLogsAreTruncated(t *testing.T) {
	contextDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(contextDir, "Dockerfile"), []byte("FROM scratch\n"), 0644); err != nil {
		t.Fatal(err)
	}

	runner := &scriptedRunner{responses: []command.Result{
		{ExitCode: 1, Stderr: strings.Repeat("layer push retrying\n", 2000)},
	}}
	resolver, _ := newTestResolver(t, runner)

	result, err := resolver.Build(context.Background(), contextDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected build failure")
	}
	if len(result.Logs) > redact.MaxOutputChars+64 {
		t.Errorf("build logs not truncated: %d chars", len(result.Logs))
	}
}

func TestTestPullAccessGHCRUsesDirectPull(t *testing.T) {
	runner := &scriptedRunner{responses: []command.Result{{Stdout: "stable: Pulling... done"}}}
	resolver, _ := newTestResolver(t, runner)

	result, err := resolver.TestPullAccess(context.Background(), "ghcr.io/openclaw/openclaw-gateway:stable")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accessible {
		t.Fatal("expected accessible")
	}
	if result.Warning == "" {
		t.Error("GHCR direct pull should carry a warning")
	}
	if runner.calls[0].Args[0] != "pull" {
		t.Errorf("GHCR probe must pull directly, got args %v", runner.calls[0].Args)
	}
}

func TestTestPullAccessManifestSuccess(t *testing.T) {
	runner := &scriptedRunner{responses: []command.Result{{Stdout: `{"schemaVersion":2}`}}}
	resolver, _ := newTestResolver(t, runner)

	result, err := resolver.TestPullAccess(context.Background(), "docker.io/library/nginx:latest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accessible {
		t.Fatal("expected accessible")
	}
	if result.Warning != "" {
		t.Errorf("manifest success should have no warning, got %q", result.Warning)
	}
	if runner.calls[0].Args[0] != "manifest" {
		t.Errorf("non-GHCR probe should start with manifest inspect, got %v", runner.calls[0].Args)
	}
}

func TestTestPullAccessAuthFallback(t *testing.T) {
	runner := &scriptedRunner{responses: []command.Result{
		{ExitCode: 1, Stderr: "unauthorized: authentication required"},
		{Stdout: "latest: Pulling... done"},
	}}
	resolver, _ := newTestResolver(t, runner)

	result, err := resolver.TestPullAccess(context.Background(), "registry.internal/openclaw/gateway:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Accessible {
		t.Fatalf("fallback pull succeeded, result should be accessible: %+v", result)
	}
	if !strings.Contains(result.Warning, "pull succeeded") {
		t.Errorf("fallback success should warn about restricted manifest, got %q", result.Warning)
	}
	if len(runner.calls) != 2 || runner.calls[1].Args[0] != "pull" {
		t.Errorf("expected manifest then pull, got %d calls", len(runner.calls))
	}
}

func TestTestPullAccessHardFailureNoFallback(t *testing.T) {
	runner := &scriptedRunner{responses: []command.Result{
		{ExitCode: 1, Stderr: "no such manifest: registry.internal/openclaw/gateway:1"},
	}}
	resolver, _ := newTestResolver(t, runner)

	result, err := resolver.TestPullAccess(context.Background(), "registry.internal/openclaw/gateway:1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Accessible {
		t.Fatal("expected not accessible")
	}
	if len(runner.calls) != 1 {
		t.Errorf("non-auth failure must not trigger a pull fallback, got %d calls", len(runner.calls))
	}
}

func TestLooksLikeAuthFailure(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"unauthorized: authentication required", true},
		{"Access Denied for repository", true},
		{"failed with status: 403 Forbidden", true},
		{"insufficient_scope: authorization failed", true},
		{"manifest unknown", false},
		{"connection refused", false},
	}
	for _, tt := range tests {
		if got := looksLikeAuthFailure(tt.output); got != tt.want {
			t.Errorf("looksLikeAuthFailure(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}

func TestIsGitURL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://github.com/openclaw/gateway", true},
		{"git@github.com:openclaw/gateway.git", true},
		{"/home/user/gateway", false},
		{"./gateway", false},
	}
	for _, tt := range tests {
		if got := isGitURL(tt.in); got != tt.want {
			t.Errorf("isGitURL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
