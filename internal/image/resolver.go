// Package image resolves which gateway image to run. A selection is one of
// three sources: a public registry reference, a private registry reference,
// or a local build from a directory or git URL.
package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"

	"openclaw-controller/internal/config"
	"openclaw-controller/internal/docker"
	"openclaw-controller/internal/redact"
	"openclaw-controller/pkg/log"
)

// DevImageTag is the fixed tag local builds produce. A single well-known tag
// keeps the compose file stable across rebuilds.
const DevImageTag = "openclaw-gateway:dev"

// Selection kinds.
const (
	KindPublic  = "public"
	KindPrivate = "private"
	KindLocal   = "local"
)

// IncompleteReferenceError reports a selection missing required fields.
type IncompleteReferenceError struct {
	Reason string
}

func (e *IncompleteReferenceError) Error() string {
	return fmt.Sprintf("incomplete image reference: %s", e.Reason)
}

// Selection describes one image source. Exactly the fields for its Kind are
// meaningful.
type Selection struct {
	Kind string `json:"kind"`
	// Public and Private.
	Reference string `json:"reference,omitempty"`
	// Private only.
	Registry string `json:"registry,omitempty"`
	// Local only.
	BuildContext string `json:"build_context,omitempty"`
}

// BuildResult carries the outcome of a local image build.
type BuildResult struct {
	Success  bool   `json:"success"`
	ImageTag string `json:"image_tag"`
	Logs     string `json:"logs"`
}

// PullTestResult carries the outcome of a registry access probe.
type PullTestResult struct {
	Accessible  bool   `json:"accessible"`
	Image       string `json:"image"`
	Diagnostics string `json:"diagnostics"`
	Warning     string `json:"warning,omitempty"`
}

// Resolver turns a Selection into a concrete image string, building local
// contexts on demand and persisting the outcome as the new default.
type Resolver struct {
	cli   *docker.CLI
	store *config.Store
}

// NewResolver creates a Resolver.
func NewResolver(cli *docker.CLI, store *config.Store) *Resolver {
	return &Resolver{cli: cli, store: store}
}

// Resolve returns the image string for a selection. Public and private
// selections resolve synchronously; a local selection requires a successful
// build first. A resolved selection is persisted so later starts reuse it
// without re-specifying the source.
func (r *Resolver) Resolve(ctx context.Context, sel Selection) (string, error) {
	switch sel.Kind {
	case KindPublic:
		if strings.TrimSpace(sel.Reference) == "" {
			return "", &IncompleteReferenceError{Reason: "public selection requires a reference"}
		}
		return r.commit(strings.TrimSpace(sel.Reference))

	case KindPrivate:
		registry := strings.TrimSpace(sel.Registry)
		reference := strings.TrimSpace(sel.Reference)
		if registry == "" || reference == "" {
			return "", &IncompleteReferenceError{Reason: "private selection requires registry and reference"}
		}
		return r.commit(registry + "/" + reference)

	case KindLocal:
		result, err := r.Build(ctx, sel.BuildContext)
		if err != nil {
			return "", err
		}
		if !result.Success {
			return "", fmt.Errorf("local image build failed: %s", result.Logs)
		}
		return r.commit(result.ImageTag)

	default:
		return "", &IncompleteReferenceError{Reason: fmt.Sprintf("unknown selection kind %q", sel.Kind)}
	}
}

// commit persists the image as the configured default and returns it.
func (r *Resolver) commit(image string) (string, error) {
	_, err := r.store.Update(func(state *config.State) error {
		state.GatewayImage = image
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist image selection: %w", err)
	}
	log.Info("image selection persisted", "image", image)
	return image, nil
}

// Build produces the development image from a build context. The context may
// be a local directory or a git URL; git URLs are shallow-cloned into a
// temporary directory first. A build failure is reported inside the result
// with the captured build log, not as an error.
func (r *Resolver) Build(ctx context.Context, buildContext string) (BuildResult, error) {
	buildContext = strings.TrimSpace(buildContext)
	if buildContext == "" {
		return BuildResult{}, &IncompleteReferenceError{Reason: "local selection requires a build context"}
	}

	contextDir := buildContext
	if isGitURL(buildContext) {
		tmpDir, err := os.MkdirTemp("", "openclaw-build-*")
		if err != nil {
			return BuildResult{}, fmt.Errorf("failed to create build dir: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		log.Info("cloning build context", "url", buildContext)
		_, err = git.PlainCloneContext(ctx, tmpDir, false, &git.CloneOptions{
			URL:   buildContext,
			Depth: 1,
		})
		if err != nil {
			return BuildResult{}, fmt.Errorf("failed to clone %s: %w", buildContext, err)
		}
		contextDir = tmpDir
	}

	if _, err := os.Stat(filepath.Join(contextDir, "Dockerfile")); err != nil {
		return BuildResult{
			Logs: fmt.Sprintf("no Dockerfile found at %s, the build context must contain one", contextDir),
		}, nil
	}

	log.Info("building local image", "context", contextDir, "tag", DevImageTag)
	result, err := r.cli.Build(ctx, contextDir, DevImageTag)
	if err != nil {
		return BuildResult{}, fmt.Errorf("failed to run docker build: %w", err)
	}

	logs := redact.Truncate(redact.Output(result.Combined()))
	if !result.Success() {
		return BuildResult{Logs: logs}, nil
	}
	return BuildResult{Success: true, ImageTag: DevImageTag, Logs: logs}, nil
}

// TestPullAccess probes whether an image can be pulled, without touching the
// persisted selection. GHCR manifest queries return 401 for public images
// when the client is not logged in, so GHCR references go straight to a real
// pull; everyone else gets the cheaper manifest inspect with a pull fallback
// on auth-shaped failures.
func (r *Resolver) TestPullAccess(ctx context.Context, image string) (PullTestResult, error) {
	lower := strings.ToLower(image)
	if strings.HasPrefix(lower, "ghcr.io/") || strings.Contains(lower, "/ghcr.io/") {
		pull, err := r.cli.Pull(ctx, image)
		if err != nil {
			return PullTestResult{}, fmt.Errorf("failed to execute docker pull: %w", err)
		}
		result := PullTestResult{
			Accessible:  pull.Success(),
			Image:       image,
			Diagnostics: redact.Output(pull.Combined()),
		}
		if pull.Success() {
			result.Warning = "used direct pull for GHCR compatibility"
		}
		return result, nil
	}

	manifest, err := r.cli.ManifestInspect(ctx, image)
	if err != nil {
		return PullTestResult{}, fmt.Errorf("failed to execute docker manifest inspect: %w", err)
	}
	combined := manifest.Combined()
	if manifest.Success() {
		return PullTestResult{Accessible: true, Image: image, Diagnostics: redact.Output(combined)}, nil
	}

	// Windows Docker sometimes writes error text to stdout, so the fallback
	// check reads both streams.
	if looksLikeAuthFailure(combined) {
		pull, err := r.cli.Pull(ctx, image)
		if err != nil {
			return PullTestResult{}, fmt.Errorf("failed to execute docker pull: %w", err)
		}
		if pull.Success() {
			return PullTestResult{
				Accessible:  true,
				Image:       image,
				Diagnostics: redact.Output(pull.Combined()),
				Warning:     "manifest check restricted, but pull succeeded",
			}, nil
		}
	}

	return PullTestResult{Accessible: false, Image: image, Diagnostics: redact.Output(combined)}, nil
}

func isGitURL(s string) bool {
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "git@") ||
		strings.HasSuffix(s, ".git")
}

func looksLikeAuthFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"unauthorized",
		"authentication required",
		"denied",
		"no access",
		"forbidden",
		"insufficient_scope",
		"access denied",
		"401",
		"403",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
