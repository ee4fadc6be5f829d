// Package plugin discovers plugin candidates and filters them according to
// safe mode.
package plugin

import (
	"os"
	"path/filepath"
	"strings"

	"openclaw-controller/pkg/log"
)

// Candidate origins. Only bundled candidates survive safe mode.
const (
	OriginBundled    = "bundled"
	OriginWorkspace  = "workspace"
	OriginExtra      = "extra"
	OriginDiscovered = "discovered"
)

// safeModeDiagnostic is appended exactly once whenever safe mode filtering
// is active.
const safeModeDiagnostic = "external plugin discovery is disabled in safe mode; only bundled plugins were loaded"

// Candidate is one plugin found during discovery.
type Candidate struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Origin string `json:"origin"`
}

// Result is a filtered candidate set plus any diagnostics produced while
// filtering.
type Result struct {
	Plugins     []Candidate `json:"plugins"`
	Diagnostics []string    `json:"diagnostics"`
}

// Discover builds the candidate list from the bundled directory, workspace
// directories and explicitly supplied extra paths. Missing directories are
// skipped silently; discovery is best effort.
func Discover(bundledDir string, workspaceDirs, extraPaths []string) []Candidate {
	var candidates []Candidate
	candidates = append(candidates, scanDir(bundledDir, OriginBundled)...)
	for _, dir := range workspaceDirs {
		candidates = append(candidates, scanDir(dir, OriginWorkspace)...)
	}
	for _, path := range extraPaths {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		candidates = append(candidates, Candidate{Name: name, Path: path, Origin: OriginExtra})
	}
	return candidates
}

func scanDir(dir, origin string) []Candidate {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var candidates []Candidate
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		candidates = append(candidates, Candidate{
			Name:   strings.TrimSuffix(name, filepath.Ext(name)),
			Path:   filepath.Join(dir, name),
			Origin: origin,
		})
	}
	return candidates
}

// Filter applies the safe mode policy to a candidate list. With safe mode
// off the input passes through untouched. With safe mode on, every
// non-bundled candidate is dropped and a single diagnostic records that
// external discovery was disabled.
func Filter(candidates []Candidate, safeMode bool) Result {
	if !safeMode {
		return Result{Plugins: candidates}
	}

	kept := make([]Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		if candidate.Origin == OriginBundled {
			kept = append(kept, candidate)
			continue
		}
		log.Debug("plugin candidate dropped by safe mode",
			"name", candidate.Name, "origin", candidate.Origin)
	}

	return Result{
		Plugins:     kept,
		Diagnostics: []string{safeModeDiagnostic},
	}
}
