package gateway

import (
	"fmt"
	"strings"
)

// Remediation pairs a user-facing failure classification with concrete next
// steps.
type Remediation struct {
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Steps   []string `json:"steps"`
}

// remediationRule matches a failure signature against diagnostics and
// produces guidance. Rules are evaluated in order; the first match wins.
type remediationRule struct {
	matches func(logs string, exitCode int) bool
	build   func(composePath string) Remediation
}

var pullErrorPatterns = []string{
	"pull access denied",
	"repository does not exist",
	"may require 'docker login'",
	"manifest unknown",
}

var remediationRules = []remediationRule{
	{
		matches: func(logs string, _ int) bool {
			lower := strings.ToLower(logs)
			for _, pattern := range pullErrorPatterns {
				if strings.Contains(lower, pattern) {
					return true
				}
			}
			return false
		},
		build: func(string) Remediation {
			return Remediation{
				Title:   "Image Pull Failed",
				Message: "Docker could not pull the container image.\nUse the image source selector to pick a valid image.",
				Steps: []string{
					"Change the image in the image source section and test pull access.",
					"If using a private registry, log in first.",
					"For local development, build the image from a local context.",
				},
			}
		},
	},
	{
		matches: func(logs string, exitCode int) bool {
			lower := strings.ToLower(logs)
			return exitCode == 127 ||
				strings.Contains(lower, "node: not found") ||
				strings.Contains(lower, `exec: "node": executable file not found`)
		},
		build: func(string) Remediation {
			return Remediation{
				Title: "Incompatible Image, Node Not Found",
				Message: "The selected image does not include Node.js, but the gateway runtime requires it (exit code 127).\n" +
					"Images like nginx:alpine are useful for Docker smoke testing but cannot run the OpenClaw gateway.",
				Steps: []string{
					"Use a gateway-compatible image that includes Node.js and the gateway app.",
					"Or build from a valid gateway Dockerfile.",
					"To just test Docker connectivity, run the Docker smoke test instead.",
				},
			}
		},
	},
	{
		matches: func(logs string, _ int) bool {
			lower := strings.ToLower(logs)
			if strings.Contains(lower, "cannot find module") || strings.Contains(lower, "error: cannot find") {
				return true
			}
			return strings.Contains(lower, "no such file or directory") &&
				(strings.Contains(lower, "openclaw") || strings.Contains(lower, ".mjs") || strings.Contains(lower, ".js"))
		},
		build: func(composePath string) Remediation {
			return Remediation{
				Title:   "Gateway App Missing in Image",
				Message: "The image has Node.js but the gateway application files are missing or the entrypoint is incorrect.",
				Steps: []string{
					"Use the official gateway image or rebuild with the correct Dockerfile.",
					"Ensure COPY/WORKDIR/ENTRYPOINT in the Dockerfile point to the gateway app files.",
					fmt.Sprintf("Check the compose file at %s for entrypoint overrides.", composePath),
				},
			}
		},
	},
}

// buildRemediation classifies failure diagnostics into actionable guidance.
// Pull failures outrank runtime failures because a bad image reference also
// produces downstream crash noise.
func buildRemediation(logs string, exitCode int, composePath string) Remediation {
	for _, rule := range remediationRules {
		if rule.matches(logs, exitCode) {
			return rule.build(composePath)
		}
	}
	return Remediation{
		Title:   "Gateway Start Failed",
		Message: fmt.Sprintf("docker compose up failed.\nCompose file: %s", composePath),
		Steps: []string{
			"Ensure the Docker daemon is running.",
			"Check that no other service is using the configured ports.",
			fmt.Sprintf("Inspect the compose file at %s for errors.", composePath),
		},
	}
}
