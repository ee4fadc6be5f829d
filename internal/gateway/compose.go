package gateway

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"openclaw-controller/pkg/log"
)

// ManagedNetworkName is the compose project's default network.
const ManagedNetworkName = "openclaw-managed"

// EgressNetworkName is the shared bridge network agents attach to when their
// network access is enabled.
const EgressNetworkName = "openclaw-egress"

const gatewayContainerPort = 8080

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks"`
	Volumes  map[string]*composeVolume `yaml:"volumes"`
}

type composeService struct {
	Image       string   `yaml:"image"`
	Command     []string `yaml:"command"`
	Ports       []string `yaml:"ports"`
	Volumes     []string `yaml:"volumes"`
	Environment []string `yaml:"environment"`
	Restart     string   `yaml:"restart"`
	ReadOnly    bool     `yaml:"read_only"`
	Tmpfs       []string `yaml:"tmpfs"`
	CapDrop     []string `yaml:"cap_drop"`
	SecurityOpt []string `yaml:"security_opt"`
	User        string   `yaml:"user"`
}

type composeNetwork struct {
	Name string `yaml:"name"`
}

type composeVolume struct{}

// GenerateCompose renders the gateway compose definition for an image.
// The service declares the hardening contract directly: read-only root,
// every capability dropped, no privilege escalation, non-root user, no
// socket mount, and only the configured host port published.
func GenerateCompose(image string) ([]byte, error) {
	definition := composeFile{
		Services: map[string]composeService{
			"gateway": {
				Image:   image,
				Command: []string{"node", "openclaw.mjs", "gateway"},
				Ports: []string{
					fmt.Sprintf("${OPENCLAW_HTTP_PORT:-80}:%d", gatewayContainerPort),
				},
				Volumes: []string{"openclaw_home:/home/node"},
				Environment: []string{
					"OPENCLAW_SAFE_MODE=1",
					"LOG_LEVEL=info",
					fmt.Sprintf("OPENCLAW_CONTAINER_PORT=%d", gatewayContainerPort),
				},
				Restart:     "unless-stopped",
				ReadOnly:    true,
				Tmpfs:       []string{"/tmp"},
				CapDrop:     []string{"ALL"},
				SecurityOpt: []string{"no-new-privileges:true"},
				User:        "node",
			},
		},
		Networks: map[string]composeNetwork{
			"default": {Name: ManagedNetworkName},
		},
		Volumes: map[string]*composeVolume{
			"openclaw_home": nil,
		},
	}
	return yaml.Marshal(definition)
}

// WriteComposeFile regenerates the compose file for an image.
func WriteComposeFile(path, image string) error {
	content, err := GenerateCompose(image)
	if err != nil {
		return fmt.Errorf("failed to render compose file: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write compose file: %w", err)
	}
	log.Info("compose file written", "path", path, "image", image)
	return nil
}
