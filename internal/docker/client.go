package docker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Client exposes the read side of the Docker API through the SDK. Listing
// containers by compose label is cheaper and more structured via the API
// than parsing `docker ps` output.
type Client struct {
	api *client.Client
}

// NewClient creates a Docker API client, preferring environment settings and
// then probing common socket locations. Each candidate is verified with a
// ping before being accepted.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		if pingOK(cli) {
			return &Client{api: cli}, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		if pingOK(cli) {
			return &Client{api: cli}, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("docker daemon is not reachable via environment or known sockets")
}

func pingOK(cli *client.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err == nil
}

// Close releases the underlying API connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// Ping checks daemon reachability.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx)
	return err
}

// ContainerInfo summarizes one container from a label-filtered listing.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  string
	Status string
}

// ListByLabel returns all containers carrying the given label, including
// stopped ones.
func (c *Client) ListByLabel(ctx context.Context, label string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", label)

	containers, err := c.api.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, item := range containers {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:     item.ID,
			Name:   name,
			Image:  item.Image,
			State:  item.State,
			Status: item.Status,
		})
	}
	return infos, nil
}

// ListComposeProject lists the containers belonging to a compose project.
func (c *Client) ListComposeProject(ctx context.Context, project string) ([]ContainerInfo, error) {
	return c.ListByLabel(ctx, fmt.Sprintf("com.docker.compose.project=%s", project))
}
