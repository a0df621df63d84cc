// Package discovery finds the running compose containers of the engine and its database.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const (
	// ServiceLabel is the label docker compose sets to the service name
	ServiceLabel = "com.docker.compose.service"
	// ProjectLabel is the label docker compose sets to the project name
	ProjectLabel = "com.docker.compose.project"
)

// ErrServiceNotRunning is returned when a required service has no running container
var ErrServiceNotRunning = errors.New("service is not running")

// ContainerLister is the part of the Docker Engine API client used for discovery
type ContainerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Container identifies one running container
type Container struct {
	ID      string
	Name    string
	Service string
	Project string
}

// Services holds the discovered containers
type Services struct {
	Engine   Container
	Database Container
}

//go:generate mockgen -destination=mocks/mock_discoverer.go -package=mocks -source=discovery.go Discoverer

// Discoverer finds the engine and database containers
type Discoverer interface {
	Discover(ctx context.Context) (*Services, error)
}

// Config names the compose services to look for
type Config struct {
	EngineService   string
	DatabaseService string
	// Project restricts the search to one compose project. Empty matches any project.
	Project string
}

// DockerDiscoverer discovers containers through the Docker Engine API
type DockerDiscoverer struct {
	lister ContainerLister
	cfg    Config
}

var _ Discoverer = (*DockerDiscoverer)(nil)

// NewDockerDiscoverer creates a DockerDiscoverer over an existing lister
func NewDockerDiscoverer(lister ContainerLister, cfg Config) *DockerDiscoverer {
	return &DockerDiscoverer{lister: lister, cfg: cfg}
}

// NewDockerClient creates a Docker Engine API client from the environment (DOCKER_HOST etc.)
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// Discover implements Discoverer. Both services must have a running container;
// the database is looked up in the engine's project when no project is configured.
func (d *DockerDiscoverer) Discover(ctx context.Context) (*Services, error) {
	engine, err := d.find(ctx, d.cfg.EngineService, d.cfg.Project)
	if err != nil {
		return nil, err
	}

	project := d.cfg.Project
	if project == "" {
		project = engine.Project
	}
	db, err := d.find(ctx, d.cfg.DatabaseService, project)
	if err != nil {
		return nil, err
	}

	slog.Info("Discovered compose services",
		"engine_id", shortID(engine.ID),
		"db_id", shortID(db.ID),
		"project", project)

	return &Services{Engine: *engine, Database: *db}, nil
}

func (d *DockerDiscoverer) find(ctx context.Context, service, project string) (*Container, error) {
	args := filters.NewArgs(
		filters.Arg("label", ServiceLabel+"="+service),
		filters.Arg("status", "running"),
	)
	if project != "" {
		args.Add("label", ProjectLabel+"="+project)
	}

	containers, err := d.lister.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers for service %s: %w", service, err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotRunning, service)
	}
	if len(containers) > 1 {
		slog.Warn("Multiple containers found for service, using the first", "service", service, "count", len(containers))
	}

	c := containers[0]
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return &Container{
		ID:      c.ID,
		Name:    name,
		Service: service,
		Project: c.Labels[ProjectLabel],
	}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
