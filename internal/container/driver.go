// Package container drives the Docker runtime for workspace containers:
// creation with the bind-mount and label contract, least-loaded multi-host
// placement, destruction, and the HTTP client for the in-container agent.
package container

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/drape-ai/drape/internal/config"
	"github.com/drape-ai/drape/internal/logging"
	"github.com/drape-ai/drape/pkg/types"
)

// Container labels. Every workspace container carries all four.
const (
	labelManaged = "managed"
	labelProject = "project"
	labelRole    = "drape"
	labelServer  = "drape.server"

	roleWorkspace = "workspace"
)

// In-container mount points.
const (
	projectMount   = "/home/coder/project"
	pnpmStoreMount = "/home/coder/volumes/pnpm-store"
	cacheMount     = "/data/cache"
	nextCacheMount = "/home/coder/project/.next"
)

// Driver manages workspace containers across one or more runtime hosts.
type Driver struct {
	cfg   *config.Config
	hosts []*Host
	agent *AgentClient
}

// NewDriver connects to all configured runtime hosts.
func NewDriver(cfg *config.Config) (*Driver, error) {
	hosts, err := connectHosts(cfg.DockerHosts, cfg.DockerTLSRoot)
	if err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg, hosts: hosts, agent: NewAgentClient()}, nil
}

// Agent returns the in-container agent HTTP client.
func (d *Driver) Agent() *AgentClient {
	return d.agent
}

// SelectHost returns the id of the least-loaded host.
func (d *Driver) SelectHost(ctx context.Context) string {
	return selectHost(ctx, d.hosts).ID
}

// InitializeNetwork idempotently creates the shared bridge network on every
// host so workspace containers can reach each other.
func (d *Driver) InitializeNetwork(ctx context.Context) error {
	for _, h := range d.hosts {
		_, err := h.cli.NetworkCreate(ctx, d.cfg.ContainerNetwork, network.CreateOptions{
			Driver: "bridge",
		})
		if err != nil {
			if errdefs.IsConflict(err) {
				continue
			}
			return fmt.Errorf("create network on %s: %w", h.ID, err)
		}
		logging.Info().Str("host", h.ID).Str("network", d.cfg.ContainerNetwork).Msg("workspace network created")
	}
	return nil
}

// Create builds and starts a workspace container for a project on the
// least-loaded host, then inspects it to publish the in-container agent URL.
func (d *Driver) Create(ctx context.Context, projectID string) (*types.ContainerRecord, error) {
	host := selectHost(ctx, d.hosts)

	projectDir := d.cfg.ProjectDir(projectID)
	nextCache := d.cfg.NextCacheDir(projectID)
	for _, dir := range []string{projectDir, nextCache, d.cfg.CacheRoot, d.cfg.PnpmStorePath} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("prepare mount %s: %w", dir, err)
		}
	}

	agentPort := nat.Port(fmt.Sprintf("%d/tcp", d.cfg.AgentPort))
	devPort := nat.Port(fmt.Sprintf("%d/tcp", types.DefaultDevServerPort))

	cfg := &container.Config{
		Image: d.cfg.ContainerImage,
		Labels: map[string]string{
			labelManaged: "true",
			labelProject: projectID,
			labelRole:    roleWorkspace,
			labelServer:  host.ID,
		},
		ExposedPorts: nat.PortSet{agentPort: struct{}{}, devPort: struct{}{}},
		Healthcheck: &container.HealthConfig{
			Test:        []string{"CMD-SHELL", fmt.Sprintf("curl -sf http://localhost:%d/health || exit 1", d.cfg.AgentPort)},
			Interval:    10 * time.Second,
			StartPeriod: 2 * time.Second,
			Retries:     3,
		},
	}

	initProcess := true
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: projectDir, Target: projectMount},
			{Type: mount.TypeBind, Source: d.cfg.PnpmStorePath, Target: pnpmStoreMount, ReadOnly: true},
			{Type: mount.TypeBind, Source: d.cfg.CacheRoot, Target: cacheMount},
			{Type: mount.TypeBind, Source: nextCache, Target: nextCacheMount},
		},
		PortBindings: nat.PortMap{
			// Dev server maps to an ephemeral host port; the agent port stays
			// network-local.
			devPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		Resources: container.Resources{
			Memory:   d.cfg.ContainerMemory,
			NanoCPUs: d.cfg.ContainerCPUs,
		},
		SecurityOpt: []string{"no-new-privileges"},
		Init:        &initProcess,
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			d.cfg.ContainerNetwork: {},
		},
	}

	created, err := host.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, "drape-"+projectID)
	if err != nil {
		return nil, fmt.Errorf("create container for %s: %w", projectID, err)
	}

	if err := host.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		host.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container for %s: %w", projectID, err)
	}

	inspect, err := host.cli.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", created.ID, err)
	}

	record := &types.ContainerRecord{
		ID:        created.ID,
		ProjectID: projectID,
		ServerID:  host.ID,
		State:     types.ContainerRunning,
		Image:     d.cfg.ContainerImage,
		CreatedAt: time.Now(),
	}

	if ep := inspect.NetworkSettings.Networks[d.cfg.ContainerNetwork]; ep != nil && ep.IPAddress != "" {
		record.AgentURL = fmt.Sprintf("http://%s:%d", ep.IPAddress, d.cfg.AgentPort)
	}
	if bindings := inspect.NetworkSettings.Ports[devPort]; len(bindings) > 0 {
		fmt.Sscanf(bindings[0].HostPort, "%d", &record.PreviewPort)
	}

	if record.AgentURL == "" {
		host.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container %s has no address on network %s", created.ID, d.cfg.ContainerNetwork)
	}

	logging.Info().
		Str("project", projectID).
		Str("container", created.ID[:12]).
		Str("host", host.ID).
		Int("previewPort", record.PreviewPort).
		Msg("workspace container created")

	return record, nil
}

// Destroy force-removes a container. A missing container is success.
func (d *Driver) Destroy(ctx context.Context, serverID, containerID string) error {
	host := hostByID(d.hosts, serverID)
	if host == nil {
		host = d.hosts[0]
	}

	err := host.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// List returns every workspace container across all hosts. A host that
// cannot be queried contributes nothing.
func (d *Driver) List(ctx context.Context) []types.ContainerRecord {
	var out []types.ContainerRecord
	for _, h := range d.hosts {
		list, err := h.cli.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: workspaceFilter(),
		})
		if err != nil {
			logging.Warn().Str("host", h.ID).Err(err).Msg("list containers failed")
			continue
		}
		for _, c := range list {
			record := types.ContainerRecord{
				ID:        c.ID,
				ProjectID: c.Labels[labelProject],
				ServerID:  c.Labels[labelServer],
				State:     mapState(c.State),
				Image:     c.Image,
				CreatedAt: time.Unix(c.Created, 0),
			}
			if record.ServerID == "" {
				record.ServerID = h.ID
			}
			out = append(out, record)
		}
	}
	return out
}

// AgentURLFor re-derives the agent URL of a running container via inspect.
func (d *Driver) AgentURLFor(ctx context.Context, serverID, containerID string) (string, error) {
	host := hostByID(d.hosts, serverID)
	if host == nil {
		return "", fmt.Errorf("unknown host %s", serverID)
	}
	inspect, err := host.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", err
	}
	ep := inspect.NetworkSettings.Networks[d.cfg.ContainerNetwork]
	if ep == nil || ep.IPAddress == "" {
		return "", fmt.Errorf("container %s not on network %s", containerID, d.cfg.ContainerNetwork)
	}
	return fmt.Sprintf("http://%s:%d", ep.IPAddress, d.cfg.AgentPort), nil
}

func mapState(state string) types.ContainerState {
	switch state {
	case "created":
		return types.ContainerCreating
	case "running":
		return types.ContainerRunning
	case "removing":
		return types.ContainerStopping
	case "exited", "dead":
		return types.ContainerStopped
	default:
		return types.ContainerError
	}
}
