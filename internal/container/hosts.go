package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/drape-ai/drape/internal/logging"
)

// LocalHost is the hosts-list literal selecting the local runtime socket.
const LocalHost = "local"

// Host is one container runtime endpoint.
type Host struct {
	ID  string
	cli *client.Client
}

// connectHosts builds clients for every configured runtime endpoint.
// hostsSpec is either "local" or a comma-separated "host:port" list; TLS
// material for remote hosts is read from <tlsRoot>/<hostID>/{ca,cert,key}.pem.
func connectHosts(hostsSpec, tlsRoot string) ([]*Host, error) {
	spec := strings.TrimSpace(hostsSpec)
	if spec == "" || spec == LocalHost {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("connect local docker: %w", err)
		}
		return []*Host{{ID: LocalHost, cli: cli}}, nil
	}

	var hosts []*Host
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		opts := []client.Opt{
			client.WithHost("tcp://" + entry),
			client.WithAPIVersionNegotiation(),
		}

		tlsDir := filepath.Join(tlsRoot, entry)
		if tlsRoot != "" && dirExists(tlsDir) {
			opts = append(opts, client.WithTLSClientConfig(
				filepath.Join(tlsDir, "ca.pem"),
				filepath.Join(tlsDir, "cert.pem"),
				filepath.Join(tlsDir, "key.pem"),
			))
		} else {
			logging.Warn().Str("host", entry).Msg("no TLS material found, using plain TCP")
		}

		cli, err := client.NewClientWithOpts(opts...)
		if err != nil {
			return nil, fmt.Errorf("connect docker host %s: %w", entry, err)
		}
		hosts = append(hosts, &Host{ID: entry, cli: cli})
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("no docker hosts configured")
	}
	return hosts, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// workspaceFilter matches containers managed by this backend.
func workspaceFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", labelRole+"="+roleWorkspace))
}

// countWorkspaces returns the number of workspace containers on a host.
func (h *Host) countWorkspaces(ctx context.Context) (int, error) {
	list, err := h.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: workspaceFilter(),
	})
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// selectHost picks the host currently holding the fewest workspace
// containers. Ties resolve in configuration order; unreachable hosts are
// skipped, and when no host can be queried the first host is returned.
func selectHost(ctx context.Context, hosts []*Host) *Host {
	best := hosts[0]
	bestCount := int(^uint(0) >> 1)

	for _, h := range hosts {
		count, err := h.countWorkspaces(ctx)
		if err != nil {
			logging.Warn().Str("host", h.ID).Err(err).Msg("host unreachable, skipping for placement")
			continue
		}
		if count < bestCount {
			best = h
			bestCount = count
		}
	}
	return best
}

// hostByID returns the host with the given id, or nil.
func hostByID(hosts []*Host, id string) *Host {
	for _, h := range hosts {
		if h.ID == id {
			return h
		}
	}
	return nil
}
