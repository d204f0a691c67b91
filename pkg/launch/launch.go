// Package launch drives a managed service from a placed container to a
// published, routable endpoint: invoke the node's kind-specific launch
// endpoint, poll for the host port it published, and record the
// resulting Service row.
package launch

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fleetcloud/controlplane/pkg/apierr"
	"github.com/fleetcloud/controlplane/pkg/catalog"
	"github.com/fleetcloud/controlplane/pkg/log"
	"github.com/fleetcloud/controlplane/pkg/metrics"
	"github.com/fleetcloud/controlplane/pkg/nodeclient"
)

// SQLConfig carries the SQL-specific launch parameters. Defaults are
// applied by NewSQLConfig for any zero field.
type SQLConfig struct {
	MaxCPUPercent int
	MaxRAMMB      int
	MaxDiskGB     int
	DatabaseName  string
	InstanceName  string
}

// NewSQLConfig fills unset fields with the documented defaults.
func NewSQLConfig(c SQLConfig) SQLConfig {
	if c.MaxCPUPercent == 0 {
		c.MaxCPUPercent = 90
	}
	if c.MaxRAMMB == 0 {
		c.MaxRAMMB = 2048
	}
	if c.MaxDiskGB == 0 {
		c.MaxDiskGB = 10
	}
	if c.DatabaseName == "" {
		c.DatabaseName = "main"
	}
	return c
}

// Launcher owns the poll budget and port-readiness strategy shared by
// every service kind.
type Launcher struct {
	store      catalog.Store
	client     *nodeclient.Client
	maxRetries int
	pollEvery  time.Duration
}

// New builds a Launcher. maxRetries is MAX_RETRIES (default 60), each
// spaced one second apart.
func New(store catalog.Store, client *nodeclient.Client, maxRetries int) *Launcher {
	if maxRetries <= 0 {
		maxRetries = 60
	}
	return &Launcher{store: store, client: client, maxRetries: maxRetries, pollEvery: time.Second}
}

// Launch invokes the kind-specific node endpoint for container, polls
// for its published host port, and persists the resulting Service row.
// sqlConfig is only consulted when kind == catalog.KindSQL.
func (l *Launcher) Launch(ctx context.Context, kind catalog.ServiceKind, container *catalog.Container, node *catalog.Node, sqlConfig SQLConfig) (*catalog.Service, error) {
	stop := metricsLaunchDuration(kind)
	defer stop()

	spec := buildLaunchSpec(kind, container, sqlConfig)

	launchResp, err := l.client.Launch(ctx, node.URL, launchPath(kind), spec)
	if err != nil {
		metrics.LaunchFailuresTotal.WithLabelValues(string(kind), "launch-call").Inc()
		return nil, translateLaunchErr(err)
	}

	containerID := launchResp.ContainerID
	if containerID == "" {
		containerID = container.ID
	}
	if containerID != container.ID {
		// The node assigned its own id: re-key the catalog row under it so
		// the service row's ContainerID names an existing container row.
		if err := l.store.DeleteContainer(ctx, container.ID); err != nil {
			return nil, err
		}
		container.ID = containerID
		if err := l.store.CreateContainer(ctx, container); err != nil {
			return nil, err
		}
	}

	internalPort := catalog.InternalPort[kind]
	hostPort, err := l.pollForPort(ctx, node.URL, containerID, internalPort)
	if err != nil {
		metrics.LaunchFailuresTotal.WithLabelValues(string(kind), "not-ready").Inc()
		return nil, err
	}

	ip, err := hostFromNodeURL(node.URL)
	if err != nil {
		metrics.LaunchFailuresTotal.WithLabelValues(string(kind), "bad-node-url").Inc()
		return nil, apierr.Wrap(apierr.NodeError, "resolving node IP", err)
	}

	svc := &catalog.Service{
		ID:          kindPrefixedID(kind, container.ID),
		Kind:        kind,
		ContainerID: containerID,
		NodeID:      node.ID,
		IPAddress:   ip,
		Port:        hostPort,
		Status:      catalog.ServiceRunning,
		Healthy:     true,
		LastCheckAt: time.Now(),
		CreatedAt:   time.Now(),
	}
	if kind == catalog.KindSQL {
		cfg := NewSQLConfig(sqlConfig)
		svc.MaxCPUPercent = cfg.MaxCPUPercent
		svc.MaxRAMMB = cfg.MaxRAMMB
		svc.MaxDiskGB = cfg.MaxDiskGB
		svc.DatabaseName = cfg.DatabaseName
		svc.InstanceName = cfg.InstanceName
	}

	if err := l.store.CreateService(ctx, svc); err != nil {
		return nil, err
	}
	return svc, nil
}

// launchPath maps a service kind to the fixed worker-node launch
// endpoint name.
func launchPath(kind catalog.ServiceKind) string {
	switch kind {
	case catalog.KindBucket:
		return "/launchBucket"
	case catalog.KindSQL:
		return "/launchDB"
	case catalog.KindNoSQL:
		return "/launchNoSQL"
	case catalog.KindQueue:
		return "/launchQueue"
	case catalog.KindSecrets:
		return "/launchSecrets"
	default:
		return "/launch"
	}
}

func buildLaunchSpec(kind catalog.ServiceKind, container *catalog.Container, sqlConfig SQLConfig) interface{} {
	base := map[string]interface{}{
		"container_id": container.ID,
		"image":        container.Image,
		"name":         container.Name,
	}
	if kind == catalog.KindSQL {
		cfg := NewSQLConfig(sqlConfig)
		base["max_cpu_percent"] = cfg.MaxCPUPercent
		base["max_ram_mb"] = cfg.MaxRAMMB
		base["max_disk_gb"] = cfg.MaxDiskGB
		base["database_name"] = cfg.DatabaseName
		base["instance_name"] = cfg.InstanceName
	}
	return base
}

func translateLaunchErr(err error) error {
	switch err.(type) {
	case *nodeclient.UnreachableError:
		return apierr.Wrap(apierr.NodeUnreachable, "node unreachable during launch", err)
	case *nodeclient.StatusError:
		return apierr.Wrap(apierr.NodeError, "node rejected launch request", err)
	default:
		return apierr.Wrap(apierr.NodeError, "launch failed", err)
	}
}

// pollForPort polls GET /containers/{id}/ports up to maxRetries times,
// one second apart, applying the three-tier port-selection strategy to
// the returned port map.
func (l *Launcher) pollForPort(ctx context.Context, baseURL, containerID string, internalPort int) (int, error) {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		ports, err := l.client.Ports(ctx, baseURL, containerID)
		if err == nil {
			if hostPort, ok := selectHostPort(ports, internalPort); ok {
				return hostPort, nil
			}
		} else {
			log.Warn("launch: polling ports for " + containerID + ": " + err.Error())
		}

		select {
		case <-ctx.Done():
			return 0, apierr.Wrap(apierr.NotReady, "launch cancelled while waiting for port", ctx.Err())
		case <-time.After(l.pollEvery):
		}
	}
	return 0, apierr.New(apierr.NotReady, "timed out waiting for container port to publish")
}

// selectHostPort applies the three-tier strategy: exact "{port}/tcp" key,
// then any key whose numeric prefix matches regardless of protocol
// suffix, then the first binding with a usable host port in the map.
func selectHostPort(ports map[string][]nodeclient.PortBinding, internalPort int) (int, bool) {
	exactKey := strconv.Itoa(internalPort) + "/tcp"
	if bindings, ok := ports[exactKey]; ok {
		if p, ok := extractHostPort(bindings); ok {
			return p, true
		}
	}

	wantPrefix := strconv.Itoa(internalPort)
	for key, bindings := range ports {
		proto := key
		if idx := strings.Index(key, "/"); idx >= 0 {
			proto = key[:idx]
		}
		if proto == wantPrefix {
			if p, ok := extractHostPort(bindings); ok {
				return p, true
			}
		}
	}

	for _, bindings := range ports {
		if p, ok := extractHostPort(bindings); ok {
			return p, true
		}
	}

	return 0, false
}

// extractHostPort mirrors the node contract's port-binding shape: the
// first binding's decimal HostPort string.
func extractHostPort(bindings []nodeclient.PortBinding) (int, bool) {
	if len(bindings) == 0 {
		return 0, false
	}
	p, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, false
	}
	return p, true
}

// hostFromNodeURL extracts the host component from a node's registered
// base URL, used as the managed service's routable IP.
func hostFromNodeURL(nodeURL string) (string, error) {
	u, err := url.Parse(nodeURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

func kindPrefixedID(kind catalog.ServiceKind, containerID string) string {
	return string(kind) + "-" + containerID
}

// metricsLaunchDuration is a small helper callers use to time a launch
// and record it under the right kind label.
func metricsLaunchDuration(kind catalog.ServiceKind) func() {
	timer := metrics.NewTimer()
	return func() {
		timer.ObserveDurationVec(metrics.LaunchDuration, string(kind))
	}
}
