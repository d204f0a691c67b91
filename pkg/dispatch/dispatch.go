// Package dispatch picks a node for a new container and creates the
// catalog row, leaving the actual launch invocation to pkg/launch.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetcloud/controlplane/pkg/apierr"
	"github.com/fleetcloud/controlplane/pkg/catalog"
)

// Request describes the container a caller wants placed.
type Request struct {
	UserID string
	Image  string
	Name   string
}

// Selector picks one node out of the healthy set for a Request. The
// default is "first healthy"; alternate placement policies plug in here
// without touching the rest of dispatch or launch.
type Selector func(nodes []*catalog.Node, req Request) (*catalog.Node, error)

// FirstHealthy is the default Selector: the first node in registration
// (list) order.
func FirstHealthy(nodes []*catalog.Node, req Request) (*catalog.Node, error) {
	if len(nodes) == 0 {
		return nil, apierr.New(apierr.NoCapacity, "No healthy nodes available")
	}
	return nodes[0], nil
}

// Dispatcher selects a node and creates the Container catalog row.
type Dispatcher struct {
	store    catalog.Store
	selector Selector
}

// New builds a Dispatcher with the given Selector. A nil selector falls
// back to FirstHealthy.
func New(store catalog.Store, selector Selector) *Dispatcher {
	if selector == nil {
		selector = FirstHealthy
	}
	return &Dispatcher{store: store, selector: selector}
}

// Dispatch runs once per launch call: it queries healthy nodes, applies
// the selector, and persists the Container row before any node RPC is
// made so the row exists for pkg/launch's readiness poll to build on.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*catalog.Container, *catalog.Node, error) {
	nodes, err := d.store.HealthyNodes(ctx)
	if err != nil {
		return nil, nil, err
	}

	node, err := d.selector(nodes, req)
	if err != nil {
		return nil, nil, err
	}

	container := &catalog.Container{
		ID:        generateContainerID(),
		UserID:    req.UserID,
		NodeID:    node.ID,
		Image:     req.Image,
		Name:      req.Name,
		Status:    catalog.ContainerRunning,
		CreatedAt: time.Now(),
	}
	if err := d.store.CreateContainer(ctx, container); err != nil {
		return nil, nil, err
	}

	return container, node, nil
}

// generateContainerID produces the container-<8-hex> fallback id used
// when a node does not supply its own.
func generateContainerID() string {
	return "container-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
