// Package router translates front-door requests for a managed service
// into node RPCs and back, uniformly across every service kind.
package router

import (
	"context"
	"io"
	"net/http"

	"github.com/fleetcloud/controlplane/pkg/apierr"
	"github.com/fleetcloud/controlplane/pkg/catalog"
	"github.com/fleetcloud/controlplane/pkg/nodeclient"
)

// sqlSignaturePlaceholder is attached to SQL forwarder requests under
// the x-signature header. A real signing mechanism is required here;
// this constant is an explicit stand-in pending that design.
const sqlSignaturePlaceholder = "unsigned"

// Router forwards opaque per-service operations to the node hosting
// them, after checking the service is known and healthy.
type Router struct {
	store  catalog.Store
	client *nodeclient.Client
}

// New builds a Router.
func New(store catalog.Store, client *nodeclient.Client) *Router {
	return &Router{store: store, client: client}
}

// Forward looks up the service, checks Healthy, and forwards method/path
// to the node without contacting it if the service is already known
// unhealthy. The caller owns closing the returned response body.
func (r *Router) Forward(ctx context.Context, kind catalog.ServiceKind, serviceID, method, path string, body io.Reader) (*http.Response, error) {
	svc, err := r.store.GetService(ctx, kind, serviceID)
	if err != nil {
		if err == catalog.ErrNotFound {
			return nil, apierr.New(apierr.NotFound, "service not found")
		}
		return nil, err
	}

	if !svc.Healthy {
		return nil, apierr.New(apierr.UnhealthyDependency, "service is not currently healthy")
	}

	timeout := nodeclient.ReadTimeout()
	var resp *http.Response
	if kind == catalog.KindSQL {
		resp, err = r.client.ForwardWithHeaders(ctx, svc.Endpoint(), method, path, body, timeout,
			map[string]string{"x-signature": sqlSignaturePlaceholder})
	} else {
		resp, err = r.client.Forward(ctx, svc.Endpoint(), method, path, body, timeout)
	}
	if err != nil {
		return nil, translateForwardErr(err)
	}
	if err := checkForwardStatus(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func translateForwardErr(err error) error {
	switch err.(type) {
	case *nodeclient.UnreachableError:
		return apierr.Wrap(apierr.NodeUnreachable, "node unreachable", err)
	default:
		return apierr.Wrap(apierr.NodeError, "node request failed", err)
	}
}

// checkForwardStatus translates a node's status code: 4xx is forwarded
// as-is with its body as detail, 5xx becomes a stable node-error.
func checkForwardStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 500 {
		return apierr.NewStatus(apierr.NodeError, string(data), resp.StatusCode)
	}
	return apierr.New(apierr.NodeError, string(data))
}

// Remove tears down a managed service: best-effort stop and delete on
// the node, then unconditional removal of both catalog rows regardless
// of whether the node-side teardown succeeded.
func (r *Router) Remove(ctx context.Context, kind catalog.ServiceKind, serviceID string) error {
	svc, err := r.store.GetService(ctx, kind, serviceID)
	if err != nil {
		if err == catalog.ErrNotFound {
			return apierr.New(apierr.NotFound, "service not found")
		}
		return err
	}

	node, nodeErr := r.store.GetNode(ctx, svc.NodeID)
	if nodeErr == nil {
		_ = r.client.StopContainer(ctx, node.URL, svc.ContainerID)
		_ = r.client.DeleteContainer(ctx, node.URL, svc.ContainerID)
	}

	if err := r.store.DeleteService(ctx, kind, serviceID); err != nil {
		return err
	}
	return r.store.DeleteContainer(ctx, svc.ContainerID)
}
