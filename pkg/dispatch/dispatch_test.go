package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetcloud/controlplane/pkg/apierr"
	"github.com/fleetcloud/controlplane/pkg/catalog"
)

func newTestStore(t *testing.T) catalog.Store {
	t.Helper()
	store, err := catalog.NewStore(t.TempDir() + "/catalog.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDispatchNoCapacity(t *testing.T) {
	store := newTestStore(t)
	d := New(store, nil)

	_, _, err := d.Dispatch(t.Context(), Request{UserID: "u1", Image: "postgres:16"})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.NoCapacity, apiErr.Kind)
}

func TestDispatchFirstHealthy(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.CreateNode(ctx, &catalog.Node{ID: "node-a", URL: "http://10.0.0.1:9000", Healthy: true}))
	require.NoError(t, store.CreateNode(ctx, &catalog.Node{ID: "node-b", URL: "http://10.0.0.2:9000", Healthy: true}))

	d := New(store, nil)
	container, node, err := d.Dispatch(ctx, Request{UserID: "u1", Image: "postgres:16", Name: "db"})
	require.NoError(t, err)
	require.Equal(t, node.ID, container.NodeID)
	require.Equal(t, catalog.ContainerRunning, container.Status)
	require.Contains(t, container.ID, "container-")

	stored, err := store.GetContainer(ctx, container.ID)
	require.NoError(t, err)
	require.Equal(t, container.ID, stored.ID)
}

func TestCustomSelector(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.CreateNode(ctx, &catalog.Node{ID: "node-a", Healthy: true}))
	require.NoError(t, store.CreateNode(ctx, &catalog.Node{ID: "node-b", Healthy: true}))

	pickLast := func(nodes []*catalog.Node, req Request) (*catalog.Node, error) {
		return nodes[len(nodes)-1], nil
	}

	d := New(store, pickLast)
	_, node, err := d.Dispatch(ctx, Request{UserID: "u1", Image: "redis:7"})
	require.NoError(t, err)
	require.Equal(t, "node-b", node.ID)
}
