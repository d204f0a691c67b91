package svchealth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetcloud/controlplane/pkg/catalog"
	"github.com/fleetcloud/controlplane/pkg/nodeclient"
)

func newTestStore(t *testing.T) catalog.Store {
	t.Helper()
	store, err := catalog.NewStore(t.TempDir() + "/catalog.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSweepRestartsOnceThenFails(t *testing.T) {
	attempts := 0
	nodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.URL.Path == "/containers/c-1/start" {
			attempts++
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer nodeSrv.Close()

	svcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer svcSrv.Close()

	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.CreateNode(ctx, &catalog.Node{ID: "node-1", URL: nodeSrv.URL, Healthy: true}))

	host, port := splitHostPort(t, svcSrv.URL)
	svc := &catalog.Service{
		ID: "sql-1", Kind: catalog.KindSQL, ContainerID: "c-1", NodeID: "node-1",
		IPAddress: host, Port: port, Status: catalog.ServiceRunning, Healthy: true,
	}
	require.NoError(t, store.CreateService(ctx, svc))

	client := nodeclient.New("token")
	loop := New(store, client, time.Minute)
	loop.Sweep(ctx)

	require.Equal(t, 1, attempts)

	got, err := store.GetService(ctx, catalog.KindSQL, "sql-1")
	require.NoError(t, err)
	require.False(t, got.Healthy)
	require.Equal(t, catalog.ServiceFailed, got.Status)
}

func TestSweepSuccessfulRestartMarksContainerRunning(t *testing.T) {
	nodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/containers/c-3/start":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer nodeSrv.Close()

	svcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer svcSrv.Close()

	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.CreateNode(ctx, &catalog.Node{ID: "node-1", URL: nodeSrv.URL, Healthy: true}))
	require.NoError(t, store.CreateContainer(ctx, &catalog.Container{ID: "c-3", NodeID: "node-1", Status: catalog.ContainerStopped}))

	host, port := splitHostPort(t, svcSrv.URL)
	svc := &catalog.Service{
		ID: "sql-3", Kind: catalog.KindSQL, ContainerID: "c-3", NodeID: "node-1",
		IPAddress: host, Port: port, Status: catalog.ServiceRunning, Healthy: true,
	}
	require.NoError(t, store.CreateService(ctx, svc))

	client := nodeclient.New("token")
	loop := New(store, client, time.Minute)
	loop.Sweep(ctx)

	gotSvc, err := store.GetService(ctx, catalog.KindSQL, "sql-3")
	require.NoError(t, err)
	require.True(t, gotSvc.Healthy)
	require.Equal(t, catalog.ServiceRunning, gotSvc.Status)

	gotContainer, err := store.GetContainer(ctx, "c-3")
	require.NoError(t, err)
	require.Equal(t, catalog.ContainerRunning, gotContainer.Status)
}

func TestSweepSkipsRestartWhenNodeUnhealthy(t *testing.T) {
	svcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer svcSrv.Close()

	store := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.CreateNode(ctx, &catalog.Node{ID: "node-1", URL: "http://127.0.0.1:1", Healthy: false}))

	host, port := splitHostPort(t, svcSrv.URL)
	svc := &catalog.Service{
		ID: "sql-2", Kind: catalog.KindSQL, ContainerID: "c-2", NodeID: "node-1",
		IPAddress: host, Port: port, Status: catalog.ServiceRunning, Healthy: true,
	}
	require.NoError(t, store.CreateService(ctx, svc))

	client := nodeclient.New("token")
	loop := New(store, client, time.Minute)
	loop.Sweep(ctx)

	got, err := store.GetService(ctx, catalog.KindSQL, "sql-2")
	require.NoError(t, err)
	require.False(t, got.Healthy)
	require.Equal(t, catalog.ServiceFailed, got.Status)
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}
