package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetcloud/controlplane/pkg/apierr"
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

func hostPortOf(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), p
}

func TestForwardRoundTripAndSQLSignature(t *testing.T) {
	var gotSignature string
	svcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("x-signature")
		w.Write([]byte("ok"))
	}))
	defer svcSrv.Close()

	store := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, store.CreateNode(ctx, &catalog.Node{ID: "node-1", URL: "http://10.0.0.1:9000", Healthy: true}))

	host, port := hostPortOf(t, svcSrv.URL)
	require.NoError(t, store.CreateService(ctx, &catalog.Service{
		ID: "sql-1", Kind: catalog.KindSQL, ContainerID: "c-1", NodeID: "node-1",
		IPAddress: host, Port: port, Healthy: true, Status: catalog.ServiceRunning,
	}))

	r := New(store, nodeclient.New("token"))
	resp, err := r.Forward(ctx, catalog.KindSQL, "sql-1", http.MethodGet, "/query", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "ok", string(body))
	require.Equal(t, "unsigned", gotSignature)
}

func TestForwardUnhealthySkipsNode(t *testing.T) {
	called := false
	svcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer svcSrv.Close()

	store := newTestStore(t)
	ctx := t.Context()
	host, port := hostPortOf(t, svcSrv.URL)
	require.NoError(t, store.CreateService(ctx, &catalog.Service{
		ID: "bucket-1", Kind: catalog.KindBucket, IPAddress: host, Port: port, Healthy: false,
	}))

	r := New(store, nodeclient.New("token"))
	_, err := r.Forward(ctx, catalog.KindBucket, "bucket-1", http.MethodGet, "/objects", nil)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.UnhealthyDependency, apiErr.Kind)
	require.False(t, called)
}

func TestRemoveAlwaysCleansCatalog(t *testing.T) {
	nodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer nodeSrv.Close()

	store := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, store.CreateNode(ctx, &catalog.Node{ID: "node-1", URL: nodeSrv.URL, Healthy: true}))
	require.NoError(t, store.CreateContainer(ctx, &catalog.Container{ID: "c-1", NodeID: "node-1"}))
	require.NoError(t, store.CreateService(ctx, &catalog.Service{
		ID: "queue-1", Kind: catalog.KindQueue, ContainerID: "c-1", NodeID: "node-1", Healthy: true,
	}))

	r := New(store, nodeclient.New("token"))
	err := r.Remove(ctx, catalog.KindQueue, "queue-1")
	require.NoError(t, err)

	_, getErr := store.GetService(ctx, catalog.KindQueue, "queue-1")
	require.ErrorIs(t, getErr, catalog.ErrNotFound)
	_, getErr = store.GetContainer(ctx, "c-1")
	require.ErrorIs(t, getErr, catalog.ErrNotFound)
}
