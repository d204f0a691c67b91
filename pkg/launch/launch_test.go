package launch

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

func TestLaunchPublishesServiceOnExactPortMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/launchDB":
			w.Write([]byte(`{"container_id":"c-1"}`))
		case r.URL.Path == "/containers/c-1/ports":
			w.Write([]byte(`{"ports":{"8010/tcp":[{"HostPort":"32000"}]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	client := nodeclient.New("token")
	l := New(store, client, 5)
	l.pollEvery = time.Millisecond

	node := &catalog.Node{ID: "node-1", URL: srv.URL, Healthy: true}
	container := &catalog.Container{ID: "c-1", Image: "postgres:16"}

	svc, err := l.Launch(t.Context(), catalog.KindSQL, container, node, SQLConfig{})
	require.NoError(t, err)
	require.Equal(t, 32000, svc.Port)
	require.Equal(t, 90, svc.MaxCPUPercent)
	require.Equal(t, "main", svc.DatabaseName)
	require.True(t, svc.Healthy)
}

func TestLaunchFallsBackToFirstNonEmptyPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/launchBucket":
			w.Write([]byte(`{"container_id":"c-2"}`))
		case r.URL.Path == "/containers/c-2/ports":
			w.Write([]byte(`{"ports":{"9999/tcp":[{"HostPort":"40010"}]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	client := nodeclient.New("token")
	l := New(store, client, 5)
	l.pollEvery = time.Millisecond

	node := &catalog.Node{ID: "node-1", URL: srv.URL, Healthy: true}
	container := &catalog.Container{ID: "c-2", Image: "minio"}

	svc, err := l.Launch(t.Context(), catalog.KindBucket, container, node, SQLConfig{})
	require.NoError(t, err)
	require.Equal(t, 40010, svc.Port)
}

func TestLaunchTimesOutWhenPortNeverPublishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/launchQueue":
			w.Write([]byte(`{"container_id":"c-3"}`))
		case r.URL.Path == "/containers/c-3/ports":
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := newTestStore(t)
	client := nodeclient.New("token")
	l := New(store, client, 3)
	l.pollEvery = time.Millisecond

	node := &catalog.Node{ID: "node-1", URL: srv.URL, Healthy: true}
	container := &catalog.Container{ID: "c-3", Image: "nats"}

	_, err := l.Launch(t.Context(), catalog.KindQueue, container, node, SQLConfig{})
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.NotReady, apiErr.Kind)

	_, getErr := store.GetService(t.Context(), catalog.KindQueue, "queue-c-3")
	require.ErrorIs(t, getErr, catalog.ErrNotFound)
}
