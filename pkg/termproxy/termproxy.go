// Package termproxy bridges a client-facing WebSocket terminal session
// to the worker node actually running the container, forwarding frames
// verbatim in both directions.
package termproxy

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetcloud/controlplane/pkg/catalog"
	"github.com/fleetcloud/controlplane/pkg/log"
	"github.com/fleetcloud/controlplane/pkg/metrics"
)

// unknownNodeCloseCode is in the 4000-4999 range reserved for
// application-defined close codes.
const unknownNodeCloseCode = 4000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Proxy accepts client WebSocket connections and bridges them to the
// node's own terminal WebSocket endpoint.
type Proxy struct {
	store catalog.Store
}

// New builds a Proxy.
func New(store catalog.Store) *Proxy {
	return &Proxy{store: store}
}

// Serve handles one client WebSocket connection for
// /ws/terminal/{node_id}/{container_id}.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, nodeID, containerID string) {
	node, err := p.store.GetNode(r.Context(), nodeID)
	if err != nil {
		clientConn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		clientConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(unknownNodeCloseCode, "unknown node"), time.Now().Add(time.Second))
		clientConn.Close()
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("termproxy: client upgrade failed: " + err.Error())
		return
	}

	metrics.WebsocketConnections.Inc()
	defer metrics.WebsocketConnections.Dec()

	nodeWSURL := toWebsocketURL(node.URL) + "/ws/terminal/" + containerID
	nodeConn, _, err := websocket.DefaultDialer.Dial(nodeWSURL, nil)
	if err != nil {
		clientConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "node unreachable"), time.Now().Add(time.Second))
		clientConn.Close()
		return
	}

	bridge(clientConn, nodeConn)
}

// bridge runs two concurrent copy loops and returns once either side
// closes, tearing down both ends.
func bridge(clientConn, nodeConn *websocket.Conn) {
	var once sync.Once
	done := make(chan struct{})
	closeBoth := func() {
		once.Do(func() {
			clientConn.Close()
			nodeConn.Close()
			close(done)
		})
	}

	go copyLoop(clientConn, nodeConn, closeBoth)
	go copyLoop(nodeConn, clientConn, closeBoth)

	<-done
}

func copyLoop(src, dst *websocket.Conn, onDone func()) {
	defer onDone()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func toWebsocketURL(nodeURL string) string {
	switch {
	case strings.HasPrefix(nodeURL, "https://"):
		return "wss://" + strings.TrimPrefix(nodeURL, "https://")
	case strings.HasPrefix(nodeURL, "http://"):
		return "ws://" + strings.TrimPrefix(nodeURL, "http://")
	default:
		return nodeURL
	}
}

