// Package frontdoor is the thin HTTP surface mapping URL paths to the
// registry, dispatcher, launch, router, and terminal-proxy operations,
// plus per-route rate limiting, structured request logs, and Prometheus
// instrumentation.
package frontdoor

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fleetcloud/controlplane/pkg/apierr"
	"github.com/fleetcloud/controlplane/pkg/catalog"
	"github.com/fleetcloud/controlplane/pkg/dispatch"
	"github.com/fleetcloud/controlplane/pkg/launch"
	"github.com/fleetcloud/controlplane/pkg/log"
	"github.com/fleetcloud/controlplane/pkg/metrics"
	"github.com/fleetcloud/controlplane/pkg/nodeclient"
	"github.com/fleetcloud/controlplane/pkg/registry"
	"github.com/fleetcloud/controlplane/pkg/router"
	"github.com/fleetcloud/controlplane/pkg/termproxy"
)

// managedKinds is the set of service kinds addressable as /{kind}-services.
var managedKinds = map[string]catalog.ServiceKind{
	"bucket":  catalog.KindBucket,
	"sql":     catalog.KindSQL,
	"nosql":   catalog.KindNoSQL,
	"queue":   catalog.KindQueue,
	"secrets": catalog.KindSecrets,
}

// launchKinds maps the POST /launch{Suffix} path suffix to a service kind.
var launchKinds = map[string]catalog.ServiceKind{
	"Bucket":  catalog.KindBucket,
	"DB":      catalog.KindSQL,
	"NoSQL":   catalog.KindNoSQL,
	"Queue":   catalog.KindQueue,
	"Secrets": catalog.KindSecrets,
}

// Server owns the HTTP surface and every component it wires together.
type Server struct {
	store    catalog.Store
	client   *nodeclient.Client
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	launcher *launch.Launcher
	router   *router.Router
	terminal *termproxy.Proxy
	limits   *limiterSet

	httpServer *http.Server
}

// Config carries the runtime-tunable pieces New needs beyond the
// already-constructed components.
type Config struct {
	ListenAddr          string
	LaunchRatePerMinute int
	ReadRatePerMinute   int
}

// New builds a Server. Every collaborator is constructed by the caller
// (typically cmd/controlplane) and handed in already configured.
func New(cfg Config, store catalog.Store, client *nodeclient.Client, reg *registry.Registry, disp *dispatch.Dispatcher, launcher *launch.Launcher, rtr *router.Router, term *termproxy.Proxy) *Server {
	s := &Server{
		store:    store,
		client:   client,
		registry: reg,
		dispatch: disp,
		launcher: launcher,
		router:   rtr,
		terminal: term,
		limits:   newLimiterSet(cfg.LaunchRatePerMinute, cfg.ReadRatePerMinute, 10_000),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /register_node/{id}", s.withMiddleware("register_node", classLaunch, s.handleRegisterNode))
	mux.HandleFunc("GET /nodes", s.withMiddleware("nodes", classRead, s.handleListNodes))
	mux.HandleFunc("GET /health_check/{id}", s.withMiddleware("health_check", classRead, s.handleHealthCheck))

	mux.HandleFunc("POST /launch", s.withMiddleware("launch", classLaunch, s.handleGenericLaunch))
	mux.HandleFunc("POST /launchBucket", s.withMiddleware("launch_managed", classLaunch, s.handleManagedLaunch))
	mux.HandleFunc("POST /launchDB", s.withMiddleware("launch_managed", classLaunch, s.handleManagedLaunch))
	mux.HandleFunc("POST /launchNoSQL", s.withMiddleware("launch_managed", classLaunch, s.handleManagedLaunch))
	mux.HandleFunc("POST /launchQueue", s.withMiddleware("launch_managed", classLaunch, s.handleManagedLaunch))
	mux.HandleFunc("POST /launchSecrets", s.withMiddleware("launch_managed", classLaunch, s.handleManagedLaunch))

	mux.HandleFunc("GET /containers", s.withMiddleware("containers", classRead, s.handleListContainers))
	mux.HandleFunc("GET /user/{user}/containers", s.withMiddleware("user_containers", classRead, s.handleListContainersByUser))
	mux.HandleFunc("POST /containers/{id}/start", s.withMiddleware("container_lifecycle", classLaunch, s.handleContainerLifecycle))
	mux.HandleFunc("POST /containers/{id}/stop", s.withMiddleware("container_lifecycle", classLaunch, s.handleContainerLifecycle))
	mux.HandleFunc("POST /containers/{id}/restart", s.withMiddleware("container_lifecycle", classLaunch, s.handleContainerLifecycle))
	mux.HandleFunc("DELETE /containers/{id}", s.withMiddleware("container_delete", classLaunch, s.handleDeleteContainer))

	// ServeMux patterns can't mix a literal with a wildcard inside one path
	// segment, so "/{kind}-services" isn't a valid pattern: one literal
	// route per kind is registered instead, closing over the resolved kind.
	for prefix, kind := range managedKinds {
		prefix, kind := prefix, kind
		base := "/" + prefix + "-services"
		mux.HandleFunc("GET "+base, s.withMiddleware("services_list", classRead, s.servicesListHandler(kind)))
		mux.HandleFunc("GET "+base+"/{id}", s.withMiddleware("services_get", classRead, s.serviceGetHandler(kind)))
		mux.HandleFunc("DELETE "+base+"/{id}", s.withMiddleware("services_delete", classLaunch, s.serviceDeleteHandler(kind)))
		mux.HandleFunc("GET "+base+"/{id}/{op...}", s.withMiddleware("services_op", classRead, s.serviceForwardHandler(kind)))
		mux.HandleFunc("POST "+base+"/{id}/{op...}", s.withMiddleware("services_op", classLaunch, s.serviceForwardHandler(kind)))
		mux.HandleFunc("DELETE "+base+"/{id}/{op...}", s.withMiddleware("services_op", classLaunch, s.serviceForwardHandler(kind)))
	}

	mux.HandleFunc("GET /ws/terminal/{node}/{container}", s.handleTerminal)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /live", metrics.LivenessHandler())
}

// Start begins serving and blocks until the server stops.
func (s *Server) Start() error {
	log.Info("frontdoor: listening on " + s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// withMiddleware wraps a handler with rate limiting, structured request
// logging, and Prometheus request/latency instrumentation, in that order
// so a rejected request never reaches the handler.
func (s *Server) withMiddleware(route string, class routeClass, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if !s.limits.Allow(class, clientIP(r)) {
			metrics.RateLimitedTotal.WithLabelValues(string(class)).Inc()
			writeError(rec, apierr.New(apierr.RateLimited, "rate limit exceeded for "+route))
			finishRequest(route, rec, timer, r)
			return
		}

		next(rec, r)
		finishRequest(route, rec, timer, r)
	}
}

func finishRequest(route string, rec *statusRecorder, timer *metrics.Timer, r *http.Request) {
	metrics.FrontdoorRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	timer.ObserveDurationVec(metrics.FrontdoorRequestDuration, route)
	log.WithComponent("frontdoor").Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("client_ip", clientIP(r)).
		Int("status", rec.status).
		Dur("duration", timer.Duration()).
		Msg("request")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes v as a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates any error into the stable front-door error
// response: {"error": kind, "detail": ...} at the kind's mapped status.
func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		writeJSON(w, apiErr.Status(), map[string]string{"error": string(apiErr.Kind), "detail": apiErr.Detail})
		return
	}
	log.Error("frontdoor: unexpected error: " + err.Error())
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "detail": "internal error"})
}

func catalogErrToAPIErr(err error) error {
	if err == catalog.ErrNotFound {
		return apierr.New(apierr.NotFound, "not found")
	}
	return err
}

// isNotFoundErr reports whether err resolves to a 404, whether that came
// from a missing catalog row (apierr.NotFound) or a node's own 4xx
// pass-through (apierr.NodeError with StatusOverride 404).
func isNotFoundErr(err error) bool {
	apiErr, ok := err.(*apierr.Error)
	return ok && apiErr.Status() == http.StatusNotFound
}

// --- node registration & liveness ---

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rawURL := r.URL.Query().Get("url")
	if id == "" || rawURL == "" {
		writeError(w, apierr.New(apierr.NotFound, "missing id or url"))
		return
	}

	node, err := s.registry.Register(r.Context(), id, rawURL, r.RemoteAddr, r.Header.Get("X-Forwarded-For"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.CheckOne(r.Context(), id); err != nil {
		writeError(w, catalogErrToAPIErr(err))
		return
	}
	node, err := s.store.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, catalogErrToAPIErr(err))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// --- generic & managed launch ---

type launchRequest struct {
	UserID string `json:"user_id"`
	Image  string `json:"image"`
	Name   string `json:"name"`

	MaxCPUPercent int    `json:"max_cpu_percent"`
	MaxRAMMB      int    `json:"max_ram_mb"`
	MaxDiskGB     int    `json:"max_disk_gb"`
	DatabaseName  string `json:"database_name"`
	InstanceName  string `json:"instance_name"`
}

func (s *Server) handleGenericLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.NotFound, "malformed request body"))
		return
	}

	container, node, err := s.dispatch.Dispatch(r.Context(), dispatch.Request{UserID: req.UserID, Image: req.Image, Name: req.Name})
	if err != nil {
		writeError(w, err)
		return
	}

	spec := map[string]interface{}{"container_id": container.ID, "image": container.Image, "name": container.Name}
	resp, err := s.client.Launch(r.Context(), node.URL, "/launch", spec)
	if err != nil {
		writeError(w, translateNodeErr(err))
		return
	}
	if resp.ContainerID != "" && resp.ContainerID != container.ID {
		_ = s.store.DeleteContainer(r.Context(), container.ID)
		container.ID = resp.ContainerID
		_ = s.store.UpdateContainer(r.Context(), container)
	}

	writeJSON(w, http.StatusOK, container)
}

func (s *Server) handleManagedLaunch(w http.ResponseWriter, r *http.Request) {
	suffix := strings.TrimPrefix(r.URL.Path, "/launch")
	kind, ok := launchKinds[suffix]
	if !ok {
		writeError(w, apierr.New(apierr.NotFound, "unknown launch endpoint"))
		return
	}

	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.NotFound, "malformed request body"))
		return
	}

	container, node, err := s.dispatch.Dispatch(r.Context(), dispatch.Request{UserID: req.UserID, Image: req.Image, Name: req.Name})
	if err != nil {
		writeError(w, err)
		return
	}

	sqlConfig := launch.SQLConfig{
		MaxCPUPercent: req.MaxCPUPercent,
		MaxRAMMB:      req.MaxRAMMB,
		MaxDiskGB:     req.MaxDiskGB,
		DatabaseName:  req.DatabaseName,
		InstanceName:  req.InstanceName,
	}

	svc, err := s.launcher.Launch(r.Context(), kind, container, node, sqlConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          svc.ID,
		"ip":          svc.IPAddress,
		"port":        svc.Port,
		"kind":        svc.Kind,
		"healthy":     svc.Healthy,
		"service_url": svc.Endpoint(),
	})
}

func translateNodeErr(err error) error {
	switch err.(type) {
	case *nodeclient.UnreachableError:
		return apierr.Wrap(apierr.NodeUnreachable, "node unreachable", err)
	case *nodeclient.StatusError:
		return apierr.Wrap(apierr.NodeError, "node rejected request", err)
	default:
		return apierr.Wrap(apierr.NodeError, "node request failed", err)
	}
}

// --- generic container listings & lifecycle ---

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.store.ListContainers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *Server) handleListContainersByUser(w http.ResponseWriter, r *http.Request) {
	containers, err := s.store.ListContainersByUser(r.Context(), r.PathValue("user"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *Server) handleContainerLifecycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op := lastPathSegment(r.URL.Path)

	container, err := s.store.GetContainer(r.Context(), id)
	if err != nil {
		writeError(w, catalogErrToAPIErr(err))
		return
	}
	node, err := s.store.GetNode(r.Context(), container.NodeID)
	if err != nil {
		writeError(w, catalogErrToAPIErr(err))
		return
	}

	var opErr error
	var newStatus catalog.ContainerStatus
	switch op {
	case "start":
		opErr = s.client.StartContainer(r.Context(), node.URL, id)
		newStatus = catalog.ContainerRunning
	case "stop":
		opErr = s.client.StopContainer(r.Context(), node.URL, id)
		newStatus = catalog.ContainerStopped
	case "restart":
		opErr = s.client.RestartContainer(r.Context(), node.URL, id)
		newStatus = catalog.ContainerRunning
	default:
		writeError(w, apierr.New(apierr.NotFound, "unknown container operation"))
		return
	}
	if opErr != nil {
		writeError(w, translateNodeErr(opErr))
		return
	}

	container.Status = newStatus
	if err := s.store.UpdateContainer(r.Context(), container); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, container)
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	container, err := s.store.GetContainer(r.Context(), id)
	if err != nil {
		writeError(w, catalogErrToAPIErr(err))
		return
	}

	if node, nodeErr := s.store.GetNode(r.Context(), container.NodeID); nodeErr == nil {
		_ = s.client.StopContainer(r.Context(), node.URL, id)
		_ = s.client.DeleteContainer(r.Context(), node.URL, id)
	}

	if err := s.store.DeleteContainer(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func lastPathSegment(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// --- managed-service CRUD & opaque operations ---
//
// Each handler is built by a factory closing over the kind resolved at
// route-registration time, since the kind is baked into the literal route
// prefix rather than read back out of a path wildcard.

func (s *Server) servicesListHandler(kind catalog.ServiceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services, err := s.store.ListServices(r.Context(), kind)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, services)
	}
}

func (s *Server) serviceGetHandler(kind catalog.ServiceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, err := s.store.GetService(r.Context(), kind, r.PathValue("id"))
		if err != nil {
			if err == catalog.ErrNotFound && kind == catalog.KindSecrets {
				writeJSON(w, http.StatusOK, map[string]interface{}{"secret": nil})
				return
			}
			writeError(w, catalogErrToAPIErr(err))
			return
		}
		writeJSON(w, http.StatusOK, svc)
	}
}

func (s *Server) serviceDeleteHandler(kind catalog.ServiceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.router.Remove(r.Context(), kind, r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) serviceForwardHandler(kind catalog.ServiceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		op := r.PathValue("op")

		resp, err := s.router.Forward(r.Context(), kind, id, r.Method, "/"+op, r.Body)
		if err != nil {
			if kind == catalog.KindSecrets && r.Method == http.MethodGet && isNotFoundErr(err) {
				writeJSON(w, http.StatusOK, map[string]interface{}{"secret": nil})
				return
			}
			writeError(w, err)
			return
		}
		defer resp.Body.Close()

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

// --- terminal proxy & unified health ---

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	s.terminal.Serve(w, r, r.PathValue("node"), r.PathValue("container"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	healthyNodes := 0
	for _, n := range nodes {
		if n.Healthy {
			healthyNodes++
		}
	}

	containers, err := s.store.ListContainers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	running := 0
	for _, c := range containers {
		if c.Status == catalog.ContainerRunning {
			running++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "ok",
		"nodes_total":         len(nodes),
		"nodes_healthy":       healthyNodes,
		"containers_total":    len(containers),
		"containers_running":  running,
		"time":                time.Now().UTC().Format(time.RFC3339),
	})
}
