// Package registry owns node registration and the liveness loop: the
// only place a worker node's reachability is judged and recorded.
package registry

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fleetcloud/controlplane/pkg/catalog"
	"github.com/fleetcloud/controlplane/pkg/log"
	"github.com/fleetcloud/controlplane/pkg/metrics"
	"github.com/fleetcloud/controlplane/pkg/nodeclient"
)

// Clock is the time seam tests substitute to control tick timing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Registry registers nodes and runs the periodic liveness sweep.
type Registry struct {
	store  catalog.Store
	client *nodeclient.Client
	clock  Clock

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Registry. interval is the liveness sweep period
// (HEALTH_CHECK_INTERVAL).
func New(store catalog.Store, client *nodeclient.Client, interval time.Duration) *Registry {
	return &Registry{
		store:    store,
		client:   client,
		clock:    realClock{},
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Register records a node, substituting a 0.0.0.0 host in the supplied
// URL with the observed client address: the first X-Forwarded-For hop
// when the direct peer is loopback, otherwise the peer IP itself.
// Re-registration overwrites the URL, refreshes last_seen_at, and forces
// healthy=true.
func (r *Registry) Register(ctx context.Context, nodeID, rawURL, peerAddr, forwardedFor string) (*catalog.Node, error) {
	url := substituteSentinelHost(rawURL, peerAddr, forwardedFor)
	now := r.clock.Now()

	existing, err := r.store.GetNode(ctx, nodeID)
	if err == nil {
		existing.URL = url
		existing.LastSeenAt = now
		existing.Healthy = true
		if updErr := r.store.UpdateNode(ctx, existing); updErr != nil {
			return nil, updErr
		}
		return existing, nil
	}

	node := &catalog.Node{
		ID:           nodeID,
		URL:          url,
		Healthy:      true,
		LastCheckAt:  now,
		LastSeenAt:   now,
		RegisteredAt: now,
	}
	if err := r.store.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// substituteSentinelHost replaces a 0.0.0.0 host component of rawURL with
// the best available observed client address.
func substituteSentinelHost(rawURL, peerAddr, forwardedFor string) string {
	if !strings.Contains(rawURL, "0.0.0.0") {
		return rawURL
	}

	observed := peerAddr
	if host, _, err := net.SplitHostPort(peerAddr); err == nil {
		observed = host
	}

	if isLoopback(observed) && forwardedFor != "" {
		hops := strings.Split(forwardedFor, ",")
		first := strings.TrimSpace(hops[0])
		if first != "" {
			observed = first
		}
	}

	if observed == "" {
		return rawURL
	}
	return strings.Replace(rawURL, "0.0.0.0", observed, 1)
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CheckOne runs the liveness procedure against a single node and writes
// the result back to the catalog.
func (r *Registry) CheckOne(ctx context.Context, nodeID string) error {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	r.probe(ctx, node)
	return r.store.UpdateNode(ctx, node)
}

func (r *Registry) probe(ctx context.Context, node *catalog.Node) {
	err := r.client.Health(ctx, node.URL)
	node.Healthy = err == nil
	node.LastCheckAt = r.clock.Now()
}

// Start launches the background liveness loop. It returns immediately;
// call Stop to tear it down.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop signals the liveness loop to exit and waits for it.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		log.Error("registry: listing nodes for liveness sweep: " + err.Error())
		return
	}

	const maxConcurrentProbes = 16
	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.probe(ctx, n)
			if err := r.store.UpdateNode(ctx, n); err != nil {
				log.Error("registry: updating node after liveness check: " + err.Error())
			}
		}()
	}
	wg.Wait()

	healthy, err := r.store.HealthyNodes(ctx)
	if err == nil {
		metrics.ActiveNodes.Set(float64(len(healthy)))
	}
}
