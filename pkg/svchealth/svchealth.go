// Package svchealth runs the periodic sweep that checks every managed
// service's own health endpoint and restarts the ones that fail once,
// before giving up on them.
package svchealth

import (
	"context"
	"sync"
	"time"

	"github.com/fleetcloud/controlplane/pkg/catalog"
	"github.com/fleetcloud/controlplane/pkg/log"
	"github.com/fleetcloud/controlplane/pkg/metrics"
	"github.com/fleetcloud/controlplane/pkg/nodeclient"
)

// Loop owns the self-serializing service health sweep: one pass over
// every managed service at a time, never N concurrent per-service
// monitors, matching the "self-serialising" requirement.
type Loop struct {
	store    catalog.Store
	client   *nodeclient.Client
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex // serializes sweeps
}

// New builds a Loop. interval is SERVICE_HEALTH_CHECK_INTERVAL.
func New(store catalog.Store, client *nodeclient.Client, interval time.Duration) *Loop {
	return &Loop{
		store:    store,
		client:   client,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop signals the sweep loop to exit and waits for it.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one full pass over every managed service of every kind. It
// never aborts on a single service's error; each failure is logged and
// the sweep continues.
func (l *Loop) Sweep(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byKind := l.store.ServicesByKind(ctx)
	healthyCounts := make(map[catalog.ServiceKind]int)

	for kind, services := range byKind {
		for _, svc := range services {
			if l.checkOne(ctx, svc) {
				healthyCounts[kind]++
			}
		}
		metrics.HealthyServices.WithLabelValues(string(kind)).Set(float64(healthyCounts[kind]))
	}
}

// checkOne probes a single service, attempts one restart on failure, and
// writes the resulting status back to the catalog. It returns whether
// the service ended the check healthy.
func (l *Loop) checkOne(ctx context.Context, svc *catalog.Service) bool {
	err := l.client.ServiceHealth(ctx, svc.Endpoint())
	svc.LastCheckAt = time.Now()

	if err == nil {
		svc.Healthy = true
		svc.Status = catalog.ServiceRunning
		if upErr := l.store.UpdateService(ctx, svc); upErr != nil {
			log.Error("svchealth: updating healthy service: " + upErr.Error())
		}
		return true
	}

	log.Warn("svchealth: service " + svc.ID + " failed health check: " + err.Error())

	node, nodeErr := l.store.GetNode(ctx, svc.NodeID)
	if nodeErr != nil || !node.Healthy {
		svc.Healthy = false
		svc.Status = catalog.ServiceFailed
		metrics.ServiceRestartsTotal.WithLabelValues(string(svc.Kind), "skipped-unhealthy-node").Inc()
		if upErr := l.store.UpdateService(ctx, svc); upErr != nil {
			log.Error("svchealth: updating failed service: " + upErr.Error())
		}
		return false
	}

	restartErr := l.client.StartContainer(ctx, node.URL, svc.ContainerID)
	if restartErr != nil {
		svc.Healthy = false
		svc.Status = catalog.ServiceFailed
		metrics.ServiceRestartsTotal.WithLabelValues(string(svc.Kind), "failed").Inc()
		log.Error("svchealth: restart of " + svc.ID + " failed: " + restartErr.Error())
	} else {
		// One restart attempt only: mark running optimistically, the
		// next sweep will catch it if the restart did not actually
		// recover the service.
		svc.Healthy = true
		svc.Status = catalog.ServiceRunning
		metrics.ServiceRestartsTotal.WithLabelValues(string(svc.Kind), "restarted").Inc()

		if container, cErr := l.store.GetContainer(ctx, svc.ContainerID); cErr == nil {
			container.Status = catalog.ContainerRunning
			if upErr := l.store.UpdateContainer(ctx, container); upErr != nil {
				log.Error("svchealth: updating container after restart attempt: " + upErr.Error())
			}
		} else {
			log.Error("svchealth: loading container after restart attempt: " + cErr.Error())
		}
	}

	if upErr := l.store.UpdateService(ctx, svc); upErr != nil {
		log.Error("svchealth: updating service after restart attempt: " + upErr.Error())
	}
	return svc.Healthy
}
