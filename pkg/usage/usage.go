// Package usage runs the periodic sampling a future invoicing system
// would consume. It only records that a service was running at a point
// in time; turning samples into an invoice is explicitly out of scope.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetcloud/controlplane/pkg/catalog"
	"github.com/fleetcloud/controlplane/pkg/log"
)

var bucketSamples = []byte("usage_samples")

// Sample is one row recorded for a running managed service at the
// moment the sampler observed it.
type Sample struct {
	ServiceID string    `json:"service_id"`
	Kind      string    `json:"kind"`
	NodeID    string    `json:"node_id"`
	SampledAt time.Time `json:"sampled_at"`
}

// Sampler periodically walks the catalog's managed services and appends
// one Sample per running service.
type Sampler struct {
	store    catalog.Store
	db       *bolt.DB
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Sampler backed by its own bbolt file, keeping usage
// samples out of the main catalog file since they are write-once,
// append-only, and never read back by the control plane itself.
func New(store catalog.Store, dataDir string, interval time.Duration) (*Sampler, error) {
	path := dataDir
	if path == "" {
		path = "."
	}
	db, err := bolt.Open(path+"/usage.db", 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("usage: opening sample store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSamples)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Sampler{store: store, db: db, interval: interval, stopCh: make(chan struct{})}, nil
}

// Start launches the background sampling loop.
func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop signals the sampling loop to exit, waits for it, and closes the
// sample store.
func (s *Sampler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.db.Close()
}

func (s *Sampler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Snapshot(ctx); err != nil {
				log.Error("usage: snapshot failed: " + err.Error())
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot records one Sample per currently running managed service.
func (s *Sampler) Snapshot(ctx context.Context) error {
	byKind := s.store.ServicesByKind(ctx)
	now := time.Now()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSamples)
		for kind, services := range byKind {
			for _, svc := range services {
				if svc.Status != catalog.ServiceRunning {
					continue
				}
				sample := Sample{ServiceID: svc.ID, Kind: string(kind), NodeID: svc.NodeID, SampledAt: now}
				data, err := json.Marshal(sample)
				if err != nil {
					return err
				}
				key := fmt.Sprintf("%s-%d", svc.ID, now.UnixNano())
				if err := b.Put([]byte(key), data); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
