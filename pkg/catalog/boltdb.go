package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes      = []byte("nodes")
	bucketContainers = []byte("containers")
	bucketServices   = []byte("services")
)

// BoltStore is the bbolt-backed Store implementation. It is the default
// "local file store" DATABASE_URL resolves to.
type BoltStore struct {
	db *bolt.DB
}

// NewStore opens the catalog backing store named by databaseURL. An empty
// URL, a bare path, or a "file://" URL all resolve to a BoltDB file at that
// path (creating parent directories as needed).
func NewStore(databaseURL string) (Store, error) {
	path := resolvePath(databaseURL)
	if err := ensureParentDir(path); err != nil {
		return nil, fmt.Errorf("catalog: preparing data directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketContainers, bucketServices} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func resolvePath(databaseURL string) string {
	if databaseURL == "" {
		return "controlplane.db"
	}
	if u, err := url.Parse(databaseURL); err == nil && u.Scheme == "file" {
		return filepath.Join(u.Host, u.Path)
	}
	return databaseURL
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (s *BoltStore) Close() error { return s.db.Close() }

// --- Nodes ---

func (s *BoltStore) CreateNode(ctx context.Context, node *Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) UpdateNode(ctx context.Context, node *Node) error {
	return s.put(bucketNodes, node.ID, node)
}

func (s *BoltStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var n Node
	if err := s.get(bucketNodes, id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNodes(ctx context.Context) ([]*Node, error) {
	var nodes []*Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) HealthyNodes(ctx context.Context) ([]*Node, error) {
	all, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	healthy := make([]*Node, 0, len(all))
	for _, n := range all {
		if n.Healthy {
			healthy = append(healthy, n)
		}
	}
	// Registration order, so "first healthy" placement is deterministic.
	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i].RegisteredAt.Before(healthy[j].RegisteredAt)
	})
	return healthy, nil
}

// --- Containers ---

func (s *BoltStore) CreateContainer(ctx context.Context, c *Container) error {
	return s.put(bucketContainers, c.ID, c)
}

func (s *BoltStore) UpdateContainer(ctx context.Context, c *Container) error {
	return s.put(bucketContainers, c.ID, c)
}

func (s *BoltStore) GetContainer(ctx context.Context, id string) (*Container, error) {
	var c Container
	if err := s.get(bucketContainers, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) DeleteContainer(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(id))
	})
}

func (s *BoltStore) ListContainers(ctx context.Context) ([]*Container, error) {
	var out []*Container
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var c Container
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListContainersByUser(ctx context.Context, userID string) ([]*Container, error) {
	all, err := s.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Container, 0, len(all))
	for _, c := range all {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *BoltStore) RunningContainers(ctx context.Context) ([]*Container, error) {
	all, err := s.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Container, 0, len(all))
	for _, c := range all {
		if c.Status == ContainerRunning {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- Services ---

func (s *BoltStore) CreateService(ctx context.Context, svc *Service) error {
	return s.put(bucketServices, svc.ID, svc)
}

func (s *BoltStore) UpdateService(ctx context.Context, svc *Service) error {
	return s.put(bucketServices, svc.ID, svc)
}

func (s *BoltStore) GetService(ctx context.Context, kind ServiceKind, id string) (*Service, error) {
	var svc Service
	if err := s.get(bucketServices, id, &svc); err != nil {
		return nil, err
	}
	if svc.Kind != kind {
		return nil, ErrNotFound
	}
	return &svc, nil
}

func (s *BoltStore) DeleteService(ctx context.Context, kind ServiceKind, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete([]byte(id))
	})
}

func (s *BoltStore) ListServices(ctx context.Context, kind ServiceKind) ([]*Service, error) {
	var out []*Service
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var svc Service
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			if svc.Kind == kind {
				out = append(out, &svc)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ServicesByKind(ctx context.Context) map[ServiceKind][]*Service {
	result := make(map[ServiceKind][]*Service)
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var svc Service
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			result[svc.Kind] = append(result[svc.Kind], &svc)
			return nil
		})
	})
	return result
}

// --- helpers ---

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}
