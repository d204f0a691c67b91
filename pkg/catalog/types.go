package catalog

import (
	"strconv"
	"time"
)

// ContainerStatus is the lifecycle state of a Container row.
type ContainerStatus string

const (
	ContainerRunning ContainerStatus = "running"
	ContainerStopped ContainerStatus = "stopped"
	ContainerFailed  ContainerStatus = "failed"
)

// ServiceKind identifies which managed-service family a Service row belongs to.
type ServiceKind string

const (
	KindBucket  ServiceKind = "bucket"
	KindSQL     ServiceKind = "sql"
	KindNoSQL   ServiceKind = "nosql"
	KindQueue   ServiceKind = "queue"
	KindSecrets ServiceKind = "secrets"
)

// InternalPort is the well-known container-internal port for each kind.
var InternalPort = map[ServiceKind]int{
	KindBucket:  8000,
	KindSQL:     8010,
	KindNoSQL:   8020,
	KindQueue:   8030,
	KindSecrets: 8040,
}

// ServiceStatus is the lifecycle state of a managed Service row.
type ServiceStatus string

const (
	ServiceStarting  ServiceStatus = "starting"
	ServiceRunning   ServiceStatus = "running"
	ServiceUnhealthy ServiceStatus = "unhealthy"
	ServiceFailed    ServiceStatus = "failed"
	ServiceStopped   ServiceStatus = "stopped"
)

// Node is a registered worker machine.
type Node struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Healthy      bool      `json:"healthy"`
	LastCheckAt  time.Time `json:"last_check_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Container is a single running unit placed on a node.
type Container struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	NodeID    string          `json:"node_id"`
	Image     string          `json:"image"`
	Name      string          `json:"name"`
	Status    ContainerStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Service is a managed service instance: a container plus a routable endpoint.
type Service struct {
	ID          string        `json:"id"`
	Kind        ServiceKind   `json:"kind"`
	ContainerID string        `json:"container_id"`
	NodeID      string        `json:"node_id"`
	IPAddress   string        `json:"ip_address"`
	Port        int           `json:"port"`
	Status      ServiceStatus `json:"status"`
	Healthy     bool          `json:"healthy"`
	LastCheckAt time.Time     `json:"last_check_at"`
	CreatedAt   time.Time     `json:"created_at"`

	// SQL-only fields; zero-valued for other kinds.
	MaxCPUPercent int    `json:"max_cpu_percent,omitempty"`
	MaxRAMMB      int    `json:"max_ram_mb,omitempty"`
	MaxDiskGB     int    `json:"max_disk_gb,omitempty"`
	DatabaseName  string `json:"database_name,omitempty"`
	InstanceName  string `json:"instance_name,omitempty"`
}

// Endpoint is the routable (ip, port) pair returned to launch callers.
func (s *Service) Endpoint() string {
	return "http://" + s.IPAddress + ":" + strconv.Itoa(s.Port)
}
