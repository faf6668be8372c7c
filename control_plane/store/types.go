package store

import (
	"time"

	"github.com/virtfleet/virtfleet/control_plane/protocol"
)

// Node statuses tracked in storage. Live connectivity is owned by the hub;
// these reflect the last durable observation.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
)

// Instance lifecycle statuses. Transitions that mirror remote actions are
// written only by the command and reconciliation paths.
const (
	StatusCreating   = "CREATING"
	StatusRunning    = "RUNNING"
	StatusStopped    = "STOPPED"
	StatusPaused     = "PAUSED"
	StatusError      = "ERROR"
	StatusDestroying = "DESTROYING"
	StatusDestroyed  = "DESTROYED"
)

// Node represents an enrolled host machine running a worker agent.
type Node struct {
	ID        int64     `json:"id" db:"id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Name      string    `json:"name" db:"name"`
	Token     string    `json:"-" db:"token"` // opaque bearer credential, never serialized out
	Addr      string    `json:"addr" db:"addr"`
	Version   string    `json:"version" db:"version"`
	Status    string    `json:"status" db:"status"` // "online", "offline"
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Instance represents a container-backed workload placed on a node.
type Instance struct {
	ID           int64     `json:"id" db:"id"`
	NodeID       int64     `json:"node_id" db:"node_id"`
	Name         string    `json:"name" db:"name"`
	Image        string    `json:"image" db:"image"`
	CPUCores     int       `json:"cpu_cores" db:"cpu_cores"`
	MemoryMB     int64     `json:"memory_mb" db:"memory_mb"`
	DiskGB       int64     `json:"disk_gb" db:"disk_gb"`
	Status       string    `json:"status" db:"status"` // see Status* constants
	StatusReason string    `json:"status_reason,omitempty" db:"status_reason"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ForwardRule represents one persisted port-forward for an instance.
type ForwardRule struct {
	ID           string    `json:"id" db:"id"`
	NodeID       int64     `json:"node_id" db:"node_id"`
	InstanceID   int64     `json:"instance_id" db:"instance_id"`
	Protocol     string    `json:"protocol" db:"protocol"` // "tcp", "udp"
	ExternalPort int       `json:"external_port" db:"external_port"`
	InternalPort int       `json:"internal_port" db:"internal_port"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TelemetryRecord is one cold-store host sample. Rows are append-only and
// pruned by age, never updated.
type TelemetryRecord struct {
	ID            int64                `json:"id" db:"id"`
	NodeID        int64                `json:"node_id" db:"node_id"`
	AgentID       string               `json:"agent_id" db:"agent_id"`
	Timestamp     time.Time            `json:"timestamp" db:"timestamp"`
	UptimeSeconds int64                `json:"uptime_seconds" db:"uptime_seconds"`
	CPUPercent    float64              `json:"cpu_percent" db:"cpu_percent"`
	MemoryUsed    int64                `json:"memory_used" db:"memory_used"`
	MemoryTotal   int64                `json:"memory_total" db:"memory_total"`
	NetRxBytes    int64                `json:"net_rx_bytes" db:"net_rx_bytes"`
	NetTxBytes    int64                `json:"net_tx_bytes" db:"net_tx_bytes"`
	Disks         []protocol.DiskUsage `json:"disks,omitempty" db:"disks"` // JSONB in Postgres
}

// ContainerUsage is one per-workload sample attached to a TelemetryRecord.
type ContainerUsage struct {
	ID          int64   `json:"id" db:"id"`
	RecordID    int64   `json:"record_id" db:"record_id"`
	InstanceID  int64   `json:"instance_id" db:"instance_id"`
	Name        string  `json:"name,omitempty" db:"name"`
	State       string  `json:"state,omitempty" db:"state"`
	CPUPercent  float64 `json:"cpu_percent" db:"cpu_percent"`
	MemoryUsed  int64   `json:"memory_used" db:"memory_used"`
	MemoryLimit int64   `json:"memory_limit" db:"memory_limit"`
	NetRxRate   float64 `json:"net_rx_rate" db:"net_rx_rate"`
	NetTxRate   float64 `json:"net_tx_rate" db:"net_tx_rate"`
	NetRxBytes  int64   `json:"net_rx_bytes" db:"net_rx_bytes"`
	NetTxBytes  int64   `json:"net_tx_bytes" db:"net_tx_bytes"`
}
