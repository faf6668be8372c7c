package telemetry

import (
	"context"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/protocol"
)

// HostSnapshot is the last-known whole-host sample for an agent.
type HostSnapshot struct {
	AgentID    string             `json:"agent_id"`
	NodeID     int64              `json:"node_id"`
	ReceivedAt time.Time          `json:"received_at"`
	Stats      protocol.HostStats `json:"stats"`
}

// WorkloadSnapshot is the last-known sample for one workload on an agent.
type WorkloadSnapshot struct {
	AgentID    string                  `json:"agent_id"`
	NodeID     int64                   `json:"node_id"`
	WorkloadID int64                   `json:"workload_id"`
	ReceivedAt time.Time               `json:"received_at"`
	Stats      protocol.ContainerStats `json:"stats"`
}

// Cache is the hot telemetry tier: every report overwrites the previous
// snapshot, entries expire after a TTL, and reads after expiry return
// (nil, nil). Implementations must be safe for concurrent use.
type Cache interface {
	PutHost(ctx context.Context, snap *HostSnapshot) error
	PutWorkload(ctx context.Context, snap *WorkloadSnapshot) error
	Host(ctx context.Context, agentID string) (*HostSnapshot, error)
	Workload(ctx context.Context, agentID string, workloadID int64) (*WorkloadSnapshot, error)
	Workloads(ctx context.Context, agentID string) ([]*WorkloadSnapshot, error)
	Close() error
}
