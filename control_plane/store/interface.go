package store

import (
	"context"
	"time"
)

// Store defines the methods required for a permanent storage backend.
// It abstracts over Postgres (durable) and the in-memory store (tests, dev).
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	// Node Operations
	GetNode(ctx context.Context, id int64) (*Node, error)
	GetNodeByToken(ctx context.Context, token string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	UpsertNode(ctx context.Context, node *Node) error
	UpdateNodeStatus(ctx context.Context, id int64, status string, lastSeen time.Time) error

	// Instance Operations
	GetInstance(ctx context.Context, id int64) (*Instance, error)
	ListInstancesByNode(ctx context.Context, nodeID int64) ([]*Instance, error)
	ListInstancesByNodeAndStatus(ctx context.Context, nodeID int64, statuses ...string) ([]*Instance, error)
	CreateInstance(ctx context.Context, inst *Instance) error
	UpdateInstanceStatus(ctx context.Context, id int64, status string, reason string) error

	// Forward Rule Operations
	CreateForwardRule(ctx context.Context, rule *ForwardRule) error
	GetForwardRule(ctx context.Context, id string) (*ForwardRule, error)
	ListForwardRulesByInstance(ctx context.Context, instanceID int64) ([]*ForwardRule, error)
	ListForwardRulesByNode(ctx context.Context, nodeID int64) ([]*ForwardRule, error)
	DeleteForwardRule(ctx context.Context, id string) error

	// Telemetry Operations
	// SaveTelemetryRecord persists the host row and its container rows as one
	// atomic unit.
	SaveTelemetryRecord(ctx context.Context, rec *TelemetryRecord, usage []*ContainerUsage) error
	ListTelemetryRecords(ctx context.Context, agentID string, since time.Time, limit int) ([]*TelemetryRecord, error)
	PurgeTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close()
}
