package telemetry

import (
	"fmt"
)

// HostKey constructs the Redis key for an agent's host snapshot.
// Format: vfleet:telemetry:host:{agentID}
func HostKey(agentID string) string {
	return fmt.Sprintf("vfleet:telemetry:host:%s", agentID)
}

// WorkloadKey constructs the Redis key for one workload snapshot.
// Format: vfleet:telemetry:workload:{agentID}:{workloadID}
func WorkloadKey(agentID string, workloadID int64) string {
	return fmt.Sprintf("vfleet:telemetry:workload:%s:%d", agentID, workloadID)
}

// WorkloadPattern constructs the SCAN pattern covering an agent's workloads.
func WorkloadPattern(agentID string) string {
	return fmt.Sprintf("vfleet:telemetry:workload:%s:*", agentID)
}
