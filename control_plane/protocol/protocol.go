package protocol

import (
	"encoding/json"
	"time"
)

// Frame type discriminators carried in the "type" field of every frame.
const (
	FrameCmd      = "cmd"
	FrameResponse = "response"
	FrameReport   = "report"
)

// Actions the control plane may issue to an agent. The set is versioned by
// name: an agent that does not recognize an action answers success=false
// instead of closing the channel.
const (
	ActionCreateInstance      = "create_instance"
	ActionStartInstance       = "start_instance"
	ActionStopInstance        = "stop_instance"
	ActionRestartInstance     = "restart_instance"
	ActionRemoveInstance      = "remove_instance"
	ActionForceRemoveInstance = "force_remove_instance"
	ActionAddForward          = "add_forward"
	ActionRemoveForward       = "remove_forward"
	ActionUpgradeAgent        = "upgrade_agent"
	ActionRestartAgent        = "restart_agent"
)

var knownActions = map[string]bool{
	ActionCreateInstance:      true,
	ActionStartInstance:       true,
	ActionStopInstance:        true,
	ActionRestartInstance:     true,
	ActionRemoveInstance:      true,
	ActionForceRemoveInstance: true,
	ActionAddForward:          true,
	ActionRemoveForward:       true,
	ActionUpgradeAgent:        true,
	ActionRestartAgent:        true,
}

// KnownAction reports whether action belongs to the current command set.
func KnownAction(action string) bool {
	return knownActions[action]
}

// CommandFrame is a control-plane initiated command. ID correlates the
// eventual ResponseFrame back to the waiting caller.
type CommandFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResponseFrame is the agent's answer to a CommandFrame. RefID echoes the
// command id. Success=false reports a remote execution failure, which is a
// valid delivery, not a transport error.
type ResponseFrame struct {
	Type    string          `json:"type"`
	RefID   string          `json:"refId"`
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ReportFrame is an agent-initiated telemetry push.
type ReportFrame struct {
	Type string `json:"type"`
	Data Report `json:"data"`
}

// Report carries one sampling interval worth of host and per-workload usage.
// Timestamp is unix milliseconds taken at the source.
type Report struct {
	AgentID    string           `json:"agentId"`
	Timestamp  int64            `json:"timestamp"`
	Host       HostStats        `json:"host"`
	Containers []ContainerStats `json:"containers"`
}

// Time converts the source timestamp to a time.Time.
func (r *Report) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// HostStats describes whole-machine utilization.
type HostStats struct {
	UptimeSeconds int64       `json:"uptimeSeconds"`
	CPUPercent    float64     `json:"cpuPercent"`
	MemoryUsed    int64       `json:"memoryUsed"`
	MemoryTotal   int64       `json:"memoryTotal"`
	NetRxBytes    int64       `json:"netRxBytes"`
	NetTxBytes    int64       `json:"netTxBytes"`
	NetRxRate     float64     `json:"netRxRate"`
	NetTxRate     float64     `json:"netTxRate"`
	Disks         []DiskUsage `json:"disks,omitempty"`
}

// DiskUsage is one mounted filesystem.
type DiskUsage struct {
	Mount string `json:"mount"`
	Used  int64  `json:"used"`
	Total int64  `json:"total"`
}

// ContainerStats describes one workload's instantaneous usage.
type ContainerStats struct {
	WorkloadID  int64   `json:"workloadId"`
	Name        string  `json:"name,omitempty"`
	State       string  `json:"state,omitempty"`
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryUsed  int64   `json:"memoryUsed"`
	MemoryLimit int64   `json:"memoryLimit"`
	NetRxRate   float64 `json:"netRxRate"`
	NetTxRate   float64 `json:"netTxRate"`
	NetRxBytes  int64   `json:"netRxBytes"`
	NetTxBytes  int64   `json:"netTxBytes"`
}

// CommandResult is the caller-visible outcome of a delivered command.
type CommandResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// FrameHead is the minimal shape needed to demultiplex an inbound frame.
type FrameHead struct {
	Type string `json:"type"`
}

// PeekType extracts the frame type without committing to a full parse.
func PeekType(raw []byte) (string, error) {
	var head FrameHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", ErrMalformedFrame
	}
	return head.Type, nil
}
