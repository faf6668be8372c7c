package protocol

// CreateInstancePayload carries everything an agent needs to (re)create a
// workload. Reconciliation re-derives this from the persisted record, so it
// must stay reconstructible from storage alone.
type CreateInstancePayload struct {
	InstanceID int64  `json:"instanceId"`
	Name       string `json:"name"`
	Image      string `json:"image"`
	CPUCores   int    `json:"cpuCores"`
	MemoryMB   int64  `json:"memoryMb"`
	DiskGB     int64  `json:"diskGb"`
}

// InstanceRefPayload addresses an existing workload for start/stop/restart/remove.
type InstanceRefPayload struct {
	InstanceID int64 `json:"instanceId"`
}

// ForwardPayload describes one port-forward rule to install or remove.
type ForwardPayload struct {
	RuleID       string `json:"ruleId"`
	InstanceID   int64  `json:"instanceId"`
	Protocol     string `json:"protocol"`
	ExternalPort int    `json:"externalPort"`
	InternalPort int    `json:"internalPort"`
}

// UpgradeAgentPayload points the agent at a new build of itself.
type UpgradeAgentPayload struct {
	Version  string `json:"version"`
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
}
