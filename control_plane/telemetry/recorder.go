package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/observability"
	"github.com/virtfleet/virtfleet/control_plane/protocol"
	"github.com/virtfleet/virtfleet/control_plane/store"
)

// Recorder decides which reports graduate from the hot cache to durable
// storage. Each agent gets at most one cold-store write per window, measured
// against the report's own source timestamp so decisions are deterministic.
type Recorder struct {
	store  store.Store
	window time.Duration

	mu        sync.Mutex
	lastSaved map[string]time.Time
}

func NewRecorder(store store.Store, window time.Duration) *Recorder {
	return &Recorder{
		store:     store,
		window:    window,
		lastSaved: make(map[string]time.Time),
	}
}

// MaybePersist writes the report to the cold store if the agent's window has
// elapsed. The window is claimed before the write and released on failure, so
// a failed write does not silence the next report. Returns true when a row
// was persisted.
func (r *Recorder) MaybePersist(ctx context.Context, nodeID int64, rep *protocol.Report) bool {
	ts := rep.Time()

	r.mu.Lock()
	prev, seen := r.lastSaved[rep.AgentID]
	if seen && ts.Sub(prev) < r.window {
		r.mu.Unlock()
		return false
	}
	r.lastSaved[rep.AgentID] = ts
	r.mu.Unlock()

	rec := &store.TelemetryRecord{
		NodeID:        nodeID,
		AgentID:       rep.AgentID,
		Timestamp:     ts,
		UptimeSeconds: rep.Host.UptimeSeconds,
		CPUPercent:    rep.Host.CPUPercent,
		MemoryUsed:    rep.Host.MemoryUsed,
		MemoryTotal:   rep.Host.MemoryTotal,
		NetRxBytes:    rep.Host.NetRxBytes,
		NetTxBytes:    rep.Host.NetTxBytes,
		Disks:         rep.Host.Disks,
	}
	usage := make([]*store.ContainerUsage, 0, len(rep.Containers))
	for _, c := range rep.Containers {
		usage = append(usage, &store.ContainerUsage{
			InstanceID:  c.WorkloadID,
			Name:        c.Name,
			State:       c.State,
			CPUPercent:  c.CPUPercent,
			MemoryUsed:  c.MemoryUsed,
			MemoryLimit: c.MemoryLimit,
			NetRxRate:   c.NetRxRate,
			NetTxRate:   c.NetTxRate,
			NetRxBytes:  c.NetRxBytes,
			NetTxBytes:  c.NetTxBytes,
		})
	}

	if err := r.store.SaveTelemetryRecord(ctx, rec, usage); err != nil {
		log.Printf("⚠️ Telemetry[%s]: cold-store write failed: %v", rep.AgentID, err)
		observability.ColdWriteErrors.Inc()
		r.mu.Lock()
		if r.lastSaved[rep.AgentID].Equal(ts) {
			if seen {
				r.lastSaved[rep.AgentID] = prev
			} else {
				delete(r.lastSaved, rep.AgentID)
			}
		}
		r.mu.Unlock()
		return false
	}
	observability.ColdWrites.Inc()
	return true
}
