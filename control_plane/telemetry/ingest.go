package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/observability"
	"github.com/virtfleet/virtfleet/control_plane/protocol"
)

// Ingestor fans one agent report into the hot cache and, when the throttle
// window allows, into the cold store. Cache upserts happen on every report;
// neither tier's failure blocks the other or the channel.
type Ingestor struct {
	cache    Cache
	recorder *Recorder
}

func NewIngestor(cache Cache, recorder *Recorder) *Ingestor {
	return &Ingestor{cache: cache, recorder: recorder}
}

// HandleReport processes one report frame from the node's channel.
func (i *Ingestor) HandleReport(ctx context.Context, nodeID int64, rep *protocol.Report) {
	now := time.Now()

	host := &HostSnapshot{
		AgentID:    rep.AgentID,
		NodeID:     nodeID,
		ReceivedAt: now,
		Stats:      rep.Host,
	}
	if err := i.cache.PutHost(ctx, host); err != nil {
		log.Printf("⚠️ Telemetry[%s]: host cache upsert failed: %v", rep.AgentID, err)
	} else {
		observability.CacheUpserts.Inc()
	}

	for _, c := range rep.Containers {
		snap := &WorkloadSnapshot{
			AgentID:    rep.AgentID,
			NodeID:     nodeID,
			WorkloadID: c.WorkloadID,
			ReceivedAt: now,
			Stats:      c,
		}
		if err := i.cache.PutWorkload(ctx, snap); err != nil {
			log.Printf("⚠️ Telemetry[%s]: workload %d cache upsert failed: %v", rep.AgentID, c.WorkloadID, err)
			continue
		}
		observability.CacheUpserts.Inc()
	}

	if i.recorder != nil {
		i.recorder.MaybePersist(ctx, nodeID, rep)
	}
}
