package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/protocol"
	"github.com/virtfleet/virtfleet/control_plane/store"
)

func TestIngestorUpsertsEverySnapshotAndThrottlesColdWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	cache := NewMemoryCache(time.Hour)
	defer cache.Close()
	ing := NewIngestor(cache, NewRecorder(ms, 10*time.Minute))
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{0, 4 * time.Minute, 9 * time.Minute, 11 * time.Minute} {
		rep := &protocol.Report{
			AgentID:   "agent-a",
			Timestamp: base.Add(offset).UnixMilli(),
			Host:      protocol.HostStats{CPUPercent: float64(i)},
			Containers: []protocol.ContainerStats{
				{WorkloadID: 1, CPUPercent: float64(i * 10)},
			},
		}
		ing.HandleReport(ctx, 1, rep)
	}

	// Every report refreshed the hot cache; the last value wins.
	host, _ := cache.Host(ctx, "agent-a")
	if host == nil || host.Stats.CPUPercent != 3 {
		t.Fatalf("Expected the latest host snapshot in cache, got %+v", host)
	}
	wl, _ := cache.Workload(ctx, "agent-a", 1)
	if wl == nil || wl.Stats.CPUPercent != 30 {
		t.Fatalf("Expected the latest workload snapshot in cache, got %+v", wl)
	}

	// Only t=0 and t=11min graduated to the cold store.
	if got := ms.TelemetryRecordCount(); got != 2 {
		t.Errorf("Expected 2 cold-store writes, got %d", got)
	}
}

func TestIngestorSurvivesColdStoreFailure(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failWrites: true}
	cache := NewMemoryCache(time.Hour)
	defer cache.Close()
	ing := NewIngestor(cache, NewRecorder(fs, 10*time.Minute))
	ctx := context.Background()

	rep := &protocol.Report{AgentID: "agent-a", Timestamp: time.Now().UnixMilli()}
	ing.HandleReport(ctx, 1, rep)

	// Durability failed but availability did not: the hot read still works.
	host, err := cache.Host(ctx, "agent-a")
	if err != nil || host == nil {
		t.Fatalf("Expected the hot cache to be updated despite the cold-store failure, got %v, %v", host, err)
	}
}
