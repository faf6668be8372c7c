package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/protocol"
)

func TestMemoryCachePutGet(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	defer c.Close()
	ctx := context.Background()

	host := &HostSnapshot{AgentID: "a1", NodeID: 1, ReceivedAt: time.Now(), Stats: protocol.HostStats{CPUPercent: 33}}
	if err := c.PutHost(ctx, host); err != nil {
		t.Fatalf("PutHost failed: %v", err)
	}

	got, err := c.Host(ctx, "a1")
	if err != nil || got == nil {
		t.Fatalf("Expected host snapshot, got %v, %v", got, err)
	}
	if got.Stats.CPUPercent != 33 {
		t.Errorf("Expected CPU 33, got %f", got.Stats.CPUPercent)
	}

	// Unknown agent is a miss, not an error.
	got, err = c.Host(ctx, "nobody")
	if err != nil || got != nil {
		t.Errorf("Expected (nil, nil) for unknown agent, got %v, %v", got, err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(50 * time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	c.PutHost(ctx, &HostSnapshot{AgentID: "a1"})
	c.PutWorkload(ctx, &WorkloadSnapshot{AgentID: "a1", WorkloadID: 1})

	time.Sleep(80 * time.Millisecond)

	if got, _ := c.Host(ctx, "a1"); got != nil {
		t.Error("Expected expired host snapshot to be invisible")
	}
	if got, _ := c.Workload(ctx, "a1", 1); got != nil {
		t.Error("Expected expired workload snapshot to be invisible")
	}
	if got, _ := c.Workloads(ctx, "a1"); len(got) != 0 {
		t.Errorf("Expected no live workloads, got %d", len(got))
	}
}

func TestMemoryCacheUpsertRefreshes(t *testing.T) {
	c := NewMemoryCache(60 * time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	c.PutHost(ctx, &HostSnapshot{AgentID: "a1", Stats: protocol.HostStats{CPUPercent: 10}})
	time.Sleep(40 * time.Millisecond)

	// The rewrite refreshes the expiry and overwrites the value.
	c.PutHost(ctx, &HostSnapshot{AgentID: "a1", Stats: protocol.HostStats{CPUPercent: 20}})
	time.Sleep(40 * time.Millisecond)

	got, _ := c.Host(ctx, "a1")
	if got == nil {
		t.Fatal("Expected the refreshed snapshot to still be live")
	}
	if got.Stats.CPUPercent != 20 {
		t.Errorf("Expected the newest value, got CPU %f", got.Stats.CPUPercent)
	}
}

func TestMemoryCacheWorkloadsListing(t *testing.T) {
	c := NewMemoryCache(time.Hour)
	defer c.Close()
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		c.PutWorkload(ctx, &WorkloadSnapshot{AgentID: "a1", WorkloadID: id})
	}
	c.PutWorkload(ctx, &WorkloadSnapshot{AgentID: "a2", WorkloadID: 9})

	got, err := c.Workloads(ctx, "a1")
	if err != nil {
		t.Fatalf("Workloads failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Expected 3 workloads for a1, got %d", len(got))
	}
}
