package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreNodeLookups(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	node := &Node{AgentID: "agent-1", Token: "tok-1"}
	if err := ms.UpsertNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	if node.ID == 0 {
		t.Fatal("Expected upsert to assign a node id")
	}

	got, err := ms.GetNodeByToken(ctx, "tok-1")
	if err != nil || got == nil {
		t.Fatalf("Expected node by token, got %v, %v", got, err)
	}
	if got, _ := ms.GetNodeByToken(ctx, "unknown"); got != nil {
		t.Error("Expected nil for unknown token")
	}
	if got, _ := ms.GetNode(ctx, 999); got != nil {
		t.Error("Expected nil for unknown id")
	}
}

func TestMemoryStoreInstanceStatusFilter(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	statuses := []string{StatusCreating, StatusRunning, StatusError, StatusStopped}
	for _, st := range statuses {
		inst := &Instance{NodeID: 1, Image: "img", Status: st}
		if err := ms.CreateInstance(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}
	ms.CreateInstance(ctx, &Instance{NodeID: 2, Image: "img", Status: StatusError})

	stuck, err := ms.ListInstancesByNodeAndStatus(ctx, 1, StatusCreating, StatusError)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 2 {
		t.Fatalf("Expected 2 stuck instances on node 1, got %d", len(stuck))
	}
	for _, inst := range stuck {
		if inst.Status != StatusCreating && inst.Status != StatusError {
			t.Errorf("Unexpected status in filter result: %s", inst.Status)
		}
	}
}

func TestMemoryStoreForwardRulesByNode(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	ms.CreateForwardRule(ctx, &ForwardRule{ID: "r1", NodeID: 1, InstanceID: 10, Protocol: "tcp", ExternalPort: 80, InternalPort: 8080})
	ms.CreateForwardRule(ctx, &ForwardRule{ID: "r2", NodeID: 1, InstanceID: 11, Protocol: "udp", ExternalPort: 53, InternalPort: 53})
	ms.CreateForwardRule(ctx, &ForwardRule{ID: "r3", NodeID: 2, InstanceID: 12, Protocol: "tcp", ExternalPort: 443, InternalPort: 8443})

	rules, err := ms.ListForwardRulesByNode(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("Expected 2 rules on node 1, got %d", len(rules))
	}

	if err := ms.DeleteForwardRule(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := ms.GetForwardRule(ctx, "r1"); got != nil {
		t.Error("Expected r1 to be deleted")
	}
}

func TestMemoryStoreTelemetryPurge(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	for _, age := range []time.Duration{0, time.Hour, 100 * time.Hour} {
		rec := &TelemetryRecord{NodeID: 1, AgentID: "a1", Timestamp: now.Add(-age)}
		if err := ms.SaveTelemetryRecord(ctx, rec, []*ContainerUsage{{InstanceID: 1}}); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := ms.PurgeTelemetryBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("Expected 1 purged record, got %d", deleted)
	}
	if got := ms.TelemetryRecordCount(); got != 2 {
		t.Errorf("Expected 2 surviving records, got %d", got)
	}
}
