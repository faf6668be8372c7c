package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/events"
	"github.com/virtfleet/virtfleet/control_plane/protocol"
	"github.com/virtfleet/virtfleet/control_plane/store"
)

// sentCommand records one call observed by the mock sender.
type sentCommand struct {
	NodeID  int64
	Action  string
	Payload any
}

// mockSender scripts dispatcher outcomes per action.
type mockSender struct {
	mu       sync.Mutex
	sent     []sentCommand
	results  map[string]*protocol.CommandResult
	errs     map[string]error
	blockOn  chan struct{} // when set, Send blocks until closed
	failFrom int           // fail with errDefault after this many calls, 0 = never
	errAfter error
}

func newMockSender() *mockSender {
	return &mockSender{
		results: make(map[string]*protocol.CommandResult),
		errs:    make(map[string]error),
	}
}

func (m *mockSender) Send(ctx context.Context, nodeID int64, action string, payload any, timeout time.Duration) (*protocol.CommandResult, error) {
	if m.blockOn != nil {
		<-m.blockOn
	}
	m.mu.Lock()
	m.sent = append(m.sent, sentCommand{NodeID: nodeID, Action: action, Payload: payload})
	count := len(m.sent)
	m.mu.Unlock()

	if m.failFrom > 0 && count >= m.failFrom {
		return nil, m.errAfter
	}
	if err, ok := m.errs[action]; ok {
		return nil, err
	}
	if res, ok := m.results[action]; ok {
		return res, nil
	}
	return &protocol.CommandResult{Success: true}, nil
}

func (m *mockSender) calls() []sentCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentCommand, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockSender) callsFor(action string) int {
	n := 0
	for _, c := range m.calls() {
		if c.Action == action {
			n++
		}
	}
	return n
}

func seedReconcileFixture(t *testing.T) (*store.MemoryStore, *store.Node) {
	t.Helper()
	ms := store.NewMemoryStore()
	node := &store.Node{AgentID: "agent-1", Token: "tok", Status: store.NodeOnline}
	if err := ms.UpsertNode(context.Background(), node); err != nil {
		t.Fatalf("Failed to seed node: %v", err)
	}
	return ms, node
}

func TestReconcileConvergesStuckInstances(t *testing.T) {
	ms, node := seedReconcileFixture(t)
	ctx := context.Background()

	stuck := &store.Instance{NodeID: node.ID, Name: "a", Image: "redis:7", Status: store.StatusError}
	creating := &store.Instance{NodeID: node.ID, Name: "b", Image: "nginx:latest", Status: store.StatusCreating}
	healthy := &store.Instance{NodeID: node.ID, Name: "c", Image: "postgres:16", Status: store.StatusRunning}
	for _, inst := range []*store.Instance{stuck, creating, healthy} {
		if err := ms.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("Failed to seed instance: %v", err)
		}
	}

	sender := newMockSender()
	r := NewReconciler(ms, sender, events.NewLogPublisher())

	if err := r.Reconcile(ctx, node); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if got := sender.callsFor(protocol.ActionCreateInstance); got != 2 {
		t.Fatalf("Expected exactly 2 create commands, got %d", got)
	}
	for _, id := range []int64{stuck.ID, creating.ID} {
		inst, _ := ms.GetInstance(ctx, id)
		if inst.Status != store.StatusRunning {
			t.Errorf("Expected instance %d to be RUNNING, got %s", id, inst.Status)
		}
	}
	// Healthy instances are never touched.
	inst, _ := ms.GetInstance(ctx, healthy.ID)
	if inst.Status != store.StatusRunning {
		t.Errorf("Healthy instance was disturbed: %s", inst.Status)
	}
}

func TestReconcileRecordsRemoteFailure(t *testing.T) {
	ms, node := seedReconcileFixture(t)
	ctx := context.Background()

	inst := &store.Instance{NodeID: node.ID, Image: "bad:image", Status: store.StatusCreating}
	if err := ms.CreateInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}

	sender := newMockSender()
	sender.results[protocol.ActionCreateInstance] = &protocol.CommandResult{Success: false, Message: "image pull failed"}
	r := NewReconciler(ms, sender, events.NewLogPublisher())

	if err := r.Reconcile(ctx, node); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	got, _ := ms.GetInstance(ctx, inst.ID)
	if got.Status != store.StatusError {
		t.Errorf("Expected ERROR, got %s", got.Status)
	}
	if got.StatusReason != "image pull failed" {
		t.Errorf("Expected the agent's reason to be recorded, got %q", got.StatusReason)
	}
}

func TestReconcileLeavesStatusOnTransportFailure(t *testing.T) {
	ms, node := seedReconcileFixture(t)
	ctx := context.Background()

	first := &store.Instance{NodeID: node.ID, Image: "a:1", Status: store.StatusError}
	second := &store.Instance{NodeID: node.ID, Image: "b:1", Status: store.StatusError}
	for _, inst := range []*store.Instance{first, second} {
		if err := ms.CreateInstance(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	// The channel drops after the first command; the pass must stop and
	// leave everything for the next session instead of retrying.
	sender := newMockSender()
	sender.failFrom = 1
	sender.errAfter = protocol.ErrConnectionLost
	r := NewReconciler(ms, sender, events.NewLogPublisher())

	if err := r.Reconcile(ctx, node); err == nil {
		t.Fatal("Expected the pass to report the lost channel")
	}

	if got := len(sender.calls()); got != 1 {
		t.Fatalf("Expected the pass to stop after the lost channel, got %d calls", got)
	}
	for _, id := range []int64{first.ID, second.ID} {
		inst, _ := ms.GetInstance(ctx, id)
		if inst.Status != store.StatusError {
			t.Errorf("Expected instance %d status untouched, got %s", id, inst.Status)
		}
	}
}

func TestReconcileRepushesForwardRules(t *testing.T) {
	ms, node := seedReconcileFixture(t)
	ctx := context.Background()

	inst := &store.Instance{NodeID: node.ID, Image: "web:1", Status: store.StatusRunning}
	if err := ms.CreateInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}
	rules := []*store.ForwardRule{
		{ID: "r1", NodeID: node.ID, InstanceID: inst.ID, Protocol: "tcp", ExternalPort: 8080, InternalPort: 80},
		{ID: "r2", NodeID: node.ID, InstanceID: inst.ID, Protocol: "udp", ExternalPort: 5353, InternalPort: 53},
	}
	for _, rule := range rules {
		if err := ms.CreateForwardRule(ctx, rule); err != nil {
			t.Fatal(err)
		}
	}

	sender := newMockSender()
	r := NewReconciler(ms, sender, events.NewLogPublisher())

	if err := r.Reconcile(ctx, node); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := sender.callsFor(protocol.ActionAddForward); got != 2 {
		t.Errorf("Expected 2 forward pushes, got %d", got)
	}
}

func TestReconcileSingleFlightPerNode(t *testing.T) {
	ms, node := seedReconcileFixture(t)
	ctx := context.Background()

	inst := &store.Instance{NodeID: node.ID, Image: "a:1", Status: store.StatusError}
	if err := ms.CreateInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}

	sender := newMockSender()
	sender.blockOn = make(chan struct{})
	r := NewReconciler(ms, sender, events.NewLogPublisher())

	started := make(chan struct{})
	go func() {
		close(started)
		r.Reconcile(ctx, node)
	}()
	<-started

	deadline := time.Now().Add(2 * time.Second)
	for !r.IsNodeBusy(node.ID) {
		if time.Now().After(deadline) {
			t.Fatal("First pass never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A connect storm fires a second pass while the first is in flight; it
	// must be dropped, not queued.
	if err := r.Reconcile(ctx, node); err != nil {
		t.Fatalf("Duplicate pass should be a silent no-op, got %v", err)
	}

	close(sender.blockOn)
	deadline = time.Now().Add(2 * time.Second)
	for r.IsNodeBusy(node.ID) {
		if time.Now().After(deadline) {
			t.Fatal("First pass never finished")
		}
		time.Sleep(time.Millisecond)
	}

	if got := sender.callsFor(protocol.ActionCreateInstance); got != 1 {
		t.Errorf("Expected exactly 1 create across overlapping passes, got %d", got)
	}
}
