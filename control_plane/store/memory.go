package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds the full control-plane state in process memory.
// It implements the Store interface and backs tests and single-node dev runs.
type MemoryStore struct {
	mu         sync.RWMutex
	nodes      map[int64]*Node
	instances  map[int64]*Instance
	forwards   map[string]*ForwardRule
	records    map[int64]*TelemetryRecord
	usage      map[int64][]*ContainerUsage // keyed by record id
	nextNodeID int64
	nextInstID int64
	nextRecID  int64
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[int64]*Node),
		instances: make(map[int64]*Instance),
		forwards:  make(map[string]*ForwardRule),
		records:   make(map[int64]*TelemetryRecord),
		usage:     make(map[int64][]*ContainerUsage),
	}
}

// --- Node Operations ---

func (s *MemoryStore) GetNode(ctx context.Context, id int64) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, nil // Return nil if not found
	}
	nodeCopy := *n
	return &nodeCopy, nil
}

func (s *MemoryStore) GetNodeByToken(ctx context.Context, token string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if token == "" {
		return nil, nil
	}
	for _, n := range s.nodes {
		if n.Token == token {
			nodeCopy := *n
			return &nodeCopy, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodeCopy := *n
		result = append(result, &nodeCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) UpsertNode(ctx context.Context, node *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.ID == 0 {
		s.nextNodeID++
		node.ID = s.nextNodeID
	} else if node.ID > s.nextNodeID {
		s.nextNodeID = node.ID
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	nodeCopy := *node
	s.nodes[node.ID] = &nodeCopy
	return nil
}

func (s *MemoryStore) UpdateNodeStatus(ctx context.Context, id int64, status string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return errors.New("node not found")
	}
	n.Status = status
	n.LastSeen = lastSeen
	return nil
}

// --- Instance Operations ---

func (s *MemoryStore) GetInstance(ctx context.Context, id int64) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	instCopy := *inst
	return &instCopy, nil
}

func (s *MemoryStore) ListInstancesByNode(ctx context.Context, nodeID int64) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Instance, 0)
	for _, inst := range s.instances {
		if inst.NodeID == nodeID {
			instCopy := *inst
			result = append(result, &instCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListInstancesByNodeAndStatus(ctx context.Context, nodeID int64, statuses ...string) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}
	result := make([]*Instance, 0)
	for _, inst := range s.instances {
		if inst.NodeID == nodeID && wanted[inst.Status] {
			instCopy := *inst
			result = append(result, &instCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) CreateInstance(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.ID == 0 {
		s.nextInstID++
		inst.ID = s.nextInstID
	} else if inst.ID > s.nextInstID {
		s.nextInstID = inst.ID
	}
	now := time.Now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	instCopy := *inst
	s.instances[inst.ID] = &instCopy
	return nil
}

func (s *MemoryStore) UpdateInstanceStatus(ctx context.Context, id int64, status string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return errors.New("instance not found")
	}
	inst.Status = status
	inst.StatusReason = reason
	inst.UpdatedAt = time.Now()
	return nil
}

// --- Forward Rule Operations ---

func (s *MemoryStore) CreateForwardRule(ctx context.Context, rule *ForwardRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	ruleCopy := *rule
	s.forwards[rule.ID] = &ruleCopy
	return nil
}

func (s *MemoryStore) GetForwardRule(ctx context.Context, id string) (*ForwardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.forwards[id]
	if !ok {
		return nil, nil
	}
	ruleCopy := *r
	return &ruleCopy, nil
}

func (s *MemoryStore) ListForwardRulesByInstance(ctx context.Context, instanceID int64) ([]*ForwardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ForwardRule, 0)
	for _, r := range s.forwards {
		if r.InstanceID == instanceID {
			ruleCopy := *r
			result = append(result, &ruleCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) ListForwardRulesByNode(ctx context.Context, nodeID int64) ([]*ForwardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ForwardRule, 0)
	for _, r := range s.forwards {
		if r.NodeID == nodeID {
			ruleCopy := *r
			result = append(result, &ruleCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) DeleteForwardRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.forwards, id)
	return nil
}

// --- Telemetry Operations ---

func (s *MemoryStore) SaveTelemetryRecord(ctx context.Context, rec *TelemetryRecord, usage []*ContainerUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRecID++
	rec.ID = s.nextRecID
	recCopy := *rec
	s.records[rec.ID] = &recCopy

	rows := make([]*ContainerUsage, 0, len(usage))
	for _, u := range usage {
		u.RecordID = rec.ID
		usageCopy := *u
		rows = append(rows, &usageCopy)
	}
	s.usage[rec.ID] = rows
	return nil
}

func (s *MemoryStore) ListTelemetryRecords(ctx context.Context, agentID string, since time.Time, limit int) ([]*TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*TelemetryRecord, 0)
	for _, rec := range s.records {
		if rec.AgentID == agentID && !rec.Timestamp.Before(since) {
			recCopy := *rec
			result = append(result, &recCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) PurgeTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			delete(s.records, id)
			delete(s.usage, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Close() {}

// ContainerUsageForRecord returns the usage rows attached to a record. Test
// helper, not part of the Store interface.
func (s *MemoryStore) ContainerUsageForRecord(recordID int64) []*ContainerUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*ContainerUsage, 0, len(s.usage[recordID]))
	for _, u := range s.usage[recordID] {
		usageCopy := *u
		rows = append(rows, &usageCopy)
	}
	return rows
}

// TelemetryRecordCount reports how many cold rows are held. Test helper.
func (s *MemoryStore) TelemetryRecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
