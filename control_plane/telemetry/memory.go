package telemetry

import (
	"context"
	"sync"
	"time"
)

type hostEntry struct {
	snap      *HostSnapshot
	expiresAt time.Time
}

type workloadEntry struct {
	snap      *WorkloadSnapshot
	expiresAt time.Time
}

// MemoryCache keeps hot snapshots in process memory. Expired entries are
// invisible to readers immediately and swept out in the background.
type MemoryCache struct {
	ttl       time.Duration
	mu        sync.RWMutex
	hosts     map[string]hostEntry
	workloads map[string]map[int64]workloadEntry
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMemoryCache initializes a MemoryCache and starts its sweeper.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	c := &MemoryCache{
		ttl:       ttl,
		hosts:     make(map[string]hostEntry),
		workloads: make(map[string]map[int64]workloadEntry),
		stop:      make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *MemoryCache) PutHost(ctx context.Context, snap *HostSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapCopy := *snap
	c.hosts[snap.AgentID] = hostEntry{snap: &snapCopy, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) PutWorkload(ctx context.Context, snap *WorkloadSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID, ok := c.workloads[snap.AgentID]
	if !ok {
		byID = make(map[int64]workloadEntry)
		c.workloads[snap.AgentID] = byID
	}
	snapCopy := *snap
	byID[snap.WorkloadID] = workloadEntry{snap: &snapCopy, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Host(ctx context.Context, agentID string) (*HostSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.hosts[agentID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	snapCopy := *e.snap
	return &snapCopy, nil
}

func (c *MemoryCache) Workload(ctx context.Context, agentID string, workloadID int64) (*WorkloadSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.workloads[agentID][workloadID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	snapCopy := *e.snap
	return &snapCopy, nil
}

func (c *MemoryCache) Workloads(ctx context.Context, agentID string) ([]*WorkloadSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	result := make([]*WorkloadSnapshot, 0, len(c.workloads[agentID]))
	for _, e := range c.workloads[agentID] {
		if now.After(e.expiresAt) {
			continue
		}
		snapCopy := *e.snap
		result = append(result, &snapCopy)
	}
	return result, nil
}

func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *MemoryCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for agentID, e := range c.hosts {
		if now.After(e.expiresAt) {
			delete(c.hosts, agentID)
		}
	}
	for agentID, byID := range c.workloads {
		for id, e := range byID {
			if now.After(e.expiresAt) {
				delete(byID, id)
			}
		}
		if len(byID) == 0 {
			delete(c.workloads, agentID)
		}
	}
}
