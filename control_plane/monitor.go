package main

import (
	"context"
	"log"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/store"
)

// NodeMonitor keeps the durable node status honest. Connected nodes get their
// last_seen bumped every tick; nodes that are both disconnected and stale are
// flagged offline even if their disconnect write was lost.
type NodeMonitor struct {
	store     store.Store
	hub       *AgentHub
	interval  time.Duration
	threshold time.Duration
}

func NewNodeMonitor(s store.Store, hub *AgentHub, interval, threshold time.Duration) *NodeMonitor {
	return &NodeMonitor{
		store:     s,
		hub:       hub,
		interval:  interval,
		threshold: threshold,
	}
}

func (m *NodeMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *NodeMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("Starting Node Liveness Monitor (Interval: %v, Threshold: %v)", m.interval, m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(ctx)
		}
	}
}

func (m *NodeMonitor) checkLiveness(ctx context.Context) {
	nodes, err := m.store.ListNodes(ctx)
	if err != nil {
		log.Printf("NodeMonitor: failed to list nodes: %v", err)
		return
	}

	now := time.Now()
	for _, n := range nodes {
		if m.hub.IsConnected(n.ID) {
			if err := m.store.UpdateNodeStatus(ctx, n.ID, store.NodeOnline, now); err != nil {
				log.Printf("NodeMonitor: failed to bump last_seen for node %d: %v", n.ID, err)
			}
			continue
		}
		if n.Status == store.NodeOffline {
			continue
		}
		if now.Sub(n.LastSeen) > m.threshold {
			log.Printf("NodeMonitor: node %d stale (last seen %v). Marking OFFLINE.", n.ID, n.LastSeen)
			if err := m.store.UpdateNodeStatus(ctx, n.ID, store.NodeOffline, n.LastSeen); err != nil {
				log.Printf("NodeMonitor: failed to mark node %d offline: %v", n.ID, err)
			}
		}
	}
}
