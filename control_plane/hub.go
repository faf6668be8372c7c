package main

import (
	"log"
	"sync"

	"github.com/virtfleet/virtfleet/control_plane/observability"
)

// AgentHub is the registry of live agent channels, keyed by node id. It is
// constructed once in main and injected into everything that needs to reach
// an agent. Registration is last-writer-wins: a replacement evicts and closes
// the superseded channel so its pending commands fail promptly.
type AgentHub struct {
	mu    sync.RWMutex
	conns map[int64]*AgentChannel
}

// NewAgentHub creates an empty hub.
func NewAgentHub() *AgentHub {
	return &AgentHub{
		conns: make(map[int64]*AgentChannel),
	}
}

// Register installs ch as the channel for nodeID and returns the superseded
// channel, if any. The superseded channel is asked to shut down; its own
// cleanup then fails its pending commands without touching the newcomer's.
func (h *AgentHub) Register(nodeID int64, ch *AgentChannel) *AgentChannel {
	h.mu.Lock()
	prev := h.conns[nodeID]
	h.conns[nodeID] = ch
	total := len(h.conns)
	h.mu.Unlock()

	observability.ConnectedAgents.Set(float64(total))

	if prev != nil && prev != ch {
		log.Printf("⚠️ Hub: node %d reconnected, evicting superseded channel", nodeID)
		go prev.shutdown("superseded by new connection")
		return prev
	}
	log.Printf("Hub: node %d registered. Total connected: %d", nodeID, total)
	return nil
}

// Unregister removes ch for nodeID only if it is still the registered
// channel. An evicted channel's late cleanup must not remove its replacement.
func (h *AgentHub) Unregister(nodeID int64, ch *AgentChannel) bool {
	h.mu.Lock()
	current, ok := h.conns[nodeID]
	if !ok || current != ch {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, nodeID)
	total := len(h.conns)
	h.mu.Unlock()

	observability.ConnectedAgents.Set(float64(total))
	log.Printf("Hub: node %d unregistered. Total connected: %d", nodeID, total)
	return true
}

// Resolve returns the live channel for nodeID, or nil.
func (h *AgentHub) Resolve(nodeID int64) *AgentChannel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[nodeID]
}

// IsConnected reports whether nodeID has a live channel.
func (h *AgentHub) IsConnected(nodeID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[nodeID]
	return ok
}

// ConnectedIDs returns the node ids with live channels.
func (h *AgentHub) ConnectedIDs() []int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]int64, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live channels.
func (h *AgentHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
