package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/uuid"
	"github.com/virtfleet/virtfleet/control_plane/observability"
	"github.com/virtfleet/virtfleet/control_plane/protocol"
	"github.com/virtfleet/virtfleet/control_plane/store"
	"github.com/virtfleet/virtfleet/control_plane/telemetry"
)

// API exposes the management surface: node connectivity, command submission,
// instance lifecycle, forward rules, and telemetry reads. Agent channels have
// their own endpoint and auth; everything here sits behind the admin token.
type API struct {
	store      store.Store
	hub        *AgentHub
	dispatcher CommandSender
	cache      telemetry.Cache

	commandTimeout time.Duration

	// Storm Protection
	commandLimiter *rate.Limiter
	nodeLimiters   *nodeLimiterMap
}

func NewAPI(s store.Store, hub *AgentHub, dispatcher CommandSender, cache telemetry.Cache, commandTimeout time.Duration) *API {
	return &API{
		store:          s,
		hub:            hub,
		dispatcher:     dispatcher,
		cache:          cache,
		commandTimeout: commandTimeout,
		// Allow 50 commands/sec across the fleet, burst 100
		commandLimiter: rate.NewLimiter(rate.Limit(50), 100),
		// Allow 5 commands/sec per node, burst 10
		nodeLimiters: newNodeLimiterMap(5, 10),
	}
}

// nodeLimiterMap hands out one token bucket per node id.
type nodeLimiterMap struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	r        rate.Limit
	b        int
}

func newNodeLimiterMap(r float64, b int) *nodeLimiterMap {
	return &nodeLimiterMap{
		limiters: make(map[int64]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *nodeLimiterMap) Allow(nodeID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[nodeID]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[nodeID] = limiter
	}
	return limiter.Allow()
}

// writeRateLimitError writes a 429 response with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	// Jitter: 1s base + 0-1000ms random
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", (retryAfter+999)/1000))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// commandStatusCode maps a transport-level send error to an HTTP status.
// Timeout and connection-lost mean the remote outcome is undetermined, which
// callers must be able to distinguish from a plain failure.
func commandStatusCode(err error) (int, string) {
	switch {
	case errors.Is(err, protocol.ErrNotConnected):
		return http.StatusServiceUnavailable, "node not connected"
	case errors.Is(err, protocol.ErrTimeout):
		return http.StatusGatewayTimeout, "command timed out; remote outcome undetermined"
	case errors.Is(err, protocol.ErrConnectionLost):
		return http.StatusBadGateway, "connection lost; remote outcome undetermined"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// -- Nodes --

func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleListNodes(w, r)
	case http.MethodPost:
		a.handleEnrollNode(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.store.ListNodes(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	type nodeView struct {
		*store.Node
		Connected bool `json:"connected"`
	}
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView{Node: n, Connected: a.hub.IsConnected(n.ID)})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleEnrollNode registers a new node and mints its bearer token. The token
// is returned exactly once, here.
func (a *API) handleEnrollNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Name    string `json:"name"`
		Addr    string `json:"addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	node := &store.Node{
		AgentID: req.AgentID,
		Name:    req.Name,
		Addr:    req.Addr,
		Token:   uuid.NewString(),
		Status:  store.NodeOffline,
	}
	if err := a.store.UpsertNode(r.Context(), node); err != nil {
		log.Printf("Failed to enroll node %s: %v", req.AgentID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       node.ID,
		"agent_id": node.AgentID,
		"token":    node.Token,
	})
}

func (a *API) handleConnectedNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_ids": a.hub.ConnectedIDs()})
}

// handleNode serves /api/nodes/{id} and /api/nodes/{id}/command.
func (a *API) handleNode(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	parts := strings.Split(rest, "/")
	nodeID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "Invalid node ID", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 && parts[1] == "command" {
		a.handleNodeCommand(w, r, nodeID)
		return
	}
	if len(parts) != 1 || r.Method != http.MethodGet {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	node, err := a.store.GetNode(r.Context(), nodeID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if node == nil {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":      node,
		"connected": a.hub.IsConnected(node.ID),
	})
}

// handleNodeCommand submits one raw command to a node and waits for the
// outcome. The payload is passed through untouched; validating its shape is
// the caller's job, not the dispatcher's.
func (a *API) handleNodeCommand(w http.ResponseWriter, r *http.Request, nodeID int64) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Storm Protection
	if !a.commandLimiter.Allow() || !a.nodeLimiters.Allow(nodeID) {
		a.writeRateLimitError(w, "command")
		return
	}

	var req struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
		Timeout string          `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !protocol.KnownAction(req.Action) {
		http.Error(w, "Unknown action", http.StatusBadRequest)
		return
	}

	timeout := a.commandTimeout
	if req.Timeout != "" {
		if parsed, err := time.ParseDuration(req.Timeout); err == nil && parsed > 0 && parsed <= a.commandTimeout {
			timeout = parsed
		}
	}

	res, err := a.dispatcher.Send(r.Context(), nodeID, req.Action, req.Payload, timeout)
	if err != nil {
		code, msg := commandStatusCode(err)
		writeJSON(w, code, map[string]string{"error": msg})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// -- Instances --

func (a *API) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		NodeID   int64  `json:"node_id"`
		Name     string `json:"name"`
		Image    string `json:"image"`
		CPUCores int    `json:"cpu_cores"`
		MemoryMB int64  `json:"memory_mb"`
		DiskGB   int64  `json:"disk_gb"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID == 0 || req.Image == "" {
		http.Error(w, "node_id and image are required", http.StatusBadRequest)
		return
	}

	node, err := a.store.GetNode(r.Context(), req.NodeID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if node == nil {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}

	// Persist intent first: a transport failure leaves the instance in
	// CREATING and reconciliation finishes the job on the next connect.
	inst := &store.Instance{
		NodeID:   req.NodeID,
		Name:     req.Name,
		Image:    req.Image,
		CPUCores: req.CPUCores,
		MemoryMB: req.MemoryMB,
		DiskGB:   req.DiskGB,
		Status:   store.StatusCreating,
	}
	if err := a.store.CreateInstance(r.Context(), inst); err != nil {
		log.Printf("Failed to create instance: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	payload := protocol.CreateInstancePayload{
		InstanceID: inst.ID,
		Name:       inst.Name,
		Image:      inst.Image,
		CPUCores:   inst.CPUCores,
		MemoryMB:   inst.MemoryMB,
		DiskGB:     inst.DiskGB,
	}
	res, err := a.dispatcher.Send(r.Context(), req.NodeID, protocol.ActionCreateInstance, payload, a.commandTimeout)
	switch {
	case err != nil:
		// Undetermined or not connected: leave CREATING for reconciliation.
		log.Printf("Instance %d create not confirmed: %v", inst.ID, err)
	case res.Success:
		a.updateInstanceStatus(r, inst, store.StatusRunning, "")
	default:
		a.updateInstanceStatus(r, inst, store.StatusError, res.Message)
	}

	writeJSON(w, http.StatusCreated, inst)
}

// instanceActions maps a lifecycle verb to its wire action, the status to
// record on remote success, and an optional status set before sending.
var instanceActions = map[string]struct {
	action        string
	successStatus string
	transition    string
}{
	"start":        {protocol.ActionStartInstance, store.StatusRunning, ""},
	"stop":         {protocol.ActionStopInstance, store.StatusStopped, ""},
	"restart":      {protocol.ActionRestartInstance, store.StatusRunning, ""},
	"remove":       {protocol.ActionRemoveInstance, store.StatusDestroyed, store.StatusDestroying},
	"force-remove": {protocol.ActionForceRemoveInstance, store.StatusDestroyed, store.StatusDestroying},
}

// handleInstance serves /api/instances/{id} and its sub-resources.
func (a *API) handleInstance(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/instances/")
	parts := strings.Split(rest, "/")
	instID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "Invalid instance ID", http.StatusBadRequest)
		return
	}

	inst, err := a.store.GetInstance(r.Context(), instID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if inst == nil {
		http.Error(w, "Instance not found", http.StatusNotFound)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, inst)
		return
	}

	switch parts[1] {
	case "forwards":
		a.handleInstanceForwards(w, r, inst)
	default:
		a.handleInstanceAction(w, r, inst, parts[1])
	}
}

func (a *API) handleInstanceAction(w http.ResponseWriter, r *http.Request, inst *store.Instance, verb string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	spec, ok := instanceActions[verb]
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if !a.commandLimiter.Allow() || !a.nodeLimiters.Allow(inst.NodeID) {
		a.writeRateLimitError(w, "instance_action")
		return
	}

	if spec.transition != "" {
		a.updateInstanceStatus(r, inst, spec.transition, "")
	}

	payload := protocol.InstanceRefPayload{InstanceID: inst.ID}
	res, err := a.dispatcher.Send(r.Context(), inst.NodeID, spec.action, payload, a.commandTimeout)
	if err != nil {
		// Status stays where it is; the remote outcome is unknown.
		code, msg := commandStatusCode(err)
		writeJSON(w, code, map[string]any{"error": msg, "instance": inst})
		return
	}

	if res.Success {
		a.updateInstanceStatus(r, inst, spec.successStatus, "")
	} else {
		a.updateInstanceStatus(r, inst, store.StatusError, res.Message)
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res, "instance": inst})
}

func (a *API) updateInstanceStatus(r *http.Request, inst *store.Instance, status, reason string) {
	inst.Status = status
	inst.StatusReason = reason
	if err := a.store.UpdateInstanceStatus(r.Context(), inst.ID, status, reason); err != nil {
		log.Printf("Failed to update status for instance %d: %v", inst.ID, err)
	}
}

// -- Forward rules --

func (a *API) handleInstanceForwards(w http.ResponseWriter, r *http.Request, inst *store.Instance) {
	switch r.Method {
	case http.MethodGet:
		rules, err := a.store.ListForwardRulesByInstance(r.Context(), inst.ID)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rules)

	case http.MethodPost:
		var req struct {
			Protocol     string `json:"protocol"`
			ExternalPort int    `json:"external_port"`
			InternalPort int    `json:"internal_port"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.Protocol != "tcp" && req.Protocol != "udp" {
			http.Error(w, "protocol must be tcp or udp", http.StatusBadRequest)
			return
		}
		if req.ExternalPort <= 0 || req.InternalPort <= 0 {
			http.Error(w, "external_port and internal_port are required", http.StatusBadRequest)
			return
		}

		// Persist first so a lost push is re-asserted on the next reconnect.
		rule := &store.ForwardRule{
			ID:           uuid.NewString(),
			NodeID:       inst.NodeID,
			InstanceID:   inst.ID,
			Protocol:     req.Protocol,
			ExternalPort: req.ExternalPort,
			InternalPort: req.InternalPort,
		}
		if err := a.store.CreateForwardRule(r.Context(), rule); err != nil {
			log.Printf("Failed to persist forward rule: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		payload := protocol.ForwardPayload{
			RuleID:       rule.ID,
			InstanceID:   rule.InstanceID,
			Protocol:     rule.Protocol,
			ExternalPort: rule.ExternalPort,
			InternalPort: rule.InternalPort,
		}
		pushed := false
		if res, err := a.dispatcher.Send(r.Context(), inst.NodeID, protocol.ActionAddForward, payload, a.commandTimeout); err == nil && res.Success {
			pushed = true
		} else if err != nil {
			log.Printf("Forward %s not confirmed on node %d: %v", rule.ID, inst.NodeID, err)
		}

		writeJSON(w, http.StatusCreated, map[string]any{"rule": rule, "pushed": pushed})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleForward serves DELETE /api/forwards/{id}.
func (a *API) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/forwards/")

	rule, err := a.store.GetForwardRule(r.Context(), id)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if rule == nil {
		http.Error(w, "Forward rule not found", http.StatusNotFound)
		return
	}

	// Best effort on the node; the record goes away regardless so a stale
	// mapping is never re-asserted by reconciliation.
	payload := protocol.ForwardPayload{RuleID: rule.ID, InstanceID: rule.InstanceID, Protocol: rule.Protocol, ExternalPort: rule.ExternalPort, InternalPort: rule.InternalPort}
	if _, err := a.dispatcher.Send(r.Context(), rule.NodeID, protocol.ActionRemoveForward, payload, a.commandTimeout); err != nil {
		log.Printf("Unforward %s not confirmed on node %d: %v", rule.ID, rule.NodeID, err)
	}

	if err := a.store.DeleteForwardRule(r.Context(), id); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// -- Telemetry reads --

// handleAgent serves /api/agents/{agentId}/{host|snapshot|history|workloads/...}.
func (a *API) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	agentID := parts[0]

	switch parts[1] {
	case "host":
		snap, err := a.cache.Host(r.Context(), agentID)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if snap == nil {
			http.Error(w, "No fresh host snapshot", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)

	case "workloads":
		if len(parts) != 3 {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		workloadID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			http.Error(w, "Invalid workload ID", http.StatusBadRequest)
			return
		}
		snap, err := a.cache.Workload(r.Context(), agentID, workloadID)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if snap == nil {
			http.Error(w, "No fresh workload snapshot", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)

	case "snapshot":
		host, err := a.cache.Host(r.Context(), agentID)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		workloads, err := a.cache.Workloads(r.Context(), agentID)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"agent_id":  agentID,
			"host":      host,
			"workloads": workloads,
		})

	case "history":
		since := time.Now().Add(-24 * time.Hour)
		if s := r.URL.Query().Get("since"); s != "" {
			parsed, err := time.Parse(time.RFC3339, s)
			if err != nil {
				http.Error(w, "Invalid since timestamp (want RFC3339)", http.StatusBadRequest)
				return
			}
			since = parsed
		}
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 && parsed <= 1000 {
				limit = parsed
			}
		}
		records, err := a.store.ListTelemetryRecords(r.Context(), agentID, since, limit)
		if err != nil {
			log.Printf("Failed to read telemetry history for %s: %v", agentID, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}
