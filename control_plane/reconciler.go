package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/events"
	"github.com/virtfleet/virtfleet/control_plane/observability"
	"github.com/virtfleet/virtfleet/control_plane/protocol"
	"github.com/virtfleet/virtfleet/control_plane/store"
)

// Reconciler converges a node's persisted intent with its agent after a
// (re)connect. One bounded pass per connect event: instances stuck in
// CREATING or ERROR get their create re-issued, then persisted forward rules
// are re-pushed. No retry loops within a session; whatever is left
// unconverged waits for the next connect.
type Reconciler struct {
	store     store.Store
	sender    CommandSender
	publisher events.Publisher

	// activeReconciles tracks which nodes are currently being reconciled.
	activeReconciles map[int64]bool
	mu               sync.Mutex

	// commandTimeout bounds each command issued during the pass
	commandTimeout time.Duration
	// maxPassRuntime is the hard timeout for one full reconciliation pass
	maxPassRuntime time.Duration
}

// NewReconciler creates a new Reconciler.
func NewReconciler(store store.Store, sender CommandSender, publisher events.Publisher) *Reconciler {
	return &Reconciler{
		store:            store,
		sender:           sender,
		publisher:        publisher,
		activeReconciles: make(map[int64]bool),
		commandTimeout:   60 * time.Second,
		maxPassRuntime:   5 * time.Minute,
	}
}

// SetCommandTimeout configures the per-command timeout used during passes.
func (r *Reconciler) SetCommandTimeout(d time.Duration) {
	r.commandTimeout = d
}

// IsNodeBusy reports whether a node is currently being reconciled.
func (r *Reconciler) IsNodeBusy(nodeID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeReconciles[nodeID]
}

// ReconcileAsync runs one pass in the background. The channel handler calls
// this on register; frame handling never waits on reconciliation.
func (r *Reconciler) ReconcileAsync(node *store.Node) {
	go func() {
		if err := r.Reconcile(context.Background(), node); err != nil {
			log.Printf("Reconcile[node %d]: pass ended early: %v", node.ID, err)
		}
	}()
}

// Reconcile runs one full pass for a node. Safe to call concurrently; only
// one pass per node runs at a time and duplicates are dropped, so a connect
// storm cannot stack passes.
func (r *Reconciler) Reconcile(ctx context.Context, node *store.Node) error {
	if !r.acquireLock(node.ID) {
		log.Printf("Reconcile skipped: node %d is busy", node.ID)
		return nil
	}
	defer r.releaseLock(node.ID)

	// Hard timeout kill switch for the whole pass
	passCtx, cancel := context.WithTimeout(ctx, r.maxPassRuntime)
	defer cancel()

	observability.ReconcileRuns.Inc()
	log.Printf("Starting reconciliation for node %d (%s)", node.ID, node.AgentID)

	instances, err := r.store.ListInstancesByNodeAndStatus(passCtx, node.ID, store.StatusCreating, store.StatusError)
	if err != nil {
		return fmt.Errorf("failed to list unconverged instances: %w", err)
	}

	converged := 0
	for i, inst := range instances {
		if passCtx.Err() != nil {
			return fmt.Errorf("reconciliation cancelled: %w", passCtx.Err())
		}
		err := r.reconcileInstance(passCtx, node, inst)
		if errors.Is(err, protocol.ErrConnectionLost) || errors.Is(err, protocol.ErrNotConnected) {
			// Session is gone; the remaining items wait for the next connect.
			log.Printf("Reconcile[node %d]: channel lost, leaving %d instance(s) for next session", node.ID, len(instances)-i)
			return err
		}
		if err == nil {
			converged++
		}
	}

	rules, err := r.store.ListForwardRulesByNode(passCtx, node.ID)
	if err != nil {
		return fmt.Errorf("failed to list forward rules: %w", err)
	}
	pushed := 0
	for i, rule := range rules {
		if passCtx.Err() != nil {
			return fmt.Errorf("reconciliation cancelled: %w", passCtx.Err())
		}
		err := r.pushForward(passCtx, node, rule)
		if errors.Is(err, protocol.ErrConnectionLost) || errors.Is(err, protocol.ErrNotConnected) {
			log.Printf("Reconcile[node %d]: channel lost, leaving %d rule(s) for next session", node.ID, len(rules)-i)
			return err
		}
		if err == nil {
			pushed++
		}
	}

	log.Printf("✅ Reconcile[node %d]: pass complete (%d/%d instances converged, %d/%d rules pushed)",
		node.ID, converged, len(instances), pushed, len(rules))
	return nil
}

// reconcileInstance re-issues the create for one stuck instance. The remote
// answer is authoritative: success moves the instance to RUNNING, a remote
// failure records ERROR with the agent's reason. Transport failures leave
// the status untouched for the next session.
func (r *Reconciler) reconcileInstance(ctx context.Context, node *store.Node, inst *store.Instance) error {
	payload := protocol.CreateInstancePayload{
		InstanceID: inst.ID,
		Name:       inst.Name,
		Image:      inst.Image,
		CPUCores:   inst.CPUCores,
		MemoryMB:   inst.MemoryMB,
		DiskGB:     inst.DiskGB,
	}

	res, err := r.sender.Send(ctx, node.ID, protocol.ActionCreateInstance, payload, r.commandTimeout)
	if err != nil {
		observability.ReconcileCommands.WithLabelValues("transport_failure").Inc()
		log.Printf("Reconcile[node %d]: create for instance %d not confirmed: %v", node.ID, inst.ID, err)
		return err
	}

	if res.Success {
		observability.ReconcileCommands.WithLabelValues("converged").Inc()
		r.updateStatus(ctx, inst, store.StatusRunning, "")
	} else {
		observability.ReconcileCommands.WithLabelValues("remote_failure").Inc()
		r.updateStatus(ctx, inst, store.StatusError, res.Message)
	}
	return nil
}

// pushForward re-installs one forward rule, best effort.
func (r *Reconciler) pushForward(ctx context.Context, node *store.Node, rule *store.ForwardRule) error {
	payload := protocol.ForwardPayload{
		RuleID:       rule.ID,
		InstanceID:   rule.InstanceID,
		Protocol:     rule.Protocol,
		ExternalPort: rule.ExternalPort,
		InternalPort: rule.InternalPort,
	}

	res, err := r.sender.Send(ctx, node.ID, protocol.ActionAddForward, payload, r.commandTimeout)
	if err != nil {
		observability.ReconcileCommands.WithLabelValues("forward_failed").Inc()
		log.Printf("Reconcile[node %d]: forward %s not confirmed: %v", node.ID, rule.ID, err)
		return err
	}
	if !res.Success {
		observability.ReconcileCommands.WithLabelValues("forward_failed").Inc()
		log.Printf("Reconcile[node %d]: agent rejected forward %s: %s", node.ID, rule.ID, res.Message)
		return nil
	}
	observability.ReconcileCommands.WithLabelValues("forward_pushed").Inc()
	return nil
}

// updateStatus persists an instance transition and emits the event.
func (r *Reconciler) updateStatus(ctx context.Context, inst *store.Instance, status, reason string) {
	inst.Status = status
	inst.StatusReason = reason

	if err := r.store.UpdateInstanceStatus(ctx, inst.ID, status, reason); err != nil {
		log.Printf("Failed to update status for instance %d: %v", inst.ID, err)
		return
	}
	log.Printf("Instance %d transitioned to %s", inst.ID, status)

	if r.publisher != nil {
		go r.publishEventAsync(inst, status, reason)
	}
}

// publishEventAsync publishes instance transitions asynchronously.
// Best-effort and non-blocking: events are for observability, not control
// flow, so a broker outage never stalls reconciliation.
func (r *Reconciler) publishEventAsync(inst *store.Instance, status string, reason string) {
	publishCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	eventPayload := map[string]interface{}{
		"instance_id": inst.ID,
		"node_id":     inst.NodeID,
		"new_status":  status,
		"reason":      reason,
		"timestamp":   time.Now().Format(time.RFC3339),
	}

	if err := r.publisher.Publish(publishCtx, events.TopicInstanceStatus, eventPayload); err != nil {
		log.Printf("⚠️ Event publish failed (non-critical): %v", err)
		observability.EventPublishFailures.WithLabelValues(events.TopicInstanceStatus).Inc()
	}
}

// acquireLock enforces per-node exclusivity.
func (r *Reconciler) acquireLock(nodeID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeReconciles[nodeID] {
		return false
	}
	r.activeReconciles[nodeID] = true
	return true
}

// releaseLock releases the per-node lock.
func (r *Reconciler) releaseLock(nodeID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeReconciles, nodeID)
}
