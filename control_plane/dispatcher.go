package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/virtfleet/virtfleet/control_plane/observability"
	"github.com/virtfleet/virtfleet/control_plane/protocol"
)

// CommandSender is the narrow interface command issuers depend on.
type CommandSender interface {
	Send(ctx context.Context, nodeID int64, action string, payload any, timeout time.Duration) (*protocol.CommandResult, error)
}

// commandOutcome is the single resolution of one pending command.
type commandOutcome struct {
	result *protocol.CommandResult
	err    error
}

// pendingCommand tracks one in-flight command until exactly one of response,
// timeout, or connection loss resolves it.
type pendingCommand struct {
	nodeID  int64
	action  string
	channel *AgentChannel
	result  chan commandOutcome // buffered 1; resolver never blocks
	timer   *time.Timer
	sentAt  time.Time
}

// Dispatcher correlates commands with responses over agent channels. Each
// command gets a fresh correlation id; the pending table guarantees the
// caller observes exactly one outcome. Nothing is ever retried here: retry
// policy belongs to callers.
type Dispatcher struct {
	hub            *AgentHub
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(hub *AgentHub, defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		hub:            hub,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingCommand),
	}
}

// Send delivers one command to the node's live channel and waits for its
// outcome. It fails fast with protocol.ErrNotConnected when the node has no
// channel. A cancelled ctx abandons only the wait: the command may still
// execute remotely, and the pending entry is reaped by its timer, a late
// response, or channel close.
func (d *Dispatcher) Send(ctx context.Context, nodeID int64, action string, payload any, timeout time.Duration) (*protocol.CommandResult, error) {
	ch := d.hub.Resolve(nodeID)
	if ch == nil {
		observability.CommandOutcomes.WithLabelValues("not_connected").Inc()
		return nil, protocol.ErrNotConnected
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", action, err)
	}

	id := uuid.NewString()
	frame := protocol.CommandFrame{
		Type:    protocol.FrameCmd,
		ID:      id,
		Action:  action,
		Payload: raw,
	}

	entry := &pendingCommand{
		nodeID:  nodeID,
		action:  action,
		channel: ch,
		result:  make(chan commandOutcome, 1),
		sentAt:  time.Now(),
	}

	d.mu.Lock()
	d.pending[id] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		d.resolve(id, commandOutcome{err: protocol.ErrTimeout}, "timeout")
	})
	d.mu.Unlock()
	observability.PendingCommands.Inc()
	observability.CommandsSent.WithLabelValues(action).Inc()

	if err := ch.Send(&frame); err != nil {
		// The channel is dead or stalled; resolve immediately so the entry
		// does not linger until the timer fires.
		d.resolve(id, commandOutcome{err: fmt.Errorf("%w: %v", protocol.ErrConnectionLost, err)}, "connection_lost")
	}

	select {
	case out := <-entry.result:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResponse routes an inbound response frame to its waiting command.
// Unknown or already-resolved correlation ids are logged and dropped.
func (d *Dispatcher) HandleResponse(frame *protocol.ResponseFrame) {
	out := commandOutcome{
		result: &protocol.CommandResult{
			Success: frame.Success,
			Message: frame.Message,
			Data:    frame.Data,
		},
	}
	label := "delivered"
	if !frame.Success {
		label = "remote_failure"
	}
	if !d.resolve(frame.RefID, out, label) {
		log.Printf("Dispatcher: dropping response with unknown refId %s", frame.RefID)
	}
}

// FailChannel fails every pending command that was written to ch. Called on
// channel close so waiters learn about the loss within one scheduling tick,
// after the hub entry is gone. Commands already re-issued over a replacement
// channel are untouched.
func (d *Dispatcher) FailChannel(ch *AgentChannel, reason error) {
	d.mu.Lock()
	var failed []*pendingCommand
	for id, entry := range d.pending {
		if entry.channel == ch {
			delete(d.pending, id)
			failed = append(failed, entry)
		}
	}
	d.mu.Unlock()

	for _, entry := range failed {
		entry.timer.Stop()
		entry.result <- commandOutcome{err: reason}
		observability.PendingCommands.Dec()
		observability.CommandOutcomes.WithLabelValues("connection_lost").Inc()
	}
	if len(failed) > 0 {
		log.Printf("Dispatcher: failed %d pending command(s) for node %d: %v", len(failed), failed[0].nodeID, reason)
	}
}

// resolve removes the entry and delivers the outcome. The delete under lock
// is the exactly-once gate: late resolvers find nothing and return false.
func (d *Dispatcher) resolve(id string, out commandOutcome, label string) bool {
	d.mu.Lock()
	entry, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, id)
	d.mu.Unlock()

	entry.timer.Stop()
	entry.result <- out
	observability.PendingCommands.Dec()
	observability.CommandOutcomes.WithLabelValues(label).Inc()
	if out.result != nil {
		observability.CommandRoundtrip.Observe(time.Since(entry.sentAt).Seconds())
	}
	return true
}

// PendingCount returns the number of in-flight commands.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
