package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/protocol"
)

// respondToChannel echoes every command written to ch back through the
// dispatcher as a successful response until stop is closed.
func respondToChannel(d *Dispatcher, ch *AgentChannel, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case data := <-ch.send:
			var frame protocol.CommandFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			d.HandleResponse(&protocol.ResponseFrame{
				Type:    protocol.FrameResponse,
				RefID:   frame.ID,
				Success: true,
				Data:    frame.Payload,
			})
		}
	}
}

func TestSendNotConnected(t *testing.T) {
	hub := NewAgentHub()
	d := NewDispatcher(hub, time.Second)

	_, err := d.Send(context.Background(), 42, protocol.ActionStartInstance, nil, time.Second)
	if !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSendCorrelationUniqueness(t *testing.T) {
	hub := NewAgentHub()
	d := NewDispatcher(hub, 5*time.Second)
	ch := testChannel(1)
	hub.Register(1, ch)

	stop := make(chan struct{})
	defer close(stop)
	go respondToChannel(d, ch, stop)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := map[string]int{"i": i}
			res, err := d.Send(context.Background(), 1, protocol.ActionStartInstance, payload, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			// The echoed payload proves the response matched this call's
			// own correlation id, not another's.
			var echoed map[string]int
			if err := json.Unmarshal(res.Data, &echoed); err != nil {
				errs <- err
				return
			}
			if echoed["i"] != i {
				errs <- fmt.Errorf("call %d got response for call %d", i, echoed["i"])
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if d.PendingCount() != 0 {
		t.Errorf("Expected 0 pending commands, got %d", d.PendingCount())
	}
}

func TestSendTimeout(t *testing.T) {
	hub := NewAgentHub()
	d := NewDispatcher(hub, time.Second)
	ch := testChannel(1)
	hub.Register(1, ch)

	start := time.Now()
	_, err := d.Send(context.Background(), 1, protocol.ActionStopInstance, nil, 50*time.Millisecond)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Timeout took too long: %v", elapsed)
	}
	if d.PendingCount() != 0 {
		t.Errorf("Expected 0 pending commands after timeout, got %d", d.PendingCount())
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	hub := NewAgentHub()
	d := NewDispatcher(hub, time.Second)
	ch := testChannel(1)
	hub.Register(1, ch)

	// Race a 1ms deadline against an immediate response, repeatedly. Each
	// call must observe exactly one outcome and leave no pending entry.
	for i := 0; i < 50; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			data := <-ch.send
			var frame protocol.CommandFrame
			json.Unmarshal(data, &frame)
			d.HandleResponse(&protocol.ResponseFrame{Type: protocol.FrameResponse, RefID: frame.ID, Success: true})
		}()

		res, err := d.Send(context.Background(), 1, protocol.ActionRestartInstance, nil, time.Millisecond)
		if err == nil && res == nil {
			t.Fatal("Resolved with neither result nor error")
		}
		if err != nil && !errors.Is(err, protocol.ErrTimeout) {
			t.Fatalf("Unexpected error: %v", err)
		}
		<-done
	}

	// A late response for an already-resolved id is dropped, never doubled.
	d.HandleResponse(&protocol.ResponseFrame{Type: protocol.FrameResponse, RefID: "no-such-id", Success: true})

	if d.PendingCount() != 0 {
		t.Errorf("Expected 0 pending commands, got %d", d.PendingCount())
	}
}

func TestDisconnectFailsAllPending(t *testing.T) {
	hub := NewAgentHub()
	d := NewDispatcher(hub, time.Minute)
	ch := testChannel(1)
	hub.Register(1, ch)

	const n = 3
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Send(context.Background(), 1, protocol.ActionStopInstance, nil, time.Minute)
			results <- err
		}()
	}

	// Wait for all three to become pending before dropping the channel.
	deadline := time.Now().Add(2 * time.Second)
	for d.PendingCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("Commands never became pending: %d/%d", d.PendingCount(), n)
		}
		time.Sleep(time.Millisecond)
	}

	hub.Unregister(1, ch)
	d.FailChannel(ch, protocol.ErrConnectionLost)

	wg.Wait()
	close(results)
	for err := range results {
		if !errors.Is(err, protocol.ErrConnectionLost) {
			t.Errorf("Expected ErrConnectionLost, got %v", err)
		}
	}
	if d.PendingCount() != 0 {
		t.Errorf("Expected 0 pending commands after disconnect, got %d", d.PendingCount())
	}
}

func TestEvictionFailsOnlyOldChannelsCommands(t *testing.T) {
	hub := NewAgentHub()
	d := NewDispatcher(hub, time.Minute)
	ch1 := testChannel(1)
	hub.Register(1, ch1)

	oldResult := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), 1, protocol.ActionStopInstance, nil, time.Minute)
		oldResult <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for d.PendingCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Command never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	// Replacement connection arrives; the evicted channel's cleanup fails
	// its commands without touching anything sent over the newcomer.
	ch2 := testChannel(1)
	prev := hub.Register(1, ch2)
	if prev != ch1 {
		t.Fatal("Expected ch1 to be superseded")
	}

	stop := make(chan struct{})
	defer close(stop)
	go respondToChannel(d, ch2, stop)

	newDone := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), 1, protocol.ActionStartInstance, nil, 5*time.Second)
		newDone <- err
	}()

	d.FailChannel(prev, protocol.ErrConnectionLost)

	if err := <-oldResult; !errors.Is(err, protocol.ErrConnectionLost) {
		t.Errorf("Expected the evicted channel's command to fail with ErrConnectionLost, got %v", err)
	}
	if err := <-newDone; err != nil {
		t.Errorf("Expected the replacement channel's command to succeed, got %v", err)
	}
}

func TestCancelledCallerAbandonsOnlyTheWait(t *testing.T) {
	hub := NewAgentHub()
	d := NewDispatcher(hub, time.Minute)
	ch := testChannel(1)
	hub.Register(1, ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Send(ctx, 1, protocol.ActionStopInstance, nil, time.Minute)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.PendingCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Command never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// The entry survives the abandoned wait and is reaped by the response.
	if d.PendingCount() != 1 {
		t.Fatalf("Expected the pending entry to outlive the cancelled caller, got %d", d.PendingCount())
	}
	data := <-ch.send
	var frame protocol.CommandFrame
	json.Unmarshal(data, &frame)
	d.HandleResponse(&protocol.ResponseFrame{Type: protocol.FrameResponse, RefID: frame.ID, Success: true})

	if d.PendingCount() != 0 {
		t.Errorf("Expected the late response to reap the entry, got %d pending", d.PendingCount())
	}
}
