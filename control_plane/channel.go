package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/virtfleet/virtfleet/control_plane/auth"
	"github.com/virtfleet/virtfleet/control_plane/events"
	"github.com/virtfleet/virtfleet/control_plane/observability"
	"github.com/virtfleet/virtfleet/control_plane/protocol"
	"github.com/virtfleet/virtfleet/control_plane/store"
	"github.com/virtfleet/virtfleet/control_plane/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxFrameSize   = 1 << 20
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Agents are not browsers; origin checks do not apply
		return true
	},
}

// ChannelServer owns the agent WebSocket endpoint: it authenticates the
// node, registers the channel, and runs the frame pumps.
type ChannelServer struct {
	hub        *AgentHub
	dispatcher *Dispatcher
	tokens     *auth.TokenIndex
	ingest     *telemetry.Ingestor
	reconciler *Reconciler
	store      store.Store
	events     events.Publisher
}

// NewChannelServer creates a new ChannelServer.
func NewChannelServer(hub *AgentHub, dispatcher *Dispatcher, tokens *auth.TokenIndex, ingest *telemetry.Ingestor, reconciler *Reconciler, store store.Store, events events.Publisher) *ChannelServer {
	return &ChannelServer{
		hub:        hub,
		dispatcher: dispatcher,
		tokens:     tokens,
		ingest:     ingest,
		reconciler: reconciler,
		store:      store,
		events:     events,
	}
}

// AgentChannel is one live connection to a node's agent. The send queue
// serializes all socket writes through the write pump.
type AgentChannel struct {
	node *store.Node
	conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newAgentChannel(node *store.Node, conn *websocket.Conn) *AgentChannel {
	return &AgentChannel{
		node: node,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Send queues one command frame for the write pump. It fails when the
// channel is closed or the queue is saturated by a stalled agent.
func (c *AgentChannel) Send(frame *protocol.CommandFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return protocol.ErrConnectionLost
	case c.send <- data:
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

// shutdown closes the socket once. The read pump unblocks and the owning
// handler runs cleanup.
func (c *AgentChannel) shutdown(reason string) {
	c.closeOnce.Do(func() {
		log.Printf("Channel[node %d]: closing (%s)", c.node.ID, reason)
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// HandleAgentChannel is the GET /agent/channel endpoint.
func (s *ChannelServer) HandleAgentChannel(w http.ResponseWriter, r *http.Request) {
	// Authenticate before upgrading: a bad token never gets a socket, let
	// alone a frame.
	node, err := s.tokens.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		log.Printf("Channel: rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Channel: upgrade failed for node %d: %v", node.ID, err)
		return
	}

	ch := newAgentChannel(node, conn)
	if prev := s.hub.Register(node.ID, ch); prev != nil {
		s.publish(events.TopicNodeSuperseded, node)
	}
	log.Printf("✅ Channel[node %d]: open (agent %s, %s)", node.ID, node.AgentID, r.RemoteAddr)

	s.markNode(node, store.NodeOnline)
	s.publish(events.TopicNodeConnected, node)

	// Converge persisted intent with the (re)connected agent in the
	// background; the channel serves frames immediately.
	go s.reconciler.ReconcileAsync(node)

	go ch.writePump()
	ch.readPump(r.Context(), s)

	// Read pump returned: the connection is gone or superseded.
	ch.shutdown("read pump exited")
	if s.hub.Unregister(node.ID, ch) {
		s.markNode(node, store.NodeOffline)
		s.publish(events.TopicNodeDisconnected, node)
	}
	s.dispatcher.FailChannel(ch, protocol.ErrConnectionLost)
}

func (c *AgentChannel) readPump(ctx context.Context, s *ChannelServer) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Channel[node %d]: read error: %v", c.node.ID, err)
			}
			return
		}
		s.handleFrame(ctx, c, raw)
	}
}

func (c *AgentChannel) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("Channel[node %d]: write error: %v", c.node.ID, err)
				c.shutdown("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown("ping failed")
				return
			}
		}
	}
}

// handleFrame demultiplexes one inbound frame by its "type" field. A frame
// that fails to parse is logged and dropped; the channel stays open.
func (s *ChannelServer) handleFrame(ctx context.Context, c *AgentChannel, raw []byte) {
	frameType, err := protocol.PeekType(raw)
	if err != nil {
		observability.FramesReceived.WithLabelValues("malformed").Inc()
		log.Printf("Channel[node %d]: dropping malformed frame", c.node.ID)
		return
	}

	switch frameType {
	case protocol.FrameResponse:
		var frame protocol.ResponseFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.RefID == "" {
			observability.FramesReceived.WithLabelValues("malformed").Inc()
			log.Printf("Channel[node %d]: dropping malformed response frame", c.node.ID)
			return
		}
		observability.FramesReceived.WithLabelValues("response").Inc()
		s.dispatcher.HandleResponse(&frame)

	case protocol.FrameReport:
		var frame protocol.ReportFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			observability.FramesReceived.WithLabelValues("malformed").Inc()
			log.Printf("Channel[node %d]: dropping malformed report frame", c.node.ID)
			return
		}
		if frame.Data.AgentID == "" {
			frame.Data.AgentID = c.node.AgentID
		}
		observability.FramesReceived.WithLabelValues("report").Inc()
		s.ingest.HandleReport(ctx, c.node.ID, &frame.Data)

	default:
		observability.FramesReceived.WithLabelValues("unknown").Inc()
		log.Printf("Channel[node %d]: dropping frame with unknown type %q", c.node.ID, frameType)
	}
}

// markNode records the durable connectivity observation. Best effort: the
// channel does not depend on the store being reachable.
func (s *ChannelServer) markNode(node *store.Node, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateNodeStatus(ctx, node.ID, status, time.Now()); err != nil {
		log.Printf("⚠️ Channel[node %d]: failed to mark %s: %v", node.ID, status, err)
	}
}

func (s *ChannelServer) publish(topic string, node *store.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, topic, map[string]any{
		"node_id":  node.ID,
		"agent_id": node.AgentID,
	}); err != nil {
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
	}
}

// bearerToken extracts the agent credential from the Authorization header,
// falling back to the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && h[:len(prefix)] == prefix {
			return h[len(prefix):]
		}
	}
	return r.URL.Query().Get("token")
}
