package events

import (
	"context"
	"time"
)

// Topics published by the control plane.
const (
	TopicNodeConnected    = "node.connected"
	TopicNodeDisconnected = "node.disconnected"
	TopicNodeSuperseded   = "node.superseded"
	TopicInstanceStatus   = "instance.status"
	TopicForwardPushed    = "forward.pushed"
)

type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
