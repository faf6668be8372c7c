package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// LogPublisher writes events to the process log. It stands in for a real
// broker in dev and single-node deployments.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: log.Default(),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "control-plane",
	}

	eventBytes, _ := json.Marshal(event)
	p.logger.Printf("[EVENTS] PUBLISH %s: %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
