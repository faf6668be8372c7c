package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/virtfleet/virtfleet/control_plane/observability"
	"github.com/virtfleet/virtfleet/control_plane/store"
)

// Janitor prunes cold-store telemetry past the retention age on a fixed
// cadence. Granularity is whole reports; partial row trimming is not needed
// since rows are never updated after insert.
type Janitor struct {
	store    store.Store
	maxAge   time.Duration
	interval time.Duration
}

func NewJanitor(store store.Store, maxAge, interval time.Duration) *Janitor {
	return &Janitor{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
	}
}

func (j *Janitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.maxAge)
	deleted, err := j.store.PurgeTelemetryBefore(ctx, cutoff)
	if err != nil {
		log.Printf("Retention: purge failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("Retention: purged %d telemetry records older than %s", deleted, j.maxAge)
		observability.RetentionDeleted.Add(float64(deleted))
	}
}
