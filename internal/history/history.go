// Package history persists supervisor and bridge lifecycle events to
// external systems for operator-facing audit and statistics.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/mcpbridge/internal/event"
)

// Record is one persisted lifecycle event.
type Record struct {
	Worker     string    `json:"worker"`
	PID        int       `json:"pid"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for lifecycle records. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
	Close() error
}

// BusHandler adapts sinks to the event bus. Send failures are logged, never
// propagated: persistence must not disturb supervision.
func BusHandler(sinks ...Sink) event.Handler {
	return func(e event.Event) {
		rec := Record{
			Worker:     e.Worker,
			PID:        e.PID,
			Event:      string(e.Type),
			Detail:     e.Err,
			OccurredAt: e.At,
		}
		for _, s := range sinks {
			if err := s.Send(context.Background(), rec); err != nil {
				slog.Warn("history sink write failed", "event", rec.Event, "worker", rec.Worker, "error", err)
			}
		}
	}
}
