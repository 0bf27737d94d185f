// Package event carries supervisor and bridge lifecycle events to external
// observers (status broadcasters, history sinks, metrics dashboards).
package event

import (
	"encoding/json"
	"sync"
	"time"
)

type Type string

const (
	TypeStart              Type = "start"
	TypeExit               Type = "exit"
	TypeError              Type = "error"
	TypeValidationError    Type = "validationError"
	TypeScheduledRestart   Type = "scheduledRestart"
	TypeNonRetryableError  Type = "nonRetryableError"
	TypeMaxRestartsReached Type = "maxRestartsReached"
	TypeBufferOverflow     Type = "bufferOverflow"
	TypeTimeout            Type = "timeout"
	TypeNotification       Type = "notification"
)

// Event is one observable occurrence. Fields beyond Type/Worker/At are
// populated per type: ExitCode/Signal for exit, Delay/Attempt for
// scheduledRestart, Err for the error classes, Payload for notification.
type Event struct {
	Type     Type            `json:"type"`
	Worker   string          `json:"worker"`
	At       time.Time       `json:"at"`
	PID      int             `json:"pid,omitempty"`
	ExitCode int             `json:"exit_code,omitempty"`
	Signal   string          `json:"signal,omitempty"`
	Err      string          `json:"error,omitempty"`
	Delay    time.Duration   `json:"delay,omitempty"`
	Attempt  int             `json:"attempt,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Handler observes published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribed handlers. Subscription is append-only;
// the daemon wires all observers at startup.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	hs := b.handlers
	b.mu.RUnlock()
	for _, h := range hs {
		h(e)
	}
}
