package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventEnsure   EventType = "ensure"
	EventInit     EventType = "init"
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventRecovery EventType = "recovery"
	EventStrategy EventType = "strategy"
)

// OutcomeOK marks a successful event. Failures carry their fault kind.
const OutcomeOK = "ok"

// Event is one journal entry. It never carries credentials.
type Event struct {
	Type           EventType `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	InstallationID string    `json:"installation_id,omitempty"`
	Outcome        string    `json:"outcome"`
	Port           int       `json:"port,omitempty"`
	RunMode        string    `json:"run_mode,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// Sink is a destination for lifecycle events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader lists recent events, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Nop discards events.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }

// Record sends e and only logs a failure: the journal never changes the
// outcome of a lifecycle operation.
func Record(ctx context.Context, sink Sink, log *slog.Logger, e Event) {
	if sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	if err := sink.Send(ctx, e); err != nil && log != nil {
		log.Warn("history: send failed", "type", string(e.Type), "error", err)
	}
}
