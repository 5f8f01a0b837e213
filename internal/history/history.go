// Package history exports connection lifecycle events to analytics and
// audit systems.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventConnect    EventType = "connect"    // client spawned
	EventConnected  EventType = "connected"  // success marker observed
	EventDisconnect EventType = "disconnect" // stopped on request
	EventFailed     EventType = "failed"     // failure marker or unexpected exit
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type           EventType `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	ConfigID       string    `json:"config_id"`
	OrganizationID int64     `json:"organization_id"`
	Backend        string    `json:"backend"`
	PID            int       `json:"pid"`
	Reason         string    `json:"reason,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout delivers an event to every sink. Delivery is best effort: failures
// are logged and joined, never retried.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(l *slog.Logger, sinks ...Sink) *Fanout {
	if l == nil {
		l = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: l}
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

func (f *Fanout) Send(ctx context.Context, e Event) error {
	if f == nil {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Send(ctx, e); err != nil {
			f.logger.Warn("history sink failed", "type", e.Type, "id", e.ConfigID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
