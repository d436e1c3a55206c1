// Package push models out-of-band server notifications.
//
// The remote system announces domain changes as Events. An Event that echoes
// the correlation id of an in-flight instruction is a confirmation of that
// instruction; any other Event is a server-originated change that feature
// modules apply through pipeline listeners.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event is the domain event envelope delivered by the push channel.
type Event struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	Version       int    `json:"version"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`

	// AggregateVersion is optional and used by consumers for idempotency.
	AggregateVersion *int64 `json:"aggregate_version,omitempty"`

	// CorrelationID is the id of the instruction that caused the event, or
	// empty for server-originated changes.
	CorrelationID string `json:"correlation_id,omitempty"`

	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// ErrMalformedEvent is returned by Decode for envelopes missing required
// fields.
var ErrMalformedEvent = errors.New("malformed push event")

// Decode parses one JSON-encoded event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode push event: %w", err)
	}
	if ev.EventType == "" {
		return Event{}, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	}
	return ev, nil
}

// Correlated reports whether the event echoes an instruction's correlation id.
func (e Event) Correlated() bool {
	return e.CorrelationID != ""
}

// Handler consumes events.
type Handler func(Event)

// Subscriber is a source of push events.
type Subscriber interface {
	// Subscribe registers h and returns a function that unregisters it.
	Subscribe(h Handler) (cancel func())
}
