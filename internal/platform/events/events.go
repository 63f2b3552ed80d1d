// Package events carries change notifications from the coordination engine to
// subscribers: the local websocket hub and, when configured, other instances
// through Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Topics.
const (
	TopicLocations = "locations"
	TopicTransfers = "transfers"
)

// LocationTopic is the per-location topic, e.g. "location:<id>".
func LocationTopic(id string) string { return "location:" + id }

// Event types.
const (
	LocationCreated     = "location.created"
	LocationUpdated     = "location.updated"
	LocationDeactivated = "location.deactivated"
	LocationDeleted     = "location.deleted"
	CapacityChanged     = "location.capacity_changed"

	TransferCreated   = "transfer.created"
	TransferApproved  = "transfer.approved"
	TransferInTransit = "transfer.in_transit"
	TransferCompleted = "transfer.completed"
	TransferCancelled = "transfer.cancelled"
)

// Event is a change notification.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// New builds an event with data marshalled as JSON. Marshal failures leave
// Data empty; events are informational and never block a write.
func New(eventType, topic, resourceType, resourceID string, data any) Event {
	raw, _ := json.Marshal(data)
	return Event{
		Type:         eventType,
		Topic:        topic,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
		Data:         raw,
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Emit publishes each event and logs failures instead of returning them, so a
// broken notification path never fails a committed write.
func Emit(ctx context.Context, p Publisher, logger zerolog.Logger, evts ...Event) {
	if p == nil {
		return
	}
	for _, e := range evts {
		if err := p.Publish(ctx, e); err != nil {
			logger.Warn().Err(err).Str("event", e.Type).Str("topic", e.Topic).Msg("failed to publish event")
		}
	}
}

// Recorder keeps published events in memory; used by tests and diagnostics.
type Recorder struct {
	ch chan Event
}

// NewRecorder creates a Recorder holding up to size events.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

// Drain returns the events recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
