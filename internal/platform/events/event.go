// Package events is the notifier contract between the workflow layer and the
// surrounding application. Components publish to a Publisher injected at
// construction; the in-process Bus and the websocket Hub both implement it.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Topics.
const (
	TopicSession        = "session"
	TopicEncounter      = "encounter"
	TopicDiagnosticTest = "diagnostic-test"
	TopicIntegrity      = "integrity"
)

// Event types.
const (
	SessionExpired       = "session.expired"
	TransitionCommitted  = "transition.committed"
	TransitionRolledBack = "transition.rolled_back"
	TamperingDetected    = "integrity.tampering_detected"
	IntegrityVerified    = "integrity.verified"
	AnchorFailed         = "integrity.anchor_failed"
)

// Event represents one notification.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType,omitempty"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// New builds an event stamped with the current time. data is JSON-encoded;
// a value that cannot be encoded is dropped.
func New(topic, typ, resourceType, resourceID string, data interface{}) Event {
	ev := Event{
		Type:         typ,
		Topic:        topic,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Publisher delivers events to whoever is listening.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher in order and returns the first error.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
