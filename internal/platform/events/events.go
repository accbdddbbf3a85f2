// Package events carries queue-change notifications from the triage service
// to live subscribers (websocket clients) and to the outbound message bus.
package events

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	CaseSubmitted  = "case.submitted"
	CaseUpdated    = "case.updated"
	QueueReordered = "queue.reordered"
)

// Topics. Nurses follow the queue, doctors follow completions, and each
// patient follows their own cases.
const (
	TopicQueue     = "triage.queue"
	TopicCompleted = "triage.completed"
)

// PatientTopic returns the topic for one patient's case updates.
func PatientTopic(patientID string) string {
	return "patient." + patientID
}

type Event struct {
	Type      string    `json:"type"`
	Topics    []string  `json:"-"`
	CaseID    string    `json:"case_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Level     int       `json:"level,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
