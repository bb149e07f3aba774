// Package events publishes allocation outcomes to downstream collaborators
// (email, payment, UI). Publishing happens after commit and is best-effort.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

// Topics, relative to the configured subject prefix.
const (
	TopicRegistrationConfirmed  = "registration.confirmed"
	TopicRegistrationWaitlisted = "registration.waitlisted"
	TopicRegistrationPromoted   = "registration.promoted"
	TopicRegistrationCancelled  = "registration.cancelled"
	TopicTableStatusChanged     = "table.status.changed"
)

// Publisher delivers a message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Close() error
}

// RegistrationEvent is the payload of every registration.* topic.
type RegistrationEvent struct {
	RegistrationID   string                   `json:"registration_id"`
	EventID          string                   `json:"event_id"`
	RequesterID      string                   `json:"requester_id"`
	UnitCount        int                      `json:"unit_count"`
	Status           model.RegistrationStatus `json:"status"`
	TableID          *string                  `json:"table_id,omitempty"`
	WaitlistPriority *int                     `json:"waitlist_priority,omitempty"`
	ConfirmationCode string                   `json:"confirmation_code"`
	Released         bool                     `json:"released,omitempty"`
	OccurredAt       time.Time                `json:"occurred_at"`
}

// NewRegistrationEvent builds the payload for r.
func NewRegistrationEvent(r *model.Registration, at time.Time) RegistrationEvent {
	return RegistrationEvent{
		RegistrationID:   r.ID,
		EventID:          r.EventID,
		RequesterID:      r.RequesterID,
		UnitCount:        r.UnitCount,
		Status:           r.Status,
		TableID:          r.TableID,
		WaitlistPriority: r.WaitlistPriority,
		ConfirmationCode: r.ConfirmationCode,
		OccurredAt:       at,
	}
}

// TableStatusEvent is the payload of table.status.changed.
type TableStatusEvent struct {
	TableID        string            `json:"table_id"`
	EventID        string            `json:"event_id"`
	Status         model.TableStatus `json:"status"`
	RegistrationID *string           `json:"registration_id,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Encode marshals v as JSON.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// NoopPublisher drops every message.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }

// Message is one message captured by a Recorder.
type Message struct {
	Topic string
	Data  []byte
}

// Recorder keeps published messages in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent publishes return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Publish(_ context.Context, topic string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, Message{Topic: topic, Data: append([]byte(nil), msg...)})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Topics returns the topics published so far, in order.
func (r *Recorder) Topics() []string {
	msgs := r.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Topic
	}
	return out
}
