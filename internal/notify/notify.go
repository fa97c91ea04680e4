// Package notify publishes task outcome events to a message broker.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	EventTaskDone  = "comment_task.done"
	EventTaskError = "comment_task.error"

	DefaultExchange = "replyqueue.events"
	DefaultProducer = "replyqueue-worker"
)

type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string   `json:"correlation_id,omitempty"`
	ID            string    `json:"id"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	// Event name, e.g. comment_task.done
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// TaskOutcome is the data payload of comment_task.* events.
type TaskOutcome struct {
	TaskID         int64  `json:"task_id"`
	CommentID      string `json:"comment_id"`
	Status         string `json:"status"`
	ReplyMode      string `json:"reply_mode,omitempty"`
	ReplyCommentID string `json:"reply_comment_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

// NewEnvelope stamps a fresh message id and time. An empty correlationID
// leaves the field unset so the publisher assigns one.
func NewEnvelope(eventType, producer, correlationID string, data any) Envelope {
	meta := Meta{
		ID:   uuid.NewString(),
		Time: time.Now().UTC(),
		Type: eventType,
	}
	if producer != "" {
		meta.Producer = &producer
	}
	if correlationID != "" {
		meta.CorrelationID = &correlationID
	}
	return Envelope{Meta: meta, Data: data}
}

type nopPublisher struct{}

// Nop discards every message.
func Nop() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, string, Envelope) error { return nil }

func (nopPublisher) Close() error { return nil }
