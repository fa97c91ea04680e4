package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

func TestNewEnvelopeStampsMeta(t *testing.T) {
	env := NewEnvelope(EventTaskDone, DefaultProducer, "", TaskOutcome{TaskID: 1, CommentID: "123", Status: "done"})
	if env.Meta.ID == "" || env.Meta.Time.IsZero() {
		t.Fatalf("expected id and time to be set, got %+v", env.Meta)
	}
	if env.Meta.Producer == nil || *env.Meta.Producer != DefaultProducer {
		t.Fatalf("expected producer %q, got %v", DefaultProducer, env.Meta.Producer)
	}
	if env.Meta.CorrelationID != nil {
		t.Fatalf("expected correlation id to be unset")
	}
}

func TestBuildPublishing(t *testing.T) {
	cid := "corr-1"
	env := Envelope{
		Meta: Meta{ID: "msg-1", CorrelationID: &cid, Type: EventTaskError},
		Data: TaskOutcome{TaskID: 9, CommentID: "555", Status: "error", Error: "boom"},
	}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	publishing, err := buildPublishing(env, now)
	if err != nil {
		t.Fatalf("build publishing: %v", err)
	}
	if publishing.MessageId != "msg-1" || publishing.CorrelationId != "corr-1" || publishing.Type != EventTaskError {
		t.Fatalf("unexpected publishing headers: %+v", publishing)
	}
	if publishing.DeliveryMode != amqp091.Persistent || publishing.ContentType != "application/json" || !publishing.Timestamp.Equal(now) {
		t.Fatalf("unexpected publishing properties: %+v", publishing)
	}
	var decoded struct {
		Meta Meta        `json:"meta"`
		Data TaskOutcome `json:"data"`
	}
	if err := json.Unmarshal(publishing.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.Data.TaskID != 9 || decoded.Data.Error != "boom" || decoded.Meta.Type != EventTaskError {
		t.Fatalf("unexpected body: %+v", decoded)
	}
}

func TestBuildPublishingAssignsMissingIDs(t *testing.T) {
	publishing, err := buildPublishing(Envelope{Meta: Meta{Type: EventTaskDone}}, time.Now())
	if err != nil {
		t.Fatalf("build publishing: %v", err)
	}
	if publishing.MessageId == "" || publishing.CorrelationId == "" {
		t.Fatalf("expected generated ids, got %+v", publishing)
	}
}

func TestNopPublisher(t *testing.T) {
	publisher := Nop()
	if err := publisher.Publish(context.Background(), EventTaskDone, Envelope{}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("nop close: %v", err)
	}
}
