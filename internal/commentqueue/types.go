package commentqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotImplemented = errors.New("not implemented")
)

// MaxLastErrorLength bounds the stored last_error column, in characters.
const MaxLastErrorLength = 4000

const replyModeSettingKey = "comment_reply_mode"

type Status string

const (
	StatusTodo       Status = "todo"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusProcessing, StatusDone, StatusError:
		return true
	default:
		return false
	}
}

type ReplyMode string

const (
	ReplyModeOff   ReplyMode = "off"
	ReplyModeDraft ReplyMode = "draft"
	ReplyModeAuto  ReplyMode = "auto"
)

// NormalizeReplyMode maps any value other than off/draft/auto (case-insensitive,
// trimmed) to draft.
func NormalizeReplyMode(raw string) ReplyMode {
	switch mode := ReplyMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ReplyModeOff, ReplyModeDraft, ReplyModeAuto:
		return mode
	default:
		return ReplyModeDraft
	}
}

// Event is one inbound webhook delivery. It is written once and never updated.
type Event struct {
	ID             int64             `json:"id"`
	ObjectType     string            `json:"object_type"`
	EntryCount     int               `json:"entry_count"`
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	SignatureValid *bool             `json:"signature_valid"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// NewEvent derives the object type and entry count from a decoded payload.
func NewEvent(payload map[string]any, raw []byte, headers map[string]string, signatureValid *bool) Event {
	entryCount := 0
	if entries, ok := payload["entry"].([]any); ok {
		entryCount = len(entries)
	}
	if len(raw) == 0 {
		raw, _ = json.Marshal(payload)
	}
	return Event{
		ObjectType:     asString(payload["object"]),
		EntryCount:     entryCount,
		Payload:        json.RawMessage(raw),
		Headers:        headers,
		SignatureValid: signatureValid,
	}
}

// TaskInput is a candidate task produced by webhook extraction.
type TaskInput struct {
	CommentID   string `json:"comment_id"`
	MediaID     string `json:"media_id,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	Commenter   string `json:"commenter,omitempty"`
	CommentText string `json:"comment_text,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

type Task struct {
	ID                int64           `json:"id"`
	CommentID         string          `json:"comment_id"`
	MediaID           string          `json:"media_id,omitempty"`
	ParentID          string          `json:"parent_id,omitempty"`
	Commenter         string          `json:"commenter,omitempty"`
	CommentText       string          `json:"comment_text,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	SourceEventID     *int64          `json:"source_event_id,omitempty"`
	Status            Status          `json:"status"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error,omitempty"`
	ReplyModeSnapshot ReplyMode       `json:"reply_mode_snapshot,omitempty"`
	ReplyText         string          `json:"reply_text,omitempty"`
	ReplyCommentID    string          `json:"reply_comment_id,omitempty"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type TaskFilter struct {
	Status       Status
	UpdatedAfter time.Time
	Limit        int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f TaskFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

type EventStore interface {
	InsertEvent(ctx context.Context, event Event) (int64, error)
}

// TaskQueue is the claim/complete surface the worker consumes.
type TaskQueue interface {
	// Enqueue inserts tasks with status todo and returns how many rows were
	// actually created; comment_id collisions and empty ids are skipped.
	Enqueue(ctx context.Context, tasks []TaskInput, sourceEventID *int64) (int, error)
	// ClaimNext atomically moves the oldest todo task to processing. The bool
	// is false when no task is available.
	ClaimNext(ctx context.Context) (Task, bool, error)
	// Complete and Fail do not check the current status: a later call
	// overwrites an earlier terminal state.
	Complete(ctx context.Context, id int64, mode ReplyMode, replyText, replyCommentID string) error
	Fail(ctx context.Context, id int64, message string) error
}

type SettingsStore interface {
	GetReplyMode(ctx context.Context) (ReplyMode, error)
	SetReplyMode(ctx context.Context, mode string) (ReplyMode, error)
}

// TaskInspector holds the read and operator-recovery operations.
type TaskInspector interface {
	GetTask(ctx context.Context, id int64) (Task, error)
	GetTaskByCommentID(ctx context.Context, commentID string) (Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// Requeue moves an error task back to todo.
	Requeue(ctx context.Context, id int64) error
	// RequeueStale moves processing tasks not updated for olderThan back to todo.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

type Store interface {
	EventStore
	TaskQueue
	SettingsStore
	TaskInspector
	EnsureSchema(ctx context.Context) error
	Close() error
}

type Options struct {
	// DefaultReplyMode seeds the settings row and is returned when no value is stored.
	DefaultReplyMode ReplyMode
}

func (o Options) defaultMode() ReplyMode {
	return NormalizeReplyMode(string(o.DefaultReplyMode))
}

func truncateError(message string) string {
	if strings.TrimSpace(message) == "" {
		message = "Unknown error"
	}
	if utf8.RuneCountInString(message) <= MaxLastErrorLength {
		return message
	}
	return string([]rune(message)[:MaxLastErrorLength])
}

func marshalPayload(payload any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	if raw, ok := payload.(json.RawMessage); ok && len(raw) > 0 {
		return string(raw), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func cleanInput(input TaskInput) TaskInput {
	input.CommentID = strings.TrimSpace(input.CommentID)
	input.MediaID = strings.TrimSpace(input.MediaID)
	input.ParentID = strings.TrimSpace(input.ParentID)
	input.Commenter = strings.TrimSpace(input.Commenter)
	input.CommentText = strings.TrimSpace(input.CommentText)
	return input
}
