package commentqueue

import (
	"database/sql"
	"encoding/json"
	"strings"
)

const taskColumns = "id, comment_id, media_id, parent_id, commenter, comment_text, payload, source_event_id, " +
	"status, attempts, last_error, reply_mode_snapshot, reply_text, reply_comment_id, " +
	"processed_at, created_at, updated_at"

func prefixedTaskColumns(alias string) string {
	columns := strings.Split(taskColumns, ", ")
	for i, column := range columns {
		columns[i] = alias + "." + column
	}
	return strings.Join(columns, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

// taskRecord holds the nullable columns shared by the SQL backends. Timestamp
// columns are scanned by each backend since their storage differs.
type taskRecord struct {
	id                int64
	commentID         string
	mediaID           sql.NullString
	parentID          sql.NullString
	commenter         sql.NullString
	commentText       sql.NullString
	payload           sql.NullString
	sourceEventID     sql.NullInt64
	status            string
	attempts          int
	lastError         sql.NullString
	replyModeSnapshot sql.NullString
	replyText         sql.NullString
	replyCommentID    sql.NullString
}

func (r *taskRecord) fields() []any {
	return []any{
		&r.id,
		&r.commentID,
		&r.mediaID,
		&r.parentID,
		&r.commenter,
		&r.commentText,
		&r.payload,
		&r.sourceEventID,
		&r.status,
		&r.attempts,
		&r.lastError,
		&r.replyModeSnapshot,
		&r.replyText,
		&r.replyCommentID,
	}
}

func (r *taskRecord) task() Task {
	task := Task{
		ID:                r.id,
		CommentID:         r.commentID,
		MediaID:           r.mediaID.String,
		ParentID:          r.parentID.String,
		Commenter:         r.commenter.String,
		CommentText:       r.commentText.String,
		Status:            Status(r.status),
		Attempts:          r.attempts,
		LastError:         r.lastError.String,
		ReplyModeSnapshot: ReplyMode(r.replyModeSnapshot.String),
		ReplyText:         r.replyText.String,
		ReplyCommentID:    r.replyCommentID.String,
	}
	if r.payload.Valid && r.payload.String != "" {
		task.Payload = json.RawMessage(r.payload.String)
	}
	if r.sourceEventID.Valid {
		id := r.sourceEventID.Int64
		task.SourceEventID = &id
	}
	return task
}

func scanStatusCounts(rows *sql.Rows) (map[Status]int, error) {
	counts := map[Status]int{
		StatusTodo:       0,
		StatusProcessing: 0,
		StatusDone:       0,
		StatusError:      0,
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullInt64(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}
