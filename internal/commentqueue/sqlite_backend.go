package commentqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node backend. All access goes through one
// connection, so claims are serialized in process instead of by row locks.
type SQLiteStore struct {
	mu          sync.Mutex
	db          *sql.DB
	defaultMode ReplyMode
	now         func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS replyqueue_event (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	object_type TEXT,
	entry_count INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	headers TEXT,
	signature_valid INTEGER,
	received_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS replyqueue_comment_task (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	comment_id TEXT NOT NULL UNIQUE,
	media_id TEXT,
	parent_id TEXT,
	commenter TEXT,
	comment_text TEXT,
	payload TEXT,
	source_event_id INTEGER REFERENCES replyqueue_event(id) ON DELETE SET NULL,
	status TEXT NOT NULL DEFAULT 'todo',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	reply_mode_snapshot TEXT,
	reply_text TEXT,
	reply_comment_id TEXT,
	processed_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS replyqueue_comment_task_status_created_idx
	ON replyqueue_comment_task (status, created_at);
CREATE TABLE IF NOT EXISTS replyqueue_setting (
	setting_key TEXT PRIMARY KEY,
	setting_value TEXT,
	updated_at INTEGER NOT NULL
);`

// OpenSQLiteStore opens (creating if needed) the database at path with WAL
// journaling and a 5 second busy timeout, then applies the schema.
func OpenSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir for %s: %w", path, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}

	store := &SQLiteStore{
		db:          db,
		defaultMode: opts.defaultMode(),
		now:         time.Now,
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replyqueue_setting (setting_key, setting_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (setting_key) DO NOTHING`,
		replyModeSettingKey, string(s.defaultMode), s.stamp())
	if err != nil {
		return fmt.Errorf("seed reply mode: %w", err)
	}
	return nil
}

// SetClock replaces the time source used for stored timestamps.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

func (s *SQLiteStore) stamp() int64 {
	return s.now().UTC().UnixNano()
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, event Event) (int64, error) {
	payload := string(event.Payload)
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	headers, err := json.Marshal(event.Headers)
	if err != nil {
		return 0, err
	}
	var signature sql.NullBool
	if event.SignatureValid != nil {
		signature = sql.NullBool{Bool: *event.SignatureValid, Valid: true}
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO replyqueue_event (object_type, entry_count, payload, headers, signature_valid, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		event.ObjectType, event.EntryCount, payload, string(headers), signature, s.stamp()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, tasks []TaskInput, sourceEventID *int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	inserted := 0
	for _, input := range tasks {
		input = cleanInput(input)
		if input.CommentID == "" {
			continue
		}
		payload, err := marshalPayload(input.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal payload for comment %s: %w", input.CommentID, err)
		}
		now := s.stamp()
		result, err := tx.ExecContext(ctx, `
			INSERT INTO replyqueue_comment_task (
				comment_id, media_id, parent_id, commenter, comment_text,
				payload, source_event_id, status, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 'todo', ?, ?)
			ON CONFLICT (comment_id) DO NOTHING`,
			input.CommentID,
			nullString(input.MediaID),
			nullString(input.ParentID),
			nullString(input.Commenter),
			nullString(input.CommentText),
			payload,
			nullInt64(sourceEventID),
			now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("enqueue comment %s: %w", input.CommentID, err)
		}
		if affected, err := result.RowsAffected(); err == nil && affected > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return inserted, nil
}

func (s *SQLiteStore) ClaimNext(ctx context.Context) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`
		UPDATE replyqueue_comment_task
		SET status = 'processing',
			attempts = attempts + 1,
			updated_at = ?
		WHERE id = (
			SELECT id FROM replyqueue_comment_task
			WHERE status = 'todo'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING %s`, taskColumns)
	task, err := scanSQLiteTask(s.db.QueryRowContext(ctx, query, s.stamp()))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("claim next task: %w", err)
	}
	return task, true, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id int64, mode ReplyMode, replyText, replyCommentID string) error {
	now := s.stamp()
	return s.execOne(ctx, `
		UPDATE replyqueue_comment_task
		SET status = 'done',
			reply_mode_snapshot = ?,
			reply_text = ?,
			reply_comment_id = ?,
			last_error = NULL,
			processed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		string(NormalizeReplyMode(string(mode))), nullString(replyText), nullString(replyCommentID), now, now, id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id int64, message string) error {
	now := s.stamp()
	return s.execOne(ctx, `
		UPDATE replyqueue_comment_task
		SET status = 'error',
			last_error = ?,
			processed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		truncateError(message), now, now, id)
}

func (s *SQLiteStore) GetReplyMode(ctx context.Context) (ReplyMode, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT setting_value FROM replyqueue_setting WHERE setting_key = ?", replyModeSettingKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && strings.TrimSpace(value.String) == "") {
		return s.defaultMode, nil
	}
	if err != nil {
		return "", err
	}
	return NormalizeReplyMode(value.String), nil
}

func (s *SQLiteStore) SetReplyMode(ctx context.Context, mode string) (ReplyMode, error) {
	normalized := NormalizeReplyMode(mode)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replyqueue_setting (setting_key, setting_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (setting_key)
		DO UPDATE SET setting_value = excluded.setting_value, updated_at = excluded.updated_at`,
		replyModeSettingKey, string(normalized), s.stamp())
	if err != nil {
		return "", err
	}
	return normalized, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (Task, error) {
	return s.getTaskWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetTaskByCommentID(ctx context.Context, commentID string) (Task, error) {
	return s.getTaskWhere(ctx, "comment_id = ?", strings.TrimSpace(commentID))
}

func (s *SQLiteStore) getTaskWhere(ctx context.Context, where string, arg any) (Task, error) {
	query := fmt.Sprintf("SELECT %s FROM replyqueue_comment_task WHERE %s", taskColumns, where)
	task, err := scanSQLiteTask(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return task, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	order := "id DESC"
	if !filter.UpdatedAfter.IsZero() {
		conditions = append(conditions, "updated_at > ?")
		args = append(args, filter.UpdatedAfter.UTC().UnixNano())
		order = "updated_at ASC, id ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM replyqueue_comment_task", taskColumns)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY " + order + " LIMIT ?"
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM replyqueue_comment_task GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStatusCounts(rows)
}

func (s *SQLiteStore) Requeue(ctx context.Context, id int64) error {
	err := s.execOne(ctx, `
		UPDATE replyqueue_comment_task
		SET status = 'todo', last_error = NULL, processed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'error'`, s.stamp(), id)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetTask(ctx, id); getErr == nil {
			return ErrInvalidState
		}
	}
	return err
}

func (s *SQLiteStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidInput
	}
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE replyqueue_comment_task
		SET status = 'todo', updated_at = ?
		WHERE status = 'processing' AND updated_at < ?`,
		now.UnixNano(), now.Add(-olderThan).UnixNano())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteTask(row rowScanner) (Task, error) {
	var (
		record      taskRecord
		processedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(append(record.fields(), &processedAt, &createdAt, &updatedAt)...); err != nil {
		return Task{}, err
	}
	task := record.task()
	if processedAt.Valid {
		at := time.Unix(0, processedAt.Int64).UTC()
		task.ProcessedAt = &at
	}
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	task.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return task, nil
}
