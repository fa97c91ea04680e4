package commentqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTablePrefix      = "replyqueue"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresTables struct {
	event   string
	task    string
	setting string
}

func newPostgresTables(prefix string) postgresTables {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = postgresTablePrefix
	}
	return postgresTables{
		event:   prefix + "_event",
		task:    prefix + "_comment_task",
		setting: prefix + "_setting",
	}
}

// PostgresStore is the production backend. Claims rely on
// FOR UPDATE SKIP LOCKED so any number of worker processes can share it.
type PostgresStore struct {
	dsn         string
	tables      postgresTables
	defaultMode ReplyMode
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:         dsn,
		tables:      newPostgresTables(""),
		defaultMode: opts.defaultMode(),
		openDB:      sql.Open,
	}, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return s.ensureReady(ctx)
}

func (s *PostgresStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresOperationTimeout)
		defer cancel()

		event := postgresQuoteIdentifier(s.tables.event)
		task := postgresQuoteIdentifier(s.tables.task)
		setting := postgresQuoteIdentifier(s.tables.setting)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					object_type VARCHAR(64),
					entry_count INTEGER NOT NULL DEFAULT 0,
					payload JSONB NOT NULL,
					headers JSONB,
					signature_valid BOOLEAN,
					received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, event),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					comment_id VARCHAR(64) NOT NULL UNIQUE,
					media_id VARCHAR(64),
					parent_id VARCHAR(64),
					commenter TEXT,
					comment_text TEXT,
					payload JSONB,
					source_event_id BIGINT REFERENCES %s(id) ON DELETE SET NULL,
					status VARCHAR(16) NOT NULL DEFAULT 'todo',
					attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT,
					reply_mode_snapshot VARCHAR(16),
					reply_text TEXT,
					reply_comment_id VARCHAR(64),
					processed_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, task, event),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (status, created_at)",
				postgresQuoteIdentifier(s.tables.task+"_status_created_idx"), task),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					setting_key TEXT PRIMARY KEY,
					setting_value TEXT,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, setting),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("init postgres schema: %w", err)
				return
			}
		}
		seed := fmt.Sprintf(`
			INSERT INTO %s (setting_key, setting_value)
			VALUES ($1, $2)
			ON CONFLICT (setting_key) DO NOTHING`, setting)
		if _, err := db.ExecContext(ctx, seed, replyModeSettingKey, string(s.defaultMode)); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("seed reply mode: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) InsertEvent(ctx context.Context, event Event) (int64, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
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
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (object_type, entry_count, payload, headers, signature_valid)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)
		RETURNING id`, postgresQuoteIdentifier(s.tables.event))
	var id int64
	if err := s.db.QueryRowContext(ctx, query, event.ObjectType, event.EntryCount, payload, string(headers), signature).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, tasks []TaskInput, sourceEventID *int64) (int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

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

	query := fmt.Sprintf(`
		INSERT INTO %s (
			comment_id, media_id, parent_id, commenter, comment_text,
			payload, source_event_id, status, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, 'todo', NOW())
		ON CONFLICT (comment_id) DO NOTHING`, postgresQuoteIdentifier(s.tables.task))
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
		result, err := tx.ExecContext(ctx, query,
			input.CommentID,
			nullString(input.MediaID),
			nullString(input.ParentID),
			nullString(input.Commenter),
			nullString(input.CommentText),
			payload,
			nullInt64(sourceEventID),
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

func (s *PostgresStore) ClaimNext(ctx context.Context) (Task, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Task{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := postgresQuoteIdentifier(s.tables.task)
	query := fmt.Sprintf(`
		WITH next_task AS (
			SELECT id
			FROM %[1]s
			WHERE status = 'todo'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s t
		SET status = 'processing',
			attempts = t.attempts + 1,
			updated_at = NOW()
		FROM next_task
		WHERE t.id = next_task.id
		RETURNING %[2]s`, table, prefixedTaskColumns("t"))
	task, err := scanPostgresTask(tx.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("claim next task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, false, err
	}
	committed = true
	return task, true, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id int64, mode ReplyMode, replyText, replyCommentID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'done',
			reply_mode_snapshot = $2,
			reply_text = $3,
			reply_comment_id = $4,
			last_error = NULL,
			processed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`, postgresQuoteIdentifier(s.tables.task))
	return s.execOne(ctx, query, id, string(NormalizeReplyMode(string(mode))), nullString(replyText), nullString(replyCommentID))
}

func (s *PostgresStore) Fail(ctx context.Context, id int64, message string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'error',
			last_error = $2,
			processed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`, postgresQuoteIdentifier(s.tables.task))
	return s.execOne(ctx, query, id, truncateError(message))
}

func (s *PostgresStore) GetReplyMode(ctx context.Context) (ReplyMode, error) {
	if err := s.ensureReady(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT setting_value FROM %s WHERE setting_key = $1", postgresQuoteIdentifier(s.tables.setting))
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, query, replyModeSettingKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && strings.TrimSpace(value.String) == "") {
		return s.defaultMode, nil
	}
	if err != nil {
		return "", err
	}
	return NormalizeReplyMode(value.String), nil
}

func (s *PostgresStore) SetReplyMode(ctx context.Context, mode string) (ReplyMode, error) {
	if err := s.ensureReady(ctx); err != nil {
		return "", err
	}
	normalized := NormalizeReplyMode(mode)
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (setting_key, setting_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (setting_key)
		DO UPDATE SET setting_value = EXCLUDED.setting_value, updated_at = NOW()`, postgresQuoteIdentifier(s.tables.setting))
	if _, err := s.db.ExecContext(ctx, query, replyModeSettingKey, string(normalized)); err != nil {
		return "", err
	}
	return normalized, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id int64) (Task, error) {
	return s.getTaskWhere(ctx, "id = $1", id)
}

func (s *PostgresStore) GetTaskByCommentID(ctx context.Context, commentID string) (Task, error) {
	return s.getTaskWhere(ctx, "comment_id = $1", strings.TrimSpace(commentID))
}

func (s *PostgresStore) getTaskWhere(ctx context.Context, where string, arg any) (Task, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Task{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", taskColumns, postgresQuoteIdentifier(s.tables.task), where)
	task, err := scanPostgresTask(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return task, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	order := "id DESC"
	if !filter.UpdatedAfter.IsZero() {
		args = append(args, filter.UpdatedAfter)
		conditions = append(conditions, fmt.Sprintf("updated_at > $%d", len(args)))
		order = "updated_at ASC, id ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM %s", taskColumns, postgresQuoteIdentifier(s.tables.task))
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(" ORDER BY %s LIMIT $%d", order, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanPostgresTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", postgresQuoteIdentifier(s.tables.task))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStatusCounts(rows)
}

func (s *PostgresStore) Requeue(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'todo',
			last_error = NULL,
			processed_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'error'`, postgresQuoteIdentifier(s.tables.task))
	err := s.execOne(ctx, query, id)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetTask(ctx, id); getErr == nil {
			return ErrInvalidState
		}
	}
	return err
}

func (s *PostgresStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'todo', updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1`, postgresQuoteIdentifier(s.tables.task))
	result, err := s.db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) execOne(ctx context.Context, query string, args ...any) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

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

func scanPostgresTask(row rowScanner) (Task, error) {
	var (
		record      taskRecord
		processedAt sql.NullTime
		createdAt   time.Time
		updatedAt   time.Time
	)
	if err := row.Scan(append(record.fields(), &processedAt, &createdAt, &updatedAt)...); err != nil {
		return Task{}, err
	}
	task := record.task()
	if processedAt.Valid {
		at := processedAt.Time.UTC()
		task.ProcessedAt = &at
	}
	task.CreatedAt = createdAt.UTC()
	task.UpdatedAt = updatedAt.UTC()
	return task, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
