package commentqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It backs tests and single-process
// development runs; state is lost on restart.
type MemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	defaultMode ReplyMode
	replyMode   ReplyMode

	nextEventID int64
	nextTaskID  int64
	events      []Event
	tasks       map[int64]*Task
	byComment   map[string]int64
}

func NewMemoryStore(opts Options) *MemoryStore {
	mode := opts.defaultMode()
	return &MemoryStore{
		now:         time.Now,
		defaultMode: mode,
		replyMode:   mode,
		tasks:       make(map[int64]*Task),
		byComment:   make(map[string]int64),
	}
}

// SetClock replaces the time source. Tests use it to make timestamps deterministic.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.now = now
}

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) InsertEvent(_ context.Context, event Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	event.ID = s.nextEventID
	event.ReceivedAt = s.now().UTC()
	if len(event.Payload) == 0 {
		event.Payload = json.RawMessage("{}")
	}
	s.events = append(s.events, event)
	return event.ID, nil
}

// Events returns a copy of every stored event in insertion order.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) Enqueue(_ context.Context, inputs []TaskInput, sourceEventID *int64) (int, error) {
	prepared := make([]Task, 0, len(inputs))
	for _, input := range inputs {
		input = cleanInput(input)
		if input.CommentID == "" {
			continue
		}
		payload, err := marshalPayload(input.Payload)
		if err != nil {
			return 0, err
		}
		prepared = append(prepared, Task{
			CommentID:   input.CommentID,
			MediaID:     input.MediaID,
			ParentID:    input.ParentID,
			Commenter:   input.Commenter,
			CommentText: input.CommentText,
			Payload:     json.RawMessage(payload),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, task := range prepared {
		if _, exists := s.byComment[task.CommentID]; exists {
			continue
		}
		now := s.now().UTC()
		s.nextTaskID++
		task.ID = s.nextTaskID
		task.Status = StatusTodo
		task.CreatedAt = now
		task.UpdatedAt = now
		if sourceEventID != nil {
			id := *sourceEventID
			task.SourceEventID = &id
		}
		stored := task
		s.tasks[task.ID] = &stored
		s.byComment[task.CommentID] = task.ID
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ClaimNext(context.Context) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *Task
	for _, task := range s.tasks {
		if task.Status != StatusTodo {
			continue
		}
		if next == nil || task.CreatedAt.Before(next.CreatedAt) ||
			(task.CreatedAt.Equal(next.CreatedAt) && task.ID < next.ID) {
			next = task
		}
	}
	if next == nil {
		return Task{}, false, nil
	}
	next.Status = StatusProcessing
	next.Attempts++
	next.UpdatedAt = s.now().UTC()
	return cloneTask(next), true, nil
}

func (s *MemoryStore) Complete(_ context.Context, id int64, mode ReplyMode, replyText, replyCommentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	task.Status = StatusDone
	task.ReplyModeSnapshot = NormalizeReplyMode(string(mode))
	task.ReplyText = replyText
	task.ReplyCommentID = replyCommentID
	task.LastError = ""
	task.ProcessedAt = &now
	task.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	task.Status = StatusError
	task.LastError = truncateError(message)
	task.ProcessedAt = &now
	task.UpdatedAt = now
	return nil
}

func (s *MemoryStore) GetReplyMode(context.Context) (ReplyMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyMode == "" {
		return s.defaultMode, nil
	}
	return s.replyMode, nil
}

func (s *MemoryStore) SetReplyMode(_ context.Context, mode string) (ReplyMode, error) {
	normalized := NormalizeReplyMode(mode)
	s.mu.Lock()
	s.replyMode = normalized
	s.mu.Unlock()
	return normalized, nil
}

func (s *MemoryStore) GetTask(_ context.Context, id int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *MemoryStore) GetTaskByCommentID(ctx context.Context, commentID string) (Task, error) {
	s.mu.Lock()
	id, ok := s.byComment[commentID]
	s.mu.Unlock()
	if !ok {
		return Task{}, ErrNotFound
	}
	return s.GetTask(ctx, id)
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]Task, 0)
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if !filter.UpdatedAfter.IsZero() && !task.UpdatedAt.After(filter.UpdatedAfter) {
			continue
		}
		tasks = append(tasks, cloneTask(task))
	}
	if filter.UpdatedAfter.IsZero() {
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID > tasks[j].ID })
	} else {
		sort.Slice(tasks, func(i, j int) bool {
			if tasks[i].UpdatedAt.Equal(tasks[j].UpdatedAt) {
				return tasks[i].ID < tasks[j].ID
			}
			return tasks[i].UpdatedAt.Before(tasks[j].UpdatedAt)
		})
	}
	if limit := filter.limit(); len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *MemoryStore) CountByStatus(context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[Status]int{
		StatusTodo:       0,
		StatusProcessing: 0,
		StatusDone:       0,
		StatusError:      0,
	}
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) Requeue(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.Status != StatusError {
		return ErrInvalidState
	}
	task.Status = StatusTodo
	task.LastError = ""
	task.ProcessedAt = nil
	task.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	cutoff := now.Add(-olderThan)
	moved := 0
	for _, task := range s.tasks {
		if task.Status == StatusProcessing && task.UpdatedAt.Before(cutoff) {
			task.Status = StatusTodo
			task.UpdatedAt = now
			moved++
		}
	}
	return moved, nil
}

func cloneTask(task *Task) Task {
	out := *task
	if task.Payload != nil {
		out.Payload = append(json.RawMessage(nil), task.Payload...)
	}
	if task.SourceEventID != nil {
		id := *task.SourceEventID
		out.SourceEventID = &id
	}
	if task.ProcessedAt != nil {
		at := *task.ProcessedAt
		out.ProcessedAt = &at
	}
	return out
}
