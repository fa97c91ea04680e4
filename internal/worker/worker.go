// Package worker drains the comment task queue: it claims one task at a time,
// resolves the reply mode and records exactly one terminal outcome per task.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
	"github.com/agentworkforce/replyqueue/internal/graph"
	"github.com/agentworkforce/replyqueue/internal/notify"
)

const (
	DefaultPollInterval  = 3 * time.Second
	DefaultIdleLogEvery  = 20
	DefaultReplyLanguage = "English"

	FallbackReply = "Thanks for your comment! We will reply in more detail soon."
	EmptyReply    = "Thanks for your comment!"

	maxReplyChars        = 1000
	terminalWriteTimeout = 10 * time.Second
	userKeySpace         = 1_000_000_000
)

const promptTemplate = "You are a brand assistant replying to Instagram comments.\n" +
	"Write a short, polite, helpful reply in %s.\n" +
	"No made-up facts and no toxicity.\n" +
	"If the question is unclear, ask one clarifying question.\n\n" +
	"Username: %s\n" +
	"Comment: %s"

// CommentClient is the Graph API surface the worker needs.
type CommentClient interface {
	GetComment(ctx context.Context, commentID string) (graph.Comment, error)
	ReplyToComment(ctx context.Context, commentID, message string) (string, error)
}

// Replier generates reply text. *replyai.Adapter satisfies it.
type Replier interface {
	Reply(ctx context.Context, userKey int64, text string) string
}

type Options struct {
	PollInterval time.Duration
	// PollJitter spreads idle sleeps by up to ±ratio of PollInterval so
	// several workers do not poll in lockstep.
	PollJitter    float64
	IdleLogEvery  int
	ReplyLanguage string
	Producer      string
	Logger        *slog.Logger
	Publisher     notify.Publisher
}

// Outcome is the result of processing one claimed task. A non-nil Err means
// the task is marked error; otherwise it is marked done.
type Outcome struct {
	Mode           commentqueue.ReplyMode
	ReplyText      string
	ReplyCommentID string
	Err            error
}

type Worker struct {
	queue     commentqueue.TaskQueue
	settings  commentqueue.SettingsStore
	comments  CommentClient
	replier   Replier
	publisher notify.Publisher
	logger    *slog.Logger

	pollInterval  time.Duration
	pollJitter    float64
	idleLogEvery  int
	replyLanguage string
	producer      string

	idleTicks int
	rng       *rand.Rand
}

// New wires a worker. replier may be nil, in which case every generated reply
// is FallbackReply.
func New(queue commentqueue.TaskQueue, settings commentqueue.SettingsStore, comments CommentClient, replier Replier, opts Options) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("worker requires a task queue")
	}
	if settings == nil {
		return nil, errors.New("worker requires a settings store")
	}
	if comments == nil {
		return nil, errors.New("worker requires a comment client")
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	idleLogEvery := opts.IdleLogEvery
	if idleLogEvery <= 0 {
		idleLogEvery = DefaultIdleLogEvery
	}
	language := strings.TrimSpace(opts.ReplyLanguage)
	if language == "" {
		language = DefaultReplyLanguage
	}
	producer := strings.TrimSpace(opts.Producer)
	if producer == "" {
		producer = notify.DefaultProducer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = notify.Nop()
	}
	return &Worker{
		queue:         queue,
		settings:      settings,
		comments:      comments,
		replier:       replier,
		publisher:     publisher,
		logger:        logger,
		pollInterval:  pollInterval,
		pollJitter:    clampJitterRatio(opts.PollJitter),
		idleLogEvery:  idleLogEvery,
		replyLanguage: language,
		producer:      producer,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run polls until ctx is cancelled. Claim errors are logged and retried after
// the poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("comments worker started", "poll_interval", w.pollInterval.String())
	for {
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("comments worker cycle failed", "error", err)
		}
		if ctx.Err() != nil {
			w.logger.Info("comments worker stopping", "reason", ctx.Err().Error())
			return nil
		}
		if processed {
			continue
		}
		if err := sleepContext(ctx, jitteredIntervalWithSample(w.pollInterval, w.pollJitter, w.rng.Float64())); err != nil {
			w.logger.Info("comments worker stopping", "reason", err.Error())
			return nil
		}
	}
}

// RunOnce claims and processes at most one task. It reports whether a task
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, ok, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next task: %w", err)
	}
	if !ok {
		w.idleTicks++
		if w.idleTicks >= w.idleLogEvery {
			w.idleTicks = 0
			w.logger.Info("comments worker idle")
		}
		return false, nil
	}
	w.idleTicks = 0

	outcome := w.Process(ctx, task)
	if err := w.finish(ctx, task, outcome); err != nil {
		return true, err
	}
	w.publish(ctx, task, outcome)
	return true, nil
}

// Process runs the reply-mode state machine for one claimed task without
// touching the queue.
func (w *Worker) Process(ctx context.Context, task commentqueue.Task) (outcome Outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = Outcome{Mode: outcome.Mode, Err: fmt.Errorf("panic while processing task: %v", recovered)}
		}
	}()

	mode, err := w.settings.GetReplyMode(ctx)
	if err != nil {
		return Outcome{Err: fmt.Errorf("read reply mode: %w", err)}
	}
	w.logger.Info("processing comment task",
		"task_id", task.ID,
		"comment_id", task.CommentID,
		"mode", string(mode),
		"attempts", task.Attempts,
	)

	if mode == commentqueue.ReplyModeOff {
		return Outcome{Mode: mode}
	}

	comment, err := w.comments.GetComment(ctx, task.CommentID)
	if err != nil {
		return Outcome{Mode: mode, Err: fmt.Errorf("fetch comment %s: %w", task.CommentID, err)}
	}
	replyText := w.BuildReply(ctx, task, comment)

	if mode == commentqueue.ReplyModeDraft {
		w.logger.Info("draft reply", "comment_id", task.CommentID, "reply", replyText)
		return Outcome{Mode: mode, ReplyText: replyText}
	}

	replyCommentID, err := w.comments.ReplyToComment(ctx, task.CommentID, replyText)
	if err != nil {
		return Outcome{Mode: mode, ReplyText: replyText, Err: fmt.Errorf("send reply to %s: %w", task.CommentID, err)}
	}
	w.logger.Info("auto reply sent", "comment_id", task.CommentID, "reply_comment_id", replyCommentID)
	return Outcome{Mode: mode, ReplyText: replyText, ReplyCommentID: replyCommentID}
}

// BuildReply prompts the replier with the commenter and comment text and
// normalizes the answer to a single line of at most 1000 characters.
func (w *Worker) BuildReply(ctx context.Context, task commentqueue.Task, comment graph.Comment) string {
	if w.replier == nil {
		return FallbackReply
	}
	commentText := firstNonEmpty(comment.Text, task.CommentText)
	username := firstNonEmpty(comment.Username, task.Commenter)
	if username == "" {
		username = "unknown"
	}
	if commentText == "" {
		commentText = "[empty]"
	}
	prompt := fmt.Sprintf(promptTemplate, w.replyLanguage, username, commentText)

	reply := w.replier.Reply(ctx, UserKey(firstNonEmpty(comment.ID, task.CommentID)), prompt)
	reply = strings.Join(strings.Fields(reply), " ")
	if reply == "" {
		reply = EmptyReply
	}
	if utf8.RuneCountInString(reply) > maxReplyChars {
		reply = string([]rune(reply)[:maxReplyChars])
	}
	return reply
}

// finish writes the outcome. It detaches from ctx so a shutdown does not
// strand a claimed task in processing.
func (w *Worker) finish(ctx context.Context, task commentqueue.Task, outcome Outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	if outcome.Err != nil {
		w.logger.Error("failed to process comment task",
			"task_id", task.ID,
			"comment_id", task.CommentID,
			"error", outcome.Err,
		)
		if err := w.queue.Fail(ctx, task.ID, outcome.Err.Error()); err != nil {
			return fmt.Errorf("mark task %d error: %w", task.ID, err)
		}
		return nil
	}
	if err := w.queue.Complete(ctx, task.ID, outcome.Mode, outcome.ReplyText, outcome.ReplyCommentID); err != nil {
		return fmt.Errorf("mark task %d done: %w", task.ID, err)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, task commentqueue.Task, outcome Outcome) {
	data := notify.TaskOutcome{
		TaskID:         task.ID,
		CommentID:      task.CommentID,
		Status:         string(commentqueue.StatusDone),
		ReplyMode:      string(outcome.Mode),
		ReplyCommentID: outcome.ReplyCommentID,
	}
	eventType := notify.EventTaskDone
	if outcome.Err != nil {
		eventType = notify.EventTaskError
		data.Status = string(commentqueue.StatusError)
		data.Error = outcome.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	envelope := notify.NewEnvelope(eventType, w.producer, task.CommentID, data)
	if err := w.publisher.Publish(ctx, eventType, envelope); err != nil {
		w.logger.Warn("publish task outcome failed", "task_id", task.ID, "type", eventType, "error", err)
	}
}

// UserKey maps a comment id to the replier's numeric user key. All-digit ids
// are used as is; anything else hashes into [0, 1e9).
func UserKey(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw != "" && isDigits(raw) {
		if key, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return key
		}
	}
	if raw == "" {
		raw = "ig-comment"
	}
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(raw))
	return int64(hasher.Sum64() % userKeySpace)
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
