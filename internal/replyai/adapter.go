package replyai

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultModel        = "gpt-4o-mini"
	DefaultBaseURL      = "https://api.openai.com/v1"
	DefaultSystemPrompt = "You are a helpful assistant. Answer briefly, to the point and safely. " +
		"Do not make up facts; if you are not sure, say so."

	defaultTemperature = 0.5
	defaultMaxTokens   = 350
)

// User-facing messages. Reply never returns raw upstream errors.
const (
	MessageEmptyInput          = "Empty message."
	MessageRateLimited         = "Too many requests. Please wait a little and send your message again."
	MessageInputTruncated      = "Your message was shortened to fit the length limit."
	MessageInvalidCredentials  = "LLM API error: invalid key or no access to the model."
	MessageQuotaExhausted      = "The LLM quota is exhausted or API billing is not set up."
	MessageUpstreamRateLimited = "The LLM service is temporarily limiting requests. Please try again shortly."
	MessageUnavailable         = "The LLM service is temporarily unavailable. Please try again later."
	MessageNoConnection        = "No connection to the LLM API or the request timed out."
	MessageTooSlow             = "The LLM is taking too long to answer. Please try again."
	MessageGenericFailure      = "Could not get an answer from the LLM. Please try again later."
	MessageEmptyModelResponse  = "Empty response from the model."
)

type Options struct {
	Model        string
	BaseURL      string
	SystemPrompt string
	// MemorySize is the number of turns kept per user. Zero disables memory.
	MemorySize      int
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxInputChars   int
	MaxOutputChars  int
	Timeout         time.Duration
	// MaxUsers bounds how many user keys keep state; the least recently
	// used key is dropped first, which also resets its rate budget.
	MaxUsers int

	Client ChatClient
	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultOptions mirrors the production defaults.
func DefaultOptions() Options {
	return Options{
		Model:           DefaultModel,
		BaseURL:         DefaultBaseURL,
		MemorySize:      8,
		RateLimitMax:    5,
		RateLimitWindow: 60 * time.Second,
		MaxInputChars:   1500,
		MaxOutputChars:  1200,
		Timeout:         30 * time.Second,
		MaxUsers:        10000,
	}
}

type userState struct {
	history  []Message
	requests []time.Time
}

// Adapter turns (user key, text) into a bounded reply while enforcing a
// per-user sliding-window rate limit and bounded conversation memory. It is
// safe for concurrent use; model calls run outside the lock.
type Adapter struct {
	client       ChatClient
	model        string
	systemPrompt string
	memorySize   int
	rateMax      int
	rateWindow   time.Duration
	maxInput     int
	maxOutput    int
	timeout      time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.Mutex
	users *simplelru.LRU[int64, *userState]
}

func New(apiKey string, opts Options) (*Adapter, error) {
	client := opts.Client
	if client == nil {
		httpClient, err := NewHTTPChatClient(HTTPChatClientOptions{
			BaseURL: opts.BaseURL,
			APIKey:  apiKey,
			Timeout: clampDuration(opts.Timeout, 5*time.Second),
		})
		if err != nil {
			return nil, err
		}
		client = httpClient
	}

	maxUsers := opts.MaxUsers
	if maxUsers <= 0 {
		maxUsers = 10000
	}
	users, err := simplelru.NewLRU[int64, *userState](maxUsers, nil)
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = DefaultModel
	}
	systemPrompt := strings.TrimSpace(opts.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Adapter{
		client:       client,
		model:        model,
		systemPrompt: systemPrompt,
		memorySize:   max(0, opts.MemorySize),
		rateMax:      max(1, opts.RateLimitMax),
		rateWindow:   clampDuration(opts.RateLimitWindow, time.Second),
		maxInput:     max(50, opts.MaxInputChars),
		maxOutput:    max(50, opts.MaxOutputChars),
		timeout:      clampDuration(opts.Timeout, 5*time.Second),
		logger:       logger,
		now:          now,
		users:        users,
	}, nil
}

func clampDuration(value, floor time.Duration) time.Duration {
	if value < floor {
		return floor
	}
	return value
}

// Reply returns the model's answer for text, or a user-safe message when the
// input is empty, the user is over the rate limit, or the call fails.
func (a *Adapter) Reply(ctx context.Context, userKey int64, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return MessageEmptyInput
	}

	inputTruncated := false
	if utf8.RuneCountInString(text) > a.maxInput {
		text = string([]rune(text)[:a.maxInput])
		inputTruncated = true
	}

	history, ok := a.reserve(userKey)
	if !ok {
		return MessageRateLimited
	}

	answer, err := a.callModel(ctx, history, text)
	if err != nil {
		return a.userFacing(userKey, err)
	}

	if utf8.RuneCountInString(answer) > a.maxOutput {
		answer = strings.TrimRightFunc(string([]rune(answer)[:a.maxOutput]), unicode.IsSpace) + "..."
	}

	a.remember(userKey, Message{Role: "user", Content: text}, Message{Role: "assistant", Content: answer})

	if inputTruncated {
		answer = MessageInputTruncated + "\n\n" + answer
	}
	return answer
}

// ReplyAsync runs Reply on its own goroutine so callers that must stay
// responsive can select on the result.
func (a *Adapter) ReplyAsync(ctx context.Context, userKey int64, text string) <-chan string {
	out := make(chan string, 1)
	go func() {
		out <- a.Reply(ctx, userKey, text)
	}()
	return out
}

// History returns a copy of the stored turns for userKey.
func (a *Adapter) History(userKey int64) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.users.Peek(userKey)
	if !ok {
		return nil
	}
	return append([]Message(nil), state.history...)
}

func (a *Adapter) stateLocked(userKey int64) *userState {
	if state, ok := a.users.Get(userKey); ok {
		return state
	}
	state := &userState{}
	a.users.Add(userKey, state)
	return state
}

// reserve applies the sliding window and snapshots history in one critical
// section so concurrent calls for a user cannot both take the last slot.
func (a *Adapter) reserve(userKey int64) ([]Message, bool) {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.stateLocked(userKey)
	kept := state.requests[:0]
	for _, at := range state.requests {
		if now.Sub(at) <= a.rateWindow {
			kept = append(kept, at)
		}
	}
	state.requests = kept
	if len(state.requests) >= a.rateMax {
		return nil, false
	}
	state.requests = append(state.requests, now)
	return append([]Message(nil), state.history...), true
}

func (a *Adapter) remember(userKey int64, turns ...Message) {
	if a.memorySize == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	state := a.stateLocked(userKey)
	state.history = append(state.history, turns...)
	if overflow := len(state.history) - a.memorySize; overflow > 0 {
		state.history = append([]Message(nil), state.history[overflow:]...)
	}
}

func (a *Adapter) callModel(ctx context.Context, history []Message, text string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: a.systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: text})

	answer, err := a.client.Complete(ctx, ChatRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   defaultMaxTokens,
	})
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return MessageEmptyModelResponse, nil
	}
	return answer, nil
}

func (a *Adapter) userFacing(userKey int64, err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		message := ""
		switch {
		case providerErr.StatusCode == http.StatusUnauthorized:
			message = MessageInvalidCredentials
		case providerErr.StatusCode == http.StatusTooManyRequests && providerErr.Code == "insufficient_quota":
			message = MessageQuotaExhausted
		case providerErr.StatusCode == http.StatusTooManyRequests:
			message = MessageUpstreamRateLimited
		case providerErr.StatusCode >= 500 && providerErr.StatusCode <= 599:
			message = MessageUnavailable
		}
		if message != "" {
			a.logger.Warn("llm user-facing error", "user_key", userKey, "status", providerErr.StatusCode, "code", providerErr.Code, "error", providerErr.Message)
			return message
		}
		a.logger.Error("llm request failed", "user_key", userKey, "error", err)
		return MessageGenericFailure
	}

	if isTimeout(err) {
		a.logger.Warn("llm timeout", "user_key", userKey, "error", err)
		return MessageTooSlow
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		a.logger.Warn("llm network error", "user_key", userKey, "error", err)
		return MessageNoConnection
	}

	a.logger.Error("llm request failed", "user_key", userKey, "error", err)
	return MessageGenericFailure
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
