package replyai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeChatClient struct {
	mu     sync.Mutex
	calls  []ChatRequest
	answer func(req ChatRequest) (string, error)
}

func (f *fakeChatClient) Complete(_ context.Context, req ChatRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.answer == nil {
		return "ok", nil
	}
	return f.answer(req)
}

func (f *fakeChatClient) requests() []ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChatRequest(nil), f.calls...)
}

func newTestAdapter(t *testing.T, client ChatClient, mutate func(*Options)) *Adapter {
	t.Helper()
	opts := DefaultOptions()
	opts.Client = client
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if mutate != nil {
		mutate(&opts)
	}
	adapter, err := New("test-key", opts)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter
}

func TestNewRequiresAPIKeyWithoutClient(t *testing.T) {
	if _, err := New("  ", DefaultOptions()); err == nil {
		t.Fatalf("expected error for empty api key")
	}
}

func TestReplyRejectsEmptyInputWithoutCallingModel(t *testing.T) {
	client := &fakeChatClient{}
	adapter := newTestAdapter(t, client, nil)
	if got := adapter.Reply(context.Background(), 1, "   "); got != MessageEmptyInput {
		t.Fatalf("expected empty input message, got %q", got)
	}
	if len(client.requests()) != 0 {
		t.Fatalf("expected no model calls")
	}
}

func TestReplyRateLimitSlidingWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeChatClient{}
	adapter := newTestAdapter(t, client, func(o *Options) {
		o.RateLimitMax = 2
		o.RateLimitWindow = 60 * time.Second
		o.Now = func() time.Time { return now }
	})
	ctx := context.Background()

	if got := adapter.Reply(ctx, 7, "one"); got != "ok" {
		t.Fatalf("expected first reply ok, got %q", got)
	}
	if got := adapter.Reply(ctx, 7, "two"); got != "ok" {
		t.Fatalf("expected second reply ok, got %q", got)
	}
	if got := adapter.Reply(ctx, 7, "three"); got != MessageRateLimited {
		t.Fatalf("expected rate limited message, got %q", got)
	}
	if len(client.requests()) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(client.requests()))
	}
	if got := adapter.Reply(ctx, 8, "other user"); got != "ok" {
		t.Fatalf("expected separate budget for another user, got %q", got)
	}

	now = now.Add(61 * time.Second)
	if got := adapter.Reply(ctx, 7, "four"); got != "ok" {
		t.Fatalf("expected reply after window elapsed, got %q", got)
	}
}

func TestReplyRateLimitHoldsUnderConcurrency(t *testing.T) {
	release := make(chan struct{})
	client := &fakeChatClient{answer: func(ChatRequest) (string, error) {
		<-release
		return "ok", nil
	}}
	adapter := newTestAdapter(t, client, func(o *Options) { o.RateLimitMax = 3 })

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []string
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := adapter.Reply(context.Background(), 99, "hello")
			mu.Lock()
			results = append(results, got)
			mu.Unlock()
		}()
	}
	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		limited := len(results)
		mu.Unlock()
		if limited == 7 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 7 rate limited results before release, got %d", limited)
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
	wg.Wait()

	ok := 0
	for _, result := range results {
		if result == "ok" {
			ok++
		}
	}
	if ok != 3 {
		t.Fatalf("expected exactly 3 successful replies, got %d (%v)", ok, results)
	}
}

func TestReplyMemoryIsBoundedFIFO(t *testing.T) {
	client := &fakeChatClient{answer: func(req ChatRequest) (string, error) {
		return "re: " + req.Messages[len(req.Messages)-1].Content, nil
	}}
	adapter := newTestAdapter(t, client, func(o *Options) { o.MemorySize = 2 })
	ctx := context.Background()

	adapter.Reply(ctx, 1, "first")
	adapter.Reply(ctx, 1, "second")
	adapter.Reply(ctx, 1, "third")

	history := adapter.History(1)
	if len(history) != 2 {
		t.Fatalf("expected 2 stored turns, got %d", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "third" ||
		history[1].Role != "assistant" || history[1].Content != "re: third" {
		t.Fatalf("unexpected history after eviction: %+v", history)
	}

	adapter.Reply(ctx, 1, "fourth")
	calls := client.requests()
	if len(calls) != 4 {
		t.Fatalf("expected 4 model calls, got %d", len(calls))
	}
	third := calls[2]
	if len(third.Messages) != 4 || third.Messages[1].Content != "second" || third.Messages[2].Content != "re: second" {
		t.Fatalf("unexpected third request snapshot: %+v", third.Messages)
	}
	fourth := calls[3]
	if len(fourth.Messages) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d messages", len(fourth.Messages))
	}
	if fourth.Messages[0].Role != "system" ||
		fourth.Messages[1].Role != "user" || fourth.Messages[1].Content != "third" ||
		fourth.Messages[2].Role != "assistant" || fourth.Messages[2].Content != "re: third" ||
		fourth.Messages[3].Role != "user" || fourth.Messages[3].Content != "fourth" {
		t.Fatalf("unexpected fourth request snapshot: %+v", fourth.Messages)
	}
	if fourth.Temperature != 0.5 || fourth.MaxTokens != 350 {
		t.Fatalf("unexpected sampling params: %+v", fourth)
	}
}

func TestReplyZeroMemoryStoresNothing(t *testing.T) {
	client := &fakeChatClient{}
	adapter := newTestAdapter(t, client, func(o *Options) { o.MemorySize = 0 })
	adapter.Reply(context.Background(), 1, "first")
	adapter.Reply(context.Background(), 1, "second")
	if history := adapter.History(1); len(history) != 0 {
		t.Fatalf("expected no history, got %+v", history)
	}
	calls := client.requests()
	if len(calls[1].Messages) != 2 {
		t.Fatalf("expected only system and user messages, got %d", len(calls[1].Messages))
	}
}

func TestReplyTruncatesInputAndOutput(t *testing.T) {
	client := &fakeChatClient{answer: func(req ChatRequest) (string, error) {
		return strings.Repeat("a", 1199) + "   " + strings.Repeat("b", 500), nil
	}}
	adapter := newTestAdapter(t, client, nil)
	got := adapter.Reply(context.Background(), 1, strings.Repeat("x", 2000))

	sent := client.requests()[0].Messages
	if n := len([]rune(sent[len(sent)-1].Content)); n != 1500 {
		t.Fatalf("expected input truncated to 1500 chars, got %d", n)
	}
	prefix := MessageInputTruncated + "\n\n"
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("expected truncation notice prefix, got %q", got[:40])
	}
	body := strings.TrimPrefix(got, prefix)
	if body != strings.Repeat("a", 1199)+"..." {
		t.Fatalf("expected output trimmed to 1199 chars plus ellipsis, got %d chars", len(body))
	}
	history := adapter.History(1)
	if strings.HasPrefix(history[1].Content, MessageInputTruncated) {
		t.Fatalf("expected stored assistant turn without notice")
	}
}

func TestReplyClampsOptions(t *testing.T) {
	adapter := newTestAdapter(t, &fakeChatClient{}, func(o *Options) {
		o.MemorySize = -3
		o.RateLimitMax = 0
		o.RateLimitWindow = 0
		o.MaxInputChars = 10
		o.MaxOutputChars = 1
		o.Timeout = time.Second
	})
	if adapter.memorySize != 0 || adapter.rateMax != 1 || adapter.rateWindow != time.Second {
		t.Fatalf("unexpected clamped limits: %+v", adapter)
	}
	if adapter.maxInput != 50 || adapter.maxOutput != 50 || adapter.timeout != 5*time.Second {
		t.Fatalf("unexpected clamped sizes: %+v", adapter)
	}
}

func TestReplyMapsFailuresToUserMessages(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"unauthorized", &ProviderError{StatusCode: 401}, MessageInvalidCredentials},
		{"quota", &ProviderError{StatusCode: 429, Code: "insufficient_quota"}, MessageQuotaExhausted},
		{"upstream rate", &ProviderError{StatusCode: 429, Code: "rate_limit_exceeded"}, MessageUpstreamRateLimited},
		{"server", &ProviderError{StatusCode: 503}, MessageUnavailable},
		{"bad request", &ProviderError{StatusCode: 400}, MessageGenericFailure},
		{"timeout", context.DeadlineExceeded, MessageTooSlow},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, MessageNoConnection},
		{"shape", ErrUnexpectedResponse, MessageGenericFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeChatClient{answer: func(ChatRequest) (string, error) { return "", tc.err }}
			adapter := newTestAdapter(t, client, nil)
			if got := adapter.Reply(context.Background(), 1, "hello"); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
			if history := adapter.History(1); len(history) != 0 {
				t.Fatalf("expected failed call to leave history empty, got %+v", history)
			}
		})
	}
}

func TestReplyEmptyModelAnswer(t *testing.T) {
	client := &fakeChatClient{answer: func(ChatRequest) (string, error) { return "  ", nil }}
	adapter := newTestAdapter(t, client, nil)
	if got := adapter.Reply(context.Background(), 1, "hello"); got != MessageEmptyModelResponse {
		t.Fatalf("expected empty model response message, got %q", got)
	}
}

func TestReplyAsyncDoesNotBlockCaller(t *testing.T) {
	release := make(chan struct{})
	client := &fakeChatClient{answer: func(ChatRequest) (string, error) {
		<-release
		return "later", nil
	}}
	adapter := newTestAdapter(t, client, nil)
	result := adapter.ReplyAsync(context.Background(), 1, "hello")
	select {
	case <-result:
		t.Fatalf("expected reply to still be pending")
	default:
	}
	close(release)
	select {
	case got := <-result:
		if got != "later" {
			t.Fatalf("expected async reply, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for async reply")
	}
}

func TestAdapterEvictsLeastRecentlyUsedUsers(t *testing.T) {
	adapter := newTestAdapter(t, &fakeChatClient{}, func(o *Options) { o.MaxUsers = 2 })
	ctx := context.Background()
	adapter.Reply(ctx, 1, "a")
	adapter.Reply(ctx, 2, "b")
	adapter.Reply(ctx, 3, "c")
	if history := adapter.History(1); history != nil {
		t.Fatalf("expected user 1 to be evicted, got %+v", history)
	}
	if history := adapter.History(3); len(history) != 2 {
		t.Fatalf("expected user 3 history, got %+v", history)
	}
}
