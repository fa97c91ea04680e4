package replyai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPChatClientSendsRequest(t *testing.T) {
	var got ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected authorization header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  Hi there  "}}]}`))
	}))
	defer server.Close()

	client, err := NewHTTPChatClient(HTTPChatClientOptions{BaseURL: server.URL + "/v1/", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	answer, err := client.Complete(context.Background(), ChatRequest{
		Model:       "gpt-4o-mini",
		Messages:    []Message{{Role: "user", Content: "hello"}},
		Temperature: 0.5,
		MaxTokens:   350,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if answer != "Hi there" {
		t.Fatalf("expected trimmed answer, got %q", answer)
	}
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 1 || got.MaxTokens != 350 {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestHTTPChatClientParsesProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"insufficient_quota","type":"insufficient_quota","message":"You exceeded your quota"}}`))
	}))
	defer server.Close()

	client, _ := NewHTTPChatClient(HTTPChatClientOptions{BaseURL: server.URL, APIKey: "sk-test"})
	_, err := client.Complete(context.Background(), ChatRequest{})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if providerErr.StatusCode != 429 || providerErr.Code != "insufficient_quota" || providerErr.Message != "You exceeded your quota" {
		t.Fatalf("unexpected provider error: %+v", providerErr)
	}
}

func TestParseChatContentSegments(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"content":[
		{"type":"text","text":"first"},
		{"type":"image_url","image_url":{"url":"x"}},
		{"type":"text","text":""},
		{"type":"text","text":"second"}
	]}}]}`)
	got, err := parseChatContent(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != "first\nsecond" {
		t.Fatalf("expected joined text segments, got %q", got)
	}
}

func TestParseChatContentRejectsUnexpectedShapes(t *testing.T) {
	for _, body := range []string{
		`{}`,
		`{"choices":[]}`,
		`{"choices":[{"message":{}}]}`,
		`{"choices":[{"message":{"content":42}}]}`,
		`not json`,
	} {
		if _, err := parseChatContent([]byte(body)); !errors.Is(err, ErrUnexpectedResponse) {
			t.Fatalf("expected ErrUnexpectedResponse for %s, got %v", body, err)
		}
	}
}
