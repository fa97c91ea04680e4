package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
)

const commentPayload = `{"object":"instagram","entry":[{"id":"42","time":1700000000,"changes":[` +
	`{"field":"comments","value":{"id":17890000000000000123,"text":"nice shot","media_id":"555","from":{"username":"alice"}}}]}]}`

type request struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func newTestServer(cfg ServerConfig) (*Server, *commentqueue.MemoryStore) {
	store := commentqueue.NewMemoryStore(commentqueue.Options{DefaultReplyMode: commentqueue.ReplyModeDraft})
	return NewServer(store, nil, cfg), store
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}
}

func TestDashboardServed(t *testing.T) {
	server, _ := newTestServer(ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "/v1/admin/reply-mode") {
		t.Fatalf("expected dashboard html, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{method: http.MethodPost, path: "/dashboard"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-GET dashboard, got %d", rec.Code)
	}
}

func TestWebhookVerification(t *testing.T) {
	server, _ := newTestServer(ServerConfig{VerifyToken: "verify-me"})

	ok := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345",
	})
	if ok.Code != http.StatusOK || ok.Body.String() != "12345" {
		t.Fatalf("expected challenge echo, got %d %q", ok.Code, ok.Body.String())
	}

	wrong := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/webhook?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345",
	})
	if wrong.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on token mismatch, got %d", wrong.Code)
	}

	badMode := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/webhook?hub.mode=unsubscribe&hub.verify_token=verify-me",
	})
	if badMode.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on wrong mode, got %d", badMode.Code)
	}

	unconfigured, _ := newTestServer(ServerConfig{})
	rec := doRequest(t, unconfigured, request{method: http.MethodGet, path: "/webhook?hub.mode=subscribe"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when verify token is missing, got %d", rec.Code)
	}
}

func TestWebhookReceiveSignedPayload(t *testing.T) {
	server, store := newTestServer(ServerConfig{AppSecret: "app-secret"})
	body := []byte(commentPayload)

	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/webhook",
		headers: map[string]string{
			"Content-Type":        "application/json",
			"User-Agent":          "facebookexternalua",
			"X-Hub-Signature-256": sign("app-secret", body),
		},
		body: body,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	if resp["ok"] != true || resp["comment_tasks_seen"] != float64(1) || resp["comment_tasks_created"] != float64(1) {
		t.Fatalf("unexpected response: %v", resp)
	}

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("expected one stored event, got %d", len(events))
	}
	event := events[0]
	if event.SignatureValid == nil || !*event.SignatureValid {
		t.Fatalf("expected signature_valid=true, got %v", event.SignatureValid)
	}
	if event.ObjectType != "instagram" || event.EntryCount != 1 {
		t.Fatalf("unexpected event summary: %+v", event)
	}
	if event.Headers["user-agent"] != "facebookexternalua" || event.Headers["x-hub-signature-256"] == "" {
		t.Fatalf("expected captured headers, got %v", event.Headers)
	}

	task, err := store.GetTaskByCommentID(context.Background(), "17890000000000000123")
	if err != nil {
		t.Fatalf("expected task for exact comment id: %v", err)
	}
	if task.Commenter != "alice" || task.MediaID != "555" || task.SourceEventID == nil || *task.SourceEventID != event.ID {
		t.Fatalf("unexpected task: %+v", task)
	}

	again := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/webhook",
		headers: map[string]string{"X-Hub-Signature-256": sign("app-secret", body)},
		body:    body,
	})
	resp = decodeBody(t, again)
	if resp["comment_tasks_seen"] != float64(1) || resp["comment_tasks_created"] != float64(0) {
		t.Fatalf("expected redelivery to create nothing, got %v", resp)
	}
	if len(store.Events()) != 2 {
		t.Fatalf("expected every delivery to be stored as an event")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	server, store := newTestServer(ServerConfig{AppSecret: "app-secret"})
	body := []byte(commentPayload)

	for _, header := range []string{"", "sha1=abc", sign("other-secret", body)} {
		rec := doRequest(t, server, request{
			method:  http.MethodPost,
			path:    "/webhook",
			headers: map[string]string{"X-Hub-Signature-256": header},
			body:    body,
		})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403 for signature %q, got %d", header, rec.Code)
		}
	}
	if len(store.Events()) != 0 {
		t.Fatalf("expected rejected deliveries to store nothing")
	}
}

func TestWebhookWithoutSecretRecordsUnknownSignature(t *testing.T) {
	server, store := newTestServer(ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodPost, path: "/webhook", body: []byte(`{"object":"instagram"}`)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody(t, rec)
	if resp["comment_tasks_seen"] != float64(0) {
		t.Fatalf("expected no tasks, got %v", resp)
	}
	events := store.Events()
	if len(events) != 1 || events[0].SignatureValid != nil {
		t.Fatalf("expected one event with unknown signature, got %+v", events)
	}
}

func TestWebhookRejectsMalformedBodies(t *testing.T) {
	server, _ := newTestServer(ServerConfig{MaxBodyBytes: 64})
	cases := []struct {
		body   []byte
		status int
	}{
		{nil, http.StatusBadRequest},
		{[]byte(`{not json`), http.StatusBadRequest},
		{[]byte(`[1,2,3]`), http.StatusBadRequest},
		{[]byte(`"text"`), http.StatusBadRequest},
		{[]byte(`{"object":"` + strings.Repeat("x", 128) + `"}`), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		rec := doRequest(t, server, request{method: http.MethodPost, path: "/webhook", body: tc.body})
		if rec.Code != tc.status {
			t.Fatalf("expected %d for body %q, got %d", tc.status, tc.body, rec.Code)
		}
	}
}

func TestWebhookRateLimit(t *testing.T) {
	server, _ := newTestServer(ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		rec := doRequest(t, server, request{method: http.MethodPost, path: "/webhook", body: []byte(`{}`)})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected request %d to pass, got %d", i, rec.Code)
		}
	}
	rec := doRequest(t, server, request{method: http.MethodPost, path: "/webhook", body: []byte(`{}`)})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestAdminAuth(t *testing.T) {
	disabled, _ := newTestServer(ServerConfig{})
	rec := doRequest(t, disabled, request{method: http.MethodGet, path: "/v1/admin/reply-mode"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with admin disabled, got %d", rec.Code)
	}

	server, _ := newTestServer(ServerConfig{AdminToken: "admin"})
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/reply-mode"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/reply-mode",
		headers: map[string]string{"Authorization": "Bearer wrong"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/unknown",
		headers: map[string]string{"Authorization": "Bearer admin"},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", rec.Code)
	}
}

func TestAdminReplyMode(t *testing.T) {
	server, store := newTestServer(ServerConfig{AdminToken: "admin"})
	auth := map[string]string{"Authorization": "Bearer admin"}

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/reply-mode", headers: auth})
	if resp := decodeBody(t, rec); resp["mode"] != "draft" {
		t.Fatalf("expected default draft mode, got %v", resp)
	}

	rec = doRequest(t, server, request{method: http.MethodPut, path: "/v1/admin/reply-mode", headers: auth, body: []byte(`{"mode":" AUTO "}`)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if resp := decodeBody(t, rec); resp["mode"] != "auto" {
		t.Fatalf("expected normalized auto mode, got %v", resp)
	}
	mode, _ := store.GetReplyMode(context.Background())
	if mode != commentqueue.ReplyModeAuto {
		t.Fatalf("expected store to hold auto, got %s", mode)
	}

	rec = doRequest(t, server, request{method: http.MethodPut, path: "/v1/admin/reply-mode", headers: auth, body: []byte(`{}`)})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without mode, got %d", rec.Code)
	}
}

func TestAdminSeparateSettingsStore(t *testing.T) {
	store := commentqueue.NewMemoryStore(commentqueue.Options{})
	settings := commentqueue.NewMemoryStore(commentqueue.Options{DefaultReplyMode: commentqueue.ReplyModeOff})
	server := NewServer(store, settings, ServerConfig{AdminToken: "admin"})
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/reply-mode",
		headers: map[string]string{"Authorization": "Bearer admin"},
	})
	if resp := decodeBody(t, rec); resp["mode"] != "off" {
		t.Fatalf("expected mode from the dedicated settings store, got %v", resp)
	}
}

func TestAdminTasks(t *testing.T) {
	server, store := newTestServer(ServerConfig{AdminToken: "admin"})
	auth := map[string]string{"Authorization": "Bearer admin"}
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, []commentqueue.TaskInput{{CommentID: "101"}, {CommentID: "102"}}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, _, _ := store.ClaimNext(ctx)
	if err := store.Fail(ctx, first.ID, "graph down"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/tasks?status=error", headers: auth})
	var list struct {
		Tasks []commentqueue.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].CommentID != "101" || list.Tasks[0].LastError != "graph down" {
		t.Fatalf("unexpected error task list: %+v", list.Tasks)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/tasks?status=bogus", headers: auth})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/tasks?comment_id=102", headers: auth})
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Tasks) != 1 || list.Tasks[0].Status != commentqueue.StatusTodo {
		t.Fatalf("expected lookup by comment id, got %s", rec.Body.String())
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/tasks/stats", headers: auth})
	var stats struct {
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Counts["todo"] != 1 || stats.Counts["error"] != 1 || stats.Counts["done"] != 0 {
		t.Fatalf("unexpected counts: %v", stats.Counts)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/tasks/999", headers: auth})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing task, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/tasks/abc", headers: auth})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}

	second, _ := store.GetTaskByCommentID(ctx, "102")
	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/admin/tasks/" + itoa(second.ID) + "/requeue", headers: auth})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when requeueing a todo task, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/admin/tasks/" + itoa(first.ID) + "/requeue", headers: auth})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on requeue, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/tasks/" + itoa(first.ID), headers: auth})
	var task commentqueue.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status != commentqueue.StatusTodo || task.LastError != "" || task.Attempts != 1 {
		t.Fatalf("expected requeued task to keep attempts and clear error, got %+v", task)
	}
}

func TestAdminRequeueStale(t *testing.T) {
	server, store := newTestServer(ServerConfig{AdminToken: "admin"})
	auth := map[string]string{"Authorization": "Bearer admin"}
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })
	_, _ = store.Enqueue(ctx, []commentqueue.TaskInput{{CommentID: "201"}}, nil)
	_, _, _ = store.ClaimNext(ctx)
	store.SetClock(func() time.Time { return base.Add(time.Hour) })

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/admin/tasks/requeue-stale?older_than=bad", headers: auth})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad duration, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/admin/tasks/requeue-stale?older_than=10m", headers: auth})
	if resp := decodeBody(t, rec); resp["requeued"] != float64(1) {
		t.Fatalf("expected one stale task requeued, got %v", resp)
	}
}

func TestTaskStream(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	server, store := newTestServer(ServerConfig{
		AdminToken:         "admin",
		StreamPollInterval: 10 * time.Millisecond,
		Now:                func() time.Time { return base },
	})
	store.SetClock(func() time.Time { return base.Add(time.Minute) })
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/admin/tasks/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer admin"}},
	})
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.CloseNow()

	if _, err := store.Enqueue(ctx, []commentqueue.TaskInput{{CommentID: "301"}}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var msg streamMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if msg.Type != "task" || msg.Task.CommentID != "301" || msg.Task.Status != commentqueue.StatusTodo {
		t.Fatalf("unexpected stream message: %+v", msg)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestTaskStreamDeliversLateCommitsOnce(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	server, store := newTestServer(ServerConfig{
		AdminToken:         "admin",
		StreamPollInterval: 10 * time.Millisecond,
		Now:                func() time.Time { return base },
	})
	var (
		clockMu sync.Mutex
		stamp   = base.Add(time.Minute)
	)
	store.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return stamp
	})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/admin/tasks/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer admin"}},
	})
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.CloseNow()

	if _, err := store.Enqueue(ctx, []commentqueue.TaskInput{{CommentID: "301"}}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var first streamMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if first.Task.CommentID != "301" {
		t.Fatalf("expected task 301 first, got %+v", first.Task)
	}

	// A row stamped before the newest one the stream already pushed.
	clockMu.Lock()
	stamp = base.Add(time.Minute - 5*time.Second)
	clockMu.Unlock()
	if _, err := store.Enqueue(ctx, []commentqueue.TaskInput{{CommentID: "302"}}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var second streamMessage
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if second.Task.CommentID != "302" {
		t.Fatalf("expected late task 302 without a repeat of 301, got %+v", second.Task)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestTaskStreamRequiresAuth(t *testing.T) {
	server, _ := newTestServer(ServerConfig{AdminToken: "admin"})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/admin/tasks/stream"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
