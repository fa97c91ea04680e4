package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
)

// Backend is the storage surface the HTTP API needs.
type Backend interface {
	commentqueue.EventStore
	commentqueue.TaskQueue
	commentqueue.TaskInspector
}

type ServerConfig struct {
	AppSecret          string
	VerifyToken        string
	AdminToken         string
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	StreamPollInterval time.Duration
	Logger             *slog.Logger
	Now                func() time.Time
}

type Server struct {
	backend     Backend
	settings    commentqueue.SettingsStore
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// NewServer wires the webhook and admin routes. settings may be nil when the
// backend also stores the reply mode.
func NewServer(backend Backend, settings commentqueue.SettingsStore, cfg ServerConfig) *Server {
	if settings == nil {
		if store, ok := backend.(commentqueue.SettingsStore); ok {
			settings = store
		}
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamPollInterval <= 0 {
		cfg.StreamPollInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		backend:     backend,
		settings:    settings,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	if r.URL.Path == "/webhook" {
		switch r.Method {
		case http.MethodGet:
			s.handleVerify(w, r, correlationID)
		case http.MethodPost:
			if !s.allow(w, "webhook|"+clientAddr(r), correlationID) {
				return
			}
			s.handleReceive(w, r, correlationID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		}
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "admin" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 3 && parts[2] == "reply-mode" && r.Method == http.MethodGet:
		route = "get_mode"
	case len(parts) == 3 && parts[2] == "reply-mode" && r.Method == http.MethodPut:
		route = "set_mode"
	case len(parts) == 3 && parts[2] == "tasks" && r.Method == http.MethodGet:
		route = "list_tasks"
	case len(parts) == 4 && parts[2] == "tasks" && parts[3] == "stats" && r.Method == http.MethodGet:
		route = "stats"
	case len(parts) == 4 && parts[2] == "tasks" && parts[3] == "stream" && r.Method == http.MethodGet:
		route = "stream"
	case len(parts) == 4 && parts[2] == "tasks" && parts[3] == "requeue-stale" && r.Method == http.MethodPost:
		route = "requeue_stale"
	case len(parts) == 4 && parts[2] == "tasks" && r.Method == http.MethodGet:
		route = "get_task"
	case len(parts) == 5 && parts[2] == "tasks" && parts[4] == "requeue" && r.Method == http.MethodPost:
		route = "requeue"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allow(w, "admin|"+clientAddr(r), correlationID) {
		return
	}

	switch route {
	case "get_mode":
		s.handleGetMode(w, r, correlationID)
	case "set_mode":
		s.handleSetMode(w, r, correlationID)
	case "list_tasks":
		s.handleListTasks(w, r, correlationID)
	case "stats":
		s.handleStats(w, r, correlationID)
	case "stream":
		s.handleStream(w, r, correlationID)
	case "requeue_stale":
		s.handleRequeueStale(w, r, correlationID)
	case "get_task":
		s.handleGetTask(w, r, parts[3], correlationID)
	case "requeue":
		s.handleRequeue(w, r, parts[3], correlationID)
	}
}

func (s *Server) allow(w http.ResponseWriter, key, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(key, s.cfg.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

// getCorrelationID echoes the caller's X-Correlation-Id or mints a new one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientAddr(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeStoreError maps commentqueue sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, commentqueue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, commentqueue.ErrInvalidState):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, commentqueue.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
