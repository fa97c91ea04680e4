package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
)

type replyModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "settings store is not configured", correlationID)
		return
	}
	mode, err := s.settings.GetReplyMode(r.Context())
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "settings store is not configured", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req replyModeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if strings.TrimSpace(req.Mode) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "mode is required", correlationID)
		return
	}
	mode, err := s.settings.SetReplyMode(r.Context(), req.Mode)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info("reply mode changed", "mode", mode, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	if commentID := strings.TrimSpace(query.Get("comment_id")); commentID != "" {
		task, err := s.backend.GetTaskByCommentID(r.Context(), commentID)
		if err != nil {
			writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": []commentqueue.Task{task}})
		return
	}
	status, ok := parseStatus(query.Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status filter", correlationID)
		return
	}
	tasks, err := s.backend.ListTasks(r.Context(), commentqueue.TaskFilter{
		Status: status,
		Limit:  parseBoundedInt(query.Get("limit"), 50, 1, 500),
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, correlationID string) {
	counts, err := s.backend.CountByStatus(r.Context())
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	id, ok := parseTaskID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "task id must be a positive integer", correlationID)
		return
	}
	task, err := s.backend.GetTask(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	id, ok := parseTaskID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "task id must be a positive integer", correlationID)
		return
	}
	if err := s.backend.Requeue(r.Context(), id); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info("task requeued", "task_id", id, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, map[string]any{"requeued": id})
}

func (s *Server) handleRequeueStale(w http.ResponseWriter, r *http.Request, correlationID string) {
	raw := strings.TrimSpace(r.URL.Query().Get("older_than"))
	olderThan, err := time.ParseDuration(raw)
	if err != nil || olderThan <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "older_than must be a positive duration", correlationID)
		return
	}
	moved, err := s.backend.RequeueStale(r.Context(), olderThan)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	s.logger.Info("stale tasks requeued", "count", moved, "older_than", olderThan.String(), "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, map[string]any{"requeued": moved})
}

func parseTaskID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parseStatus(raw string) (commentqueue.Status, bool) {
	status := commentqueue.Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case "", commentqueue.StatusTodo, commentqueue.StatusProcessing, commentqueue.StatusDone, commentqueue.StatusError:
		return status, true
	default:
		return "", false
	}
}
