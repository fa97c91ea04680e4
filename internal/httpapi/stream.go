package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
)

const (
	streamWriteTimeout = 5 * time.Second
	// streamLookback re-reads recently updated rows each poll. A row's
	// updated_at is stamped when its transaction starts, so it can become
	// visible after rows stamped later.
	streamLookback = 10 * time.Second
)

type streamKey struct {
	id        int64
	updatedAt int64
}

type streamMessage struct {
	Type string            `json:"type"`
	Task commentqueue.Task `json:"task"`
}

// handleStream pushes every task updated after the connection opened. The
// store is polled with an overlapping window and each (task, updated_at)
// pair is sent once; clients only read.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	status, ok := parseStatus(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status filter", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("task stream upgrade failed", "error", err, "correlation_id", correlationID)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	opened := s.cfg.Now().UTC()
	cursor := opened
	sent := make(map[streamKey]time.Time)
	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()

	for {
		floor := cursor.Add(-streamLookback)
		if floor.Before(opened) {
			floor = opened
		}
		for key, updatedAt := range sent {
			if !updatedAt.After(floor) {
				delete(sent, key)
			}
		}
		tasks, err := s.backend.ListTasks(ctx, commentqueue.TaskFilter{
			Status:       status,
			UpdatedAfter: floor,
			Limit:        500,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("task stream poll failed", "error", err, "correlation_id", correlationID)
			_ = conn.Close(websocket.StatusInternalError, "task poll failed")
			return
		}
		for _, task := range tasks {
			key := streamKey{id: task.ID, updatedAt: task.UpdatedAt.UnixNano()}
			if _, ok := sent[key]; ok {
				continue
			}
			if err := s.writeStreamMessage(ctx, conn, task); err != nil {
				return
			}
			sent[key] = task.UpdatedAt
			if task.UpdatedAt.After(cursor) {
				cursor = task.UpdatedAt
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) writeStreamMessage(ctx context.Context, conn *websocket.Conn, task commentqueue.Task) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, streamMessage{Type: "task", Task: task})
}
