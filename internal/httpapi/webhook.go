package httpapi

import (
	"bytes"
	"net/http"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/replyqueue/internal/commentqueue"
)

// capturedHeaders are stored with every event for later diagnosis.
var capturedHeaders = []string{
	"User-Agent",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Hub-Signature-256",
	"Content-Type",
}

// Any JSON object is stored; entry/changes shape is checked during extraction.
const webhookPayloadSchema = `{"type": "object"}`

var (
	webhookSchemaOnce sync.Once
	webhookSchema     *jsonschema.Schema
	webhookSchemaErr  error
)

func compiledWebhookSchema() (*jsonschema.Schema, error) {
	webhookSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookPayloadSchema))
		if err != nil {
			webhookSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("webhook_payload.json", doc); err != nil {
			webhookSchemaErr = err
			return
		}
		webhookSchema, webhookSchemaErr = compiler.Compile("webhook_payload.json")
	})
	return webhookSchema, webhookSchemaErr
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	if authErr := verifySubscription(query.Get("hub.mode"), query.Get("hub.verify_token"), s.cfg.VerifyToken); authErr != nil {
		s.logger.Warn("webhook verification rejected", "reason", authErr.message, "correlation_id", correlationID)
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(query.Get("hub.challenge")))
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "empty webhook body", correlationID)
		return
	}

	signatureValid := verifyHubSignature(s.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256"), body)
	if signatureValid != nil && !*signatureValid {
		s.logger.Warn("webhook signature rejected", "correlation_id", correlationID)
		writeError(w, http.StatusForbidden, "forbidden", "invalid webhook signature", correlationID)
		return
	}

	// Numbers are kept as json.Number so large comment ids are not rounded.
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	schema, err := compiledWebhookSchema()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if err := schema.Validate(instance); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "webhook payload must be a json object", correlationID)
		return
	}
	payload := instance.(map[string]any)

	event := commentqueue.NewEvent(payload, body, requestHeaders(r), signatureValid)
	eventID, err := s.backend.InsertEvent(r.Context(), event)
	if err != nil {
		s.logger.Error("webhook event insert failed", "error", err, "correlation_id", correlationID)
		writeStoreError(w, err, correlationID)
		return
	}

	tasks := commentqueue.ExtractCommentTasks(payload)
	created := 0
	if len(tasks) > 0 {
		created, err = s.backend.Enqueue(r.Context(), tasks, &eventID)
		if err != nil {
			s.logger.Error("webhook enqueue failed", "event_id", eventID, "error", err, "correlation_id", correlationID)
			writeStoreError(w, err, correlationID)
			return
		}
	}

	s.logger.Info("webhook processed",
		"event_id", eventID,
		"object", event.ObjectType,
		"tasks_seen", len(tasks),
		"tasks_created", created,
		"correlation_id", correlationID,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                    true,
		"event_id":              eventID,
		"comment_tasks_seen":    len(tasks),
		"comment_tasks_created": created,
	})
}

func requestHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(capturedHeaders))
	for _, name := range capturedHeaders {
		if value := r.Header.Get(name); value != "" {
			headers[strings.ToLower(name)] = value
		}
	}
	return headers
}
