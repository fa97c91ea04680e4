package commentqueue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var deleteVerbs = map[string]struct{}{
	"remove":  {},
	"delete":  {},
	"deleted": {},
}

// ExtractCommentTasks walks entry[].changes[] of an Instagram webhook payload
// and returns one task per distinct comment. Deletions and changes that do not
// look like comments are skipped.
func ExtractCommentTasks(payload map[string]any) []TaskInput {
	tasks := make([]TaskInput, 0)
	entries, ok := payload["entry"].([]any)
	if !ok {
		return tasks
	}

	seen := make(map[string]struct{})
	for _, rawEntry := range entries {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			continue
		}
		changes, ok := entry["changes"].([]any)
		if !ok {
			continue
		}
		for _, rawChange := range changes {
			change, ok := rawChange.(map[string]any)
			if !ok {
				continue
			}
			field := asString(change["field"])
			value, ok := change["value"].(map[string]any)
			if !ok {
				continue
			}
			if isDeleteEvent(value) || !looksLikeComment(field, value) {
				continue
			}
			commentID := extractCommentID(value)
			if commentID == "" {
				continue
			}
			if _, dup := seen[commentID]; dup {
				continue
			}
			seen[commentID] = struct{}{}

			var fromUsername any
			if from, ok := value["from"].(map[string]any); ok {
				fromUsername = from["username"]
			}
			tasks = append(tasks, TaskInput{
				CommentID:   commentID,
				MediaID:     firstNonEmpty(value["media_id"], value["post_id"]),
				ParentID:    firstNonEmpty(value["parent_id"]),
				Commenter:   firstNonEmpty(value["username"], fromUsername),
				CommentText: firstNonEmpty(value["text"]),
				Payload: map[string]any{
					"field":    field,
					"entry_id": asString(entry["id"]),
					"time":     entry["time"],
					"value":    value,
				},
			})
		}
	}
	return tasks
}

func looksLikeComment(field string, value map[string]any) bool {
	if strings.EqualFold(field, "comments") {
		return true
	}
	if strings.EqualFold(asString(value["item"]), "comment") {
		return true
	}
	if truthy(value["comment_id"]) {
		return true
	}
	return truthy(value["text"]) && truthy(value["id"]) && truthy(value["media_id"])
}

func isDeleteEvent(value map[string]any) bool {
	verb := strings.ToLower(asString(value["verb"]))
	_, ok := deleteVerbs[verb]
	return ok
}

// extractCommentID returns the first all-digit candidate among comment_id and id.
func extractCommentID(value map[string]any) string {
	for _, candidate := range []any{value["comment_id"], value["id"]} {
		id := asString(candidate)
		if id != "" && isDigits(id) {
			return id
		}
	}
	return ""
}

func firstNonEmpty(values ...any) string {
	for _, value := range values {
		if text := asString(value); text != "" {
			return text
		}
	}
	return ""
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case string:
		return typed != ""
	case bool:
		return typed
	case float64:
		return typed != 0
	case json.Number:
		return typed.String() != "0" && typed.String() != ""
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	default:
		return true
	}
}

// asString renders scalar JSON values as trimmed text. Numbers keep their
// integer form so large Instagram ids survive float decoding.
func asString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return strings.TrimSpace(typed.String())
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
