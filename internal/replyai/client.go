package replyai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrUnexpectedResponse reports a 2xx body that does not carry
// choices[0].message.content.
var ErrUnexpectedResponse = errors.New("unexpected chat completion response")

// ProviderError is a non-2xx answer from the chat completions endpoint.
type ProviderError struct {
	StatusCode int
	Code       string
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chat completion failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chat completion failed: status=%d message=%s", e.StatusCode, e.Message)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// ChatClient sends one chat completion request and returns the assistant text.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

type HTTPChatClientOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPChatClient talks to an OpenAI-compatible /chat/completions endpoint.
// Requests are never retried: a retry would spend the caller's rate budget twice.
type HTTPChatClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPChatClient(opts HTTPChatClientOptions) (*HTTPChatClient, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("chat api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPChatClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}, nil
}

func (c *HTTPChatClient) Complete(ctx context.Context, chat ChatRequest) (string, error) {
	body, err := json.Marshal(chat)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", parseProviderError(resp.StatusCode, respBody)
	}
	return parseChatContent(respBody)
}

func parseProviderError(status int, body []byte) *ProviderError {
	perr := &ProviderError{
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
	}
	var parsed struct {
		Error struct {
			Code    any    `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed.Error.Code.(string); ok {
			perr.Code = code
		} else if parsed.Error.Code != nil {
			perr.Code = fmt.Sprint(parsed.Error.Code)
		}
		perr.Type = parsed.Error.Type
		if strings.TrimSpace(parsed.Error.Message) != "" {
			perr.Message = parsed.Error.Message
		}
	}
	return perr
}

const chatResponseSchema = `{
	"type": "object",
	"required": ["choices"],
	"properties": {
		"choices": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["message"],
				"properties": {
					"message": {
						"type": "object",
						"required": ["content"],
						"properties": {
							"content": {"type": ["string", "array"]}
						}
					}
				}
			}
		}
	}
}`

var (
	chatSchemaOnce sync.Once
	chatSchema     *jsonschema.Schema
	chatSchemaErr  error
)

func compiledChatSchema() (*jsonschema.Schema, error) {
	chatSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(chatResponseSchema))
		if err != nil {
			chatSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("chat_response.json", doc); err != nil {
			chatSchemaErr = err
			return
		}
		chatSchema, chatSchemaErr = compiler.Compile("chat_response.json")
	})
	return chatSchema, chatSchemaErr
}

type contentSegment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// parseChatContent extracts choices[0].message.content. A list of segments is
// reduced to its non-empty text parts joined by newlines.
func parseChatContent(body []byte) (string, error) {
	schema, err := compiledChatSchema()
	if err != nil {
		return "", err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if err := schema.Validate(instance); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	raw := parsed.Choices[0].Message.Content

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text), nil
	}
	var segments []json.RawMessage
	if err := json.Unmarshal(raw, &segments); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	parts := make([]string, 0, len(segments))
	for _, rawSegment := range segments {
		var segment contentSegment
		if json.Unmarshal(rawSegment, &segment) != nil || segment.Type != "text" || segment.Text == "" {
			continue
		}
		parts = append(parts, segment.Text)
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}
