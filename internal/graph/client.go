// Package graph is a small client for the Instagram Graph API endpoints the
// worker needs: reading a comment and replying to it.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://graph.facebook.com"
	DefaultVersion = "v25.0"

	commentFields = "id,text,username,timestamp,parent_id,media{id,media_type,permalink}"
)

// Error is an error object returned by the Graph API, or a non-2xx status
// without one.
type Error struct {
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string
	FBTraceID  string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("graph api error: status=%d code=%d type=%s message=%s", e.StatusCode, e.Code, e.Type, e.Message)
	}
	return fmt.Sprintf("graph api error: status=%d message=%s", e.StatusCode, e.Message)
}

// IsAuthError reports an expired or invalid access token.
func (e *Error) IsAuthError() bool {
	return e.Code == 190 || e.Code == 102 || (e.Type == "OAuthException" && e.StatusCode == http.StatusUnauthorized)
}

type Media struct {
	ID        string `json:"id"`
	MediaType string `json:"media_type,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

type Comment struct {
	ID        string `json:"id"`
	Text      string `json:"text,omitempty"`
	Username  string `json:"username,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	Media     *Media `json:"media,omitempty"`
}

type Options struct {
	BaseURL    string
	Version    string
	Token      string
	HTTPClient *http.Client
	// Timeout bounds a whole GetComment call, retries and backoff included,
	// so a hung fetch never holds the worker longer than this.
	Timeout time.Duration
	// MaxRetries applies to GetComment only and is cut short by Timeout.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("graph access token is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	version := strings.Trim(strings.TrimSpace(opts.Version), "/")
	if version == "" {
		version = DefaultVersion
	}
	timeout := opts.Timeout
	httpClient := opts.HTTPClient
	if httpClient == nil {
		if timeout < 5*time.Second {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if timeout <= 0 {
		timeout = httpClient.Timeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &Client{
		baseURL:    baseURL + "/" + version,
		token:      token,
		httpClient: httpClient,
		timeout:    timeout,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}, nil
}

func (c *Client) GetComment(ctx context.Context, commentID string) (Comment, error) {
	commentID = strings.TrimSpace(commentID)
	if commentID == "" {
		return Comment{}, errors.New("comment id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	query := url.Values{}
	query.Set("fields", commentFields)
	body, err := c.do(ctx, http.MethodGet, commentID, query, nil, true)
	if err != nil {
		return Comment{}, err
	}
	var comment Comment
	if err := json.Unmarshal(body, &comment); err != nil {
		return Comment{}, fmt.Errorf("decode comment %s: %w", commentID, err)
	}
	return comment, nil
}

// ReplyToComment posts message as a reply and returns the new comment id. It
// is never retried since a repeated POST would publish a duplicate reply.
func (c *Client) ReplyToComment(ctx context.Context, commentID, message string) (string, error) {
	commentID = strings.TrimSpace(commentID)
	if commentID == "" {
		return "", errors.New("comment id is required")
	}
	form := url.Values{}
	form.Set("message", message)
	body, err := c.do(ctx, http.MethodPost, commentID+"/replies", nil, form, false)
	if err != nil {
		return "", err
	}
	var created struct {
		ID any `json:"id"`
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&created); err != nil {
		return "", fmt.Errorf("decode reply for %s: %w", commentID, err)
	}
	switch id := created.ID.(type) {
	case string:
		return strings.TrimSpace(id), nil
	case json.Number:
		return id.String(), nil
	default:
		return "", nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, query, form url.Values, retry bool) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("access_token", c.token)
	endpoint := c.baseURL + "/" + strings.TrimLeft(path, "/") + "?" + query.Encode()
	var encodedForm string
	if form != nil {
		encodedForm = form.Encode()
	}

	for attempt := 0; ; attempt++ {
		var reqBody io.Reader
		if form != nil {
			reqBody = strings.NewReader(encodedForm)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return nil, err
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retry && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("graph api request failed: %w", redactToken(err, c.token))
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if retry && attempt < c.maxRetries &&
			(resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var envelope struct {
			Error *struct {
				Message   string `json:"message"`
				Type      string `json:"type"`
				Code      int    `json:"code"`
				Subcode   int    `json:"error_subcode"`
				FBTraceID string `json:"fbtrace_id"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return nil, fmt.Errorf("graph api returned non-JSON response (HTTP %d)", resp.StatusCode)
		}
		if envelope.Error != nil {
			return nil, &Error{
				StatusCode: resp.StatusCode,
				Code:       envelope.Error.Code,
				Subcode:    envelope.Error.Subcode,
				Type:       envelope.Error.Type,
				Message:    envelope.Error.Message,
				FBTraceID:  envelope.Error.FBTraceID,
			}
		}
		if resp.StatusCode >= 400 {
			return nil, &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		}
		return respBody, nil
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// redactToken keeps the access token out of logged transport errors, which
// echo the request URL.
func redactToken(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "REDACTED"))
}
