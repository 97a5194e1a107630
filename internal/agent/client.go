// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/morganforge/aiden-tui/internal/model"
)

// Configuration constants for the Aiden agent backend.
const (
	// DefaultBaseURL is the local agent backend.
	DefaultBaseURL = "http://127.0.0.1:6888"

	// ChatPath is the primary chat endpoint.
	ChatPath = "/agent/chat"

	// ContinuePath is the continuation endpoint for approved tool calls.
	ContinuePath = "/agent/continue-tool-call"

	// DefaultRequestTimeout bounds one exchange, measured from open.
	DefaultRequestTimeout = 120 * time.Second

	// ThinkingTimeoutMultiplier scales the timeout for reasoning-heavy
	// models that stream slowly.
	ThinkingTimeoutMultiplier = 5

	// MaxResponseSize is the maximum allowed non-streaming response body.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

// Error variables for common transport errors.
var (
	// ErrEmptyResponse indicates the server closed the stream without
	// sending any content.
	ErrEmptyResponse = errors.New("empty response from server")
)

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
// sharedHTTPClient serves non-streaming requests; its timeout is a
// backstop, per-request deadlines come from the context.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
	Timeout: DefaultRequestTimeout,
}

// sharedStreamingClient serves streaming requests (no client timeout,
// cancellation is context-controlled).
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// CLIENT
// =============================================================================

// TokenSource supplies the caller's bearer token. Token acquisition and
// refresh live outside this package.
type TokenSource func() string

// Client talks to the agent backend's chat and continuation endpoints.
type Client struct {
	baseURL  string
	deviceID string
	token    TokenSource
	lang     language.Tag
	timeout  time.Duration

	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a backend client. deviceID identifies this install;
// token may be nil when the backend runs unauthenticated.
func NewClient(baseURL, deviceID string, token TokenSource) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		deviceID:     deviceID,
		token:        token,
		lang:         language.AmericanEnglish,
		timeout:      DefaultRequestTimeout,
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
	}
}

// WithLanguage sets the Accept-Language tag sent with every request.
func (c *Client) WithLanguage(tag language.Tag) *Client {
	c.lang = tag
	return c
}

// WithTimeout overrides the base request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithHTTPClients overrides the underlying HTTP clients (tests).
func (c *Client) WithHTTPClients(plain, streaming *http.Client) *Client {
	c.httpClient = plain
	c.streamClient = streaming
	return c
}

// ChatURL returns the resolved primary chat endpoint.
func (c *Client) ChatURL() string { return c.baseURL + ChatPath }

// ContinueURL returns the resolved continuation endpoint.
func (c *Client) ContinueURL() string { return c.baseURL + ContinuePath }

// TimeoutFor returns the request timeout for a model binding: the base
// timeout, scaled up for thinking models.
func (c *Client) TimeoutFor(binding model.ModelBinding) time.Duration {
	if binding.Thinking {
		return c.timeout * ThinkingTimeoutMultiplier
	}
	return c.timeout
}

// =============================================================================
// WIRE PAYLOADS
// =============================================================================

// chatPayload is the body of a primary chat request.
type chatPayload struct {
	Messages []model.RequestMessage `json:"messages"`
	Stream   bool                   `json:"stream"`
}

// ToolCallApproval is the body of a continuation request: the user's
// decision on a tool-call-confirm, addressed by call and thread id.
type ToolCallApproval struct {
	Approved   bool   `json:"approved"`
	ToolCallID string `json:"tool_call_id"`
	ThreadID   string `json:"thread_id"`
	Stream     bool   `json:"stream"`
}

// nonStreamResponse is the body returned when stream is false.
type nonStreamResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// newRequest builds a POST with the standard header set: device id, bearer
// token, language tag, and the model binding headers the backend routes on.
func (c *Client) newRequest(ctx context.Context, url string, body any, binding model.ModelBinding) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Language", c.lang.String())
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	if binding.Model != "" {
		req.Header.Set("Aiden-Model-Name", binding.Model)
	}
	if binding.Endpoint != "" {
		req.Header.Set("Aiden-Endpoint", binding.Endpoint)
	}
	if binding.Provider != "" {
		req.Header.Set("Aiden-Model-Provider", binding.Provider)
	}
	if binding.APIKey != "" {
		// Custom user-supplied model.
		req.Header.Set("Aiden-Model-Api-Key", binding.APIKey)
	}
	return req, nil
}

// openStream issues a streaming POST and returns the raw response. Status
// and content-type checks are the stream session's job so it can capture
// diagnostics per its error taxonomy.
func (c *Client) openStream(ctx context.Context, url string, body any, binding model.ModelBinding) (*http.Response, error) {
	req, err := c.newRequest(ctx, url, body, binding)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// postJSON issues a non-streaming POST and decodes {message:{content}}.
func (c *Client) postJSON(ctx context.Context, url string, body any, binding model.ModelBinding) (string, *http.Response, error) {
	req, err := c.newRequest(ctx, url, body, binding)
	if err != nil {
		return "", nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return "", resp, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", resp, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded nonStreamResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", resp, fmt.Errorf("decode response: %w", err)
	}
	return decoded.Message.Content, resp, nil
}

// Chat performs a non-streaming chat exchange (stream: false fallback).
func (c *Client) Chat(ctx context.Context, binding model.ModelBinding, messages []model.RequestMessage) (string, *http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.TimeoutFor(binding))
	defer cancel()
	return c.postJSON(ctx, c.ChatURL(), chatPayload{Messages: messages}, binding)
}
