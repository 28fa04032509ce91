package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arttherapy/arthelper/internal/chatstream"
)

var (
	// ErrRateLimited matches APIError values with status 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrQuotaExceeded matches APIError values with status 402.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// defaultReadSize is the buffer used for each body read while streaming.
const defaultReadSize = 4096

// APIError represents a non-2xx response from the chat endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api error: status %d: %s", e.StatusCode, e.Body)
}

// Is lets callers test for rate limits and quota errors with errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrQuotaExceeded:
		return e.StatusCode == http.StatusPaymentRequired
	default:
		return false
	}
}

// Client talks to a chat endpoint: the relay or an OpenAI-compatible gateway.
type Client struct {
	// baseURL points to the chat endpoint.
	baseURL string
	// apiKey is sent as a bearer token, if provided.
	apiKey string
	// httpClient executes requests with timeouts.
	httpClient *http.Client
	// logger records dropped payloads and stream lifecycle.
	logger *zap.Logger
	// maxPayloadRetries is handed to every stream decoder.
	maxPayloadRetries int
	// readSize is the size of each body read while streaming.
	readSize int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxPayloadRetries bounds re-buffering of malformed stream lines.
func WithMaxPayloadRetries(retries int) Option {
	return func(c *Client) {
		c.maxPayloadRetries = retries
	}
}

// WithReadSize sets the per-read buffer size while streaming.
func WithReadSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.readSize = size
		}
	}
}

// NewClient constructs a new client with timeout settings.
func NewClient(baseURL string, apiKey string, timeout time.Duration, opts ...Option) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:            zap.NewNop(),
		maxPayloadRetries: chatstream.DefaultMaxPayloadRetries,
		readSize:          defaultReadSize,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// ChatCompletions executes a non-streaming chat/completions request.
func (c *Client) ChatCompletions(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req == nil {
		return nil, errors.New("chat request is required")
	}
	req.Stream = false

	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}

	var parsed ChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("empty response choices")
	}
	return &parsed, nil
}

// send posts the request and converts non-2xx responses into APIError.
func (c *Client) send(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.completionsURL(),
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send chat request: %w", err)
	}

	// Non-2xx responses never reach the stream decoder.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read error body: %w", readErr)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// completionsURL normalizes the base URL to a chat endpoint.
func (c *Client) completionsURL() string {
	if strings.HasSuffix(c.baseURL, "/chat/completions") || strings.HasSuffix(c.baseURL, "/chat") {
		return c.baseURL
	}
	return c.baseURL + "/chat/completions"
}
