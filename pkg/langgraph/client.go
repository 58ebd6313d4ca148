// Package langgraph provides a client for the LangGraph agent runtime API.
package langgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/logging"
	"github.com/knowted/knowted-gateway/pkg/middleware"
	"github.com/knowted/knowted-gateway/pkg/models"
)

// DefaultTimeout bounds non-streaming calls; agent runs can take minutes.
const DefaultTimeout = 5 * time.Minute

// maxErrorBodyBytes caps how much of a failed response is read.
const maxErrorBodyBytes = 64 << 10

// API is the subset of the agent runtime the gateway uses.
type API interface {
	// BaseURL returns the runtime base URL, for error messages.
	BaseURL() string
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	CreateThread(ctx context.Context, body any) (json.RawMessage, error)
	StreamRun(ctx context.Context, threadID string, body any) (io.ReadCloser, error)
	CreateRun(ctx context.Context, threadID string, body any) (json.RawMessage, error)
	GetThreadState(ctx context.Context, threadID, assistantID string) (json.RawMessage, error)
	GetAssistant(ctx context.Context, assistantID string) (json.RawMessage, error)
	CreateAssistant(ctx context.Context, graphID string) (json.RawMessage, error)
}

// Client provides access to the LangGraph runtime API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// NewClient creates a new runtime client.
// Non-streaming calls use timeout (DefaultTimeout when zero). Streaming calls
// must receive response headers within timeout; the body then runs until the
// caller's context ends.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	streamTransport := http.DefaultTransport.(*http.Transport).Clone()
	streamTransport.ResponseHeaderTimeout = timeout

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &middleware.PropagatingTransport{Base: http.DefaultTransport},
		},
		streamClient: &http.Client{
			Transport: &middleware.PropagatingTransport{Base: streamTransport},
		},
		logger: logger.Named("langgraph"),
	}
}

// BaseURL returns the runtime base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetThread fetches a thread. A missing thread yields a *StatusError with status 404.
func (c *Client) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	body, err := c.doJSON(ctx, http.MethodGet, nil, nil, "threads", threadID)
	if err != nil {
		return nil, err
	}

	thread, err := models.DecodeThread(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse thread: %w", err)
	}
	return thread, nil
}

// CreateThread creates a thread and returns the runtime's response verbatim.
func (c *Client) CreateThread(ctx context.Context, body any) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPost, nil, body, "threads")
}

// StreamRun starts a streaming run. The caller must close the returned body.
func (c *Client) StreamRun(ctx context.Context, threadID string, body any) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, nil, body, "threads", threadID, "runs", "stream")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	c.logger.Debug("Opening run stream",
		zap.String("url", req.URL.String()),
		zap.String("thread_id", threadID))

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call langgraph: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}

	return resp.Body, nil
}

// CreateRun starts a background run and returns the run document.
func (c *Client) CreateRun(ctx context.Context, threadID string, body any) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPost, nil, body, "threads", threadID, "runs")
}

// GetThreadState returns the thread's current state document.
func (c *Client) GetThreadState(ctx context.Context, threadID, assistantID string) (json.RawMessage, error) {
	query := url.Values{}
	if assistantID != "" {
		query.Set("assistant_id", assistantID)
	}
	return c.doJSON(ctx, http.MethodGet, query, nil, "threads", threadID, "state")
}

// GetAssistant fetches an assistant by id.
func (c *Client) GetAssistant(ctx context.Context, assistantID string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodGet, nil, nil, "assistants", assistantID)
}

// CreateAssistant creates an assistant for a graph defined on the runtime.
func (c *Client) CreateAssistant(ctx context.Context, graphID string) (json.RawMessage, error) {
	return c.doJSON(ctx, http.MethodPost, nil, map[string]string{"graph_id": graphID}, "assistants")
}

// doJSON executes a non-streaming request and returns the response body.
func (c *Client) doJSON(ctx context.Context, method string, query url.Values, body any, pathSegments ...string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, method, query, body, pathSegments...)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call langgraph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return data, nil
}

func (c *Client) newRequest(ctx context.Context, method string, query url.Values, body any, pathSegments ...string) (*http.Request, error) {
	endpoint, err := buildURL(c.baseURL, query, pathSegments...)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// statusError reads a capped prefix of a failed response into a StatusError.
func (c *Client) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	serr := parseStatusError(resp.StatusCode, data)

	c.logger.Debug("langgraph returned error",
		zap.String("url", resp.Request.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.String("body", logging.TruncateString(logging.SanitizeText(string(data)), logging.MaxBodyLogLength)))

	return serr
}

// buildURL constructs a URL by parsing the base and appending escaped path segments.
func buildURL(baseURL string, query url.Values, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	escaped := make([]string, len(pathSegments))
	for i, s := range pathSegments {
		escaped[i] = url.PathEscape(s)
	}
	u = u.JoinPath(escaped...)

	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// Ensure Client implements API at compile time.
var _ API = (*Client)(nil)
