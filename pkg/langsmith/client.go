// Package langsmith provides a client for the LangSmith trace-analytics API.
package langsmith

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/logging"
)

// DefaultTimeout is the maximum time to wait for a feedback submission.
const DefaultTimeout = 10 * time.Second

// DefaultFeedbackKey is the feedback key used when none is given.
const DefaultFeedbackKey = "user_feedback"

// InternalRunIDPrefix marks agent-runtime run ids, which LangSmith does not know.
const InternalRunIDPrefix = "lc_run--"

// FeedbackRequest is a feedback record addressed to a run or trace.
type FeedbackRequest struct {
	RunID      string
	TraceID    string
	Key        string
	Score      int
	Comment    string
	Correction string
	// UserID and SourceInfo populate feedback_source.
	UserID     string
	SourceInfo map[string]any
}

type feedbackSource struct {
	Type     string         `json:"type"`
	UserID   string         `json:"user_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type feedbackPayload struct {
	RunID          string          `json:"run_id,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	Key            string          `json:"key"`
	Score          int             `json:"score"`
	Value          int             `json:"value,omitempty"`
	Comment        string          `json:"comment,omitempty"`
	Correction     string          `json:"correction,omitempty"`
	FeedbackSource *feedbackSource `json:"feedback_source,omitempty"`
}

// FeedbackCreator submits feedback records.
type FeedbackCreator interface {
	CreateFeedback(ctx context.Context, req FeedbackRequest) string
}

// Client provides access to the LangSmith API.
type Client struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a LangSmith client. An empty apiKey yields a client whose
// CreateFeedback is a no-op.
func NewClient(apiURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	logger = logger.Named("langsmith")
	if apiKey == "" {
		logger.Warn("LangSmith API key not configured; feedback will not be forwarded")
	}
	return &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// CreateFeedback posts a feedback record and returns its LangSmith id.
// It returns "" when the client is unconfigured, when neither id is known,
// when the run id is an agent-runtime id, or when the call fails. Failures
// are logged, never returned.
func (c *Client) CreateFeedback(ctx context.Context, req FeedbackRequest) string {
	if !c.IsConfigured() {
		c.logger.Debug("LangSmith not configured, skipping feedback submission")
		return ""
	}

	if req.RunID == "" && req.TraceID == "" {
		c.logger.Warn("Cannot create feedback: missing run_id and trace_id")
		return ""
	}

	if strings.HasPrefix(req.RunID, InternalRunIDPrefix) {
		c.logger.Debug("Skipping feedback: run id is an agent-runtime id",
			zap.String("run_id", req.RunID))
		return ""
	}

	payload := buildPayload(req)

	id, err := c.postFeedback(ctx, payload)
	if err != nil {
		c.logger.Error("Failed to create feedback in LangSmith",
			zap.String("run_id", req.RunID),
			zap.String("trace_id", req.TraceID),
			zap.String("error", logging.SanitizeError(err)))
		return ""
	}

	if id != "" {
		c.logger.Info("Feedback created in LangSmith", zap.String("feedback_id", id))
	}
	return id
}

func buildPayload(req FeedbackRequest) *feedbackPayload {
	key := req.Key
	if key == "" {
		key = DefaultFeedbackKey
	}

	return &feedbackPayload{
		RunID:      req.RunID,
		TraceID:    req.TraceID,
		Key:        key,
		Score:      req.Score,
		Value:      req.Score,
		Comment:    req.Comment,
		Correction: req.Correction,
		FeedbackSource: &feedbackSource{
			Type:     "api",
			UserID:   req.UserID,
			Metadata: req.SourceInfo,
		},
	}
}

func (c *Client) postFeedback(ctx context.Context, payload *feedbackPayload) (string, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api URL: %w", err)
	}
	endpoint := u.JoinPath("api", "v1", "feedback").String()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode feedback: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Debug("Sending feedback to LangSmith",
		zap.String("url", endpoint),
		zap.String("run_id", payload.RunID),
		zap.String("trace_id", payload.TraceID),
		zap.Int("score", payload.Score))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to call langsmith: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("langsmith returned status %d: %s", resp.StatusCode,
			logging.TruncateString(logging.SanitizeText(string(data)), logging.MaxBodyLogLength))
	}

	var response struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return response.ID, nil
}

// Ensure Client implements FeedbackCreator at compile time.
var _ FeedbackCreator = (*Client)(nil)
