package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/apperrors"
	"github.com/knowted/knowted-gateway/pkg/logging"
	"github.com/knowted/knowted-gateway/pkg/middleware"
	"github.com/knowted/knowted-gateway/pkg/models"
	"github.com/knowted/knowted-gateway/pkg/repositories"
)

// ErrWebhookFailed marks a chat webhook that could not be reached or answered
// with a non-2xx status.
var ErrWebhookFailed = errors.New("chat webhook failed")

// DefaultWebhookTimeout bounds one webhook exchange when no timeout is configured.
const DefaultWebhookTimeout = 2 * time.Minute

const (
	maxWebhookLineSize = 1 << 20
	maxWebhookBodySize = 4 << 20
)

// WebhookChatService relays chat messages to an external workflow webhook
// that answers with one JSON document or a stream of JSON lines.
type WebhookChatService interface {
	// Send stores the caller's message, forwards it to the webhook and returns
	// the reply. The context must carry a tenant scope for organizationID.
	Send(ctx context.Context, userID, organizationID string, req *models.WebhookChatRequest) (*models.WebhookChatResult, error)
}

type webhookChatService struct {
	url           string
	httpClient    *http.Client
	conversations repositories.ConversationRepository
	directory     DirectoryService
	accumulator   ResponseAccumulator
	logger        *zap.Logger
}

// NewWebhookChatService creates a webhook chat service. An empty url makes
// every Send fail with apperrors.ErrMisconfigured.
func NewWebhookChatService(
	url string,
	timeout time.Duration,
	conversations repositories.ConversationRepository,
	directory DirectoryService,
	accumulator ResponseAccumulator,
	logger *zap.Logger,
) WebhookChatService {
	if timeout == 0 {
		timeout = DefaultWebhookTimeout
	}
	return &webhookChatService{
		url: url,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &middleware.PropagatingTransport{Base: http.DefaultTransport},
		},
		conversations: conversations,
		directory:     directory,
		accumulator:   accumulator,
		logger:        logger.Named("webhook_chat"),
	}
}

// webhookExchange tracks one Send call's reply as it arrives.
type webhookExchange struct {
	// key is unique per Send so concurrent exchanges in one session never
	// share an accumulator entry.
	key       string
	sessionID uuid.UUID
	profileID uuid.UUID
	final     []models.WebhookOutput
	content   string
	complete  bool
}

func (s *webhookChatService) Send(ctx context.Context, userID, organizationID string, req *models.WebhookChatRequest) (*models.WebhookChatResult, error) {
	if s.url == "" {
		return nil, fmt.Errorf("chat webhook url is not configured: %w", apperrors.ErrMisconfigured)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required: %w", apperrors.ErrInvalidInput)
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("sessionId must be a UUID: %w", apperrors.ErrInvalidInput)
	}
	profileID, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("user id is not a UUID: %w", apperrors.ErrForbidden)
	}

	if err := s.conversations.AppendMessage(ctx, profileID,
		models.NewConversationMessage(sessionID, models.MessageRoleHuman, req.Message)); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	payload := &models.WebhookPayload{
		Message:          req.Message,
		SessionID:        req.SessionID,
		ConversationID:   req.SessionID,
		OrganizationID:   organizationID,
		UserID:           userID,
		SystemPrompt:     req.SystemPrompt,
		SelectedMeetings: req.SelectedMeetings,
	}
	payload.UserProfile, payload.UserTeams, payload.Organization = s.directory.WebhookContext(ctx, userID, organizationID)

	s.logger.Info("Sending message to chat webhook",
		zap.String("session_id", req.SessionID),
		zap.Bool("has_profile", payload.UserProfile != nil),
		zap.Int("teams", len(payload.UserTeams)),
		zap.Bool("has_organization", payload.Organization != nil))

	resp, err := s.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	ex := &webhookExchange{
		key:       exchangeKey(sessionID),
		sessionID: sessionID,
		profileID: profileID,
	}
	if isLineStream(resp.Header.Get("Content-Type")) {
		if err := s.readStream(ctx, ex, resp.Body); err != nil {
			return nil, err
		}
	} else {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBodySize))
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook response: %w", errors.Join(ErrWebhookFailed, err))
		}
		s.processLine(ctx, ex, data, true)
	}

	// The stream ended without a completion marker: whatever arrived is the reply.
	if !ex.complete {
		if err := s.finish(ctx, ex); err != nil {
			return nil, err
		}
		if ex.content != "" {
			ex.final = []models.WebhookOutput{{Output: ex.content}}
		}
	}

	responses := ex.final
	if responses == nil {
		responses = []models.WebhookOutput{}
	}
	return &models.WebhookChatResult{
		Responses:  responses,
		IsComplete: ex.complete,
		SessionID:  req.SessionID,
		Content:    ex.content,
	}, nil
}

func (s *webhookChatService) post(ctx context.Context, payload *models.WebhookPayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		s.logger.Error("Chat webhook request failed", zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("%w: %s", ErrWebhookFailed, logging.SanitizeError(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxWebhookBodySize))
		resp.Body.Close()
		s.logger.Error("Chat webhook returned an error status", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: webhook responded with status: %d", ErrWebhookFailed, resp.StatusCode)
	}
	return resp, nil
}

func (s *webhookChatService) readStream(ctx context.Context, ex *webhookExchange, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxWebhookLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(line) == 0 {
			continue
		}
		s.processLine(ctx, ex, line, false)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read webhook stream: %w", errors.Join(ErrWebhookFailed, err))
	}
	return nil
}

// processLine handles one JSON document of the reply. Documents in a stream
// complete the reply only when they say so; a plain JSON reply always does.
func (s *webhookChatService) processLine(ctx context.Context, ex *webhookExchange, line []byte, alwaysComplete bool) {
	var data any
	if err := json.Unmarshal(line, &data); err != nil {
		s.logger.Warn("Failed to parse webhook response line",
			zap.String("line", logging.TruncateString(string(line), logging.MaxBodyLogLength)))
		return
	}

	outputs, ok := parseWebhookOutputs(data)
	if !ok {
		s.logger.Warn("Unrecognized webhook response format",
			zap.String("line", logging.TruncateString(string(line), logging.MaxBodyLogLength)))
		return
	}

	texts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		texts = append(texts, o.Output)
	}
	if err := s.accumulator.Append(ctx, ex.key, strings.Join(texts, " ")); err != nil {
		s.logger.Warn("Failed to accumulate webhook reply", zap.String("exchange", ex.key), zap.Error(err))
	}

	if !alwaysComplete && !isCompletionMarker(data) {
		return
	}

	if err := s.finish(ctx, ex); err != nil {
		s.logger.Warn("Failed to complete webhook reply", zap.String("exchange", ex.key), zap.Error(err))
		return
	}
	ex.final = outputs
	ex.complete = true
}

// exchangeKey names the accumulator entry of one Send call.
func exchangeKey(sessionID uuid.UUID) string {
	return sessionID.String() + ":" + uuid.NewString()
}

// finish takes the accumulated reply out of the accumulator and stores it as
// the assistant's message. A failed save is logged; the reply is still returned.
func (s *webhookChatService) finish(ctx context.Context, ex *webhookExchange) error {
	text, err := s.accumulator.Complete(ctx, ex.key)
	if err != nil {
		return err
	}
	ex.content = text
	if text == "" {
		return nil
	}

	msg := models.NewConversationMessage(ex.sessionID, models.MessageRoleAI, text)
	if err := s.conversations.AppendMessage(ctx, ex.profileID, msg); err != nil {
		s.logger.Error("Failed to save assistant reply",
			zap.String("session_id", ex.sessionID.String()),
			zap.Error(err))
		return nil
	}

	s.logger.Info("Saved assistant reply",
		zap.String("session_id", ex.sessionID.String()),
		zap.Int("length", len(text)))
	return nil
}

// parseWebhookOutputs accepts [{output}], {responses: [{output}]}, {output} or
// a bare string.
func parseWebhookOutputs(data any) ([]models.WebhookOutput, bool) {
	switch v := data.(type) {
	case []any:
		return outputsFromList(v), true
	case map[string]any:
		if list, ok := v["responses"].([]any); ok {
			return outputsFromList(list), true
		}
		if out, ok := v["output"].(string); ok && out != "" {
			return []models.WebhookOutput{{Output: out}}, true
		}
		return nil, false
	case string:
		return []models.WebhookOutput{{Output: v}}, true
	default:
		return nil, false
	}
}

func outputsFromList(list []any) []models.WebhookOutput {
	outputs := make([]models.WebhookOutput, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case map[string]any:
			if out, ok := v["output"].(string); ok {
				outputs = append(outputs, models.WebhookOutput{Output: out})
			}
		case string:
			outputs = append(outputs, models.WebhookOutput{Output: v})
		}
	}
	return outputs
}

func isCompletionMarker(data any) bool {
	m, ok := data.(map[string]any)
	if !ok {
		return false
	}
	for _, key := range []string{"isComplete", "done"} {
		if b, ok := m[key].(bool); ok && b {
			return true
		}
	}
	return false
}

func isLineStream(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream") ||
		strings.Contains(contentType, "application/x-ndjson") ||
		strings.Contains(contentType, "application/jsonl")
}

// Ensure webhookChatService implements WebhookChatService at compile time.
var _ WebhookChatService = (*webhookChatService)(nil)
