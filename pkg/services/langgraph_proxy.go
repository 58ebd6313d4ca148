package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/langgraph"
	"github.com/knowted/knowted-gateway/pkg/logging"
	"github.com/knowted/knowted-gateway/pkg/models"
)

// LangGraphProxyService relays runs and thread operations to the agent runtime.
// Every error it returns is a *langgraph.RelayError.
type LangGraphProxyService interface {
	DefaultAssistantID() string
	// StreamRun ensures the thread exists and opens the run's event stream.
	// The caller must close the returned body.
	StreamRun(ctx context.Context, assistantID, threadID string, req *models.RunRequest) (io.ReadCloser, error)
	CreateRun(ctx context.Context, assistantID, threadID string, req *models.RunRequest) (json.RawMessage, error)
	GetThreadState(ctx context.Context, assistantID, threadID string) (json.RawMessage, error)
	CreateThread(ctx context.Context, req *models.ThreadCreateRequest) (*models.Thread, error)
	// EnsureAssistantExists resolves an assistant reference to an assistant id.
	// UUIDs are verified; anything else is treated as a graph id and an
	// assistant is created for it.
	EnsureAssistantExists(ctx context.Context, assistantID string) (string, error)
}

type langGraphProxyService struct {
	client             langgraph.API
	guarantor          ThreadGuarantor
	defaultAssistantID string
	logger             *zap.Logger
}

// NewLangGraphProxyService creates a proxy service.
func NewLangGraphProxyService(client langgraph.API, guarantor ThreadGuarantor, defaultAssistantID string, logger *zap.Logger) LangGraphProxyService {
	return &langGraphProxyService{
		client:             client,
		guarantor:          guarantor,
		defaultAssistantID: defaultAssistantID,
		logger:             logger.Named("langgraph_proxy"),
	}
}

func (s *langGraphProxyService) DefaultAssistantID() string {
	return s.defaultAssistantID
}

func (s *langGraphProxyService) StreamRun(ctx context.Context, assistantID, threadID string, req *models.RunRequest) (io.ReadCloser, error) {
	body := s.runBody(assistantID, req)

	if err := s.guarantor.EnsureThreadExists(ctx, body.AssistantID, threadID, body.Config); err != nil {
		return nil, s.relayError(err, langgraph.OpStreamRun, body.AssistantID, threadID)
	}

	s.logger.Info("Streaming run",
		zap.String("thread_id", threadID),
		zap.String("assistant_id", body.AssistantID),
		zap.String("variant", string(body.Variant)))

	stream, err := s.client.StreamRun(ctx, threadID, body)
	if err != nil {
		return nil, s.relayError(err, langgraph.OpStreamRun, body.AssistantID, threadID)
	}
	return stream, nil
}

func (s *langGraphProxyService) CreateRun(ctx context.Context, assistantID, threadID string, req *models.RunRequest) (json.RawMessage, error) {
	body := s.runBody(assistantID, req)

	if err := s.guarantor.EnsureThreadExists(ctx, body.AssistantID, threadID, body.Config); err != nil {
		return nil, s.relayError(err, langgraph.OpCreateRun, body.AssistantID, threadID)
	}

	s.logger.Info("Creating run",
		zap.String("thread_id", threadID),
		zap.String("assistant_id", body.AssistantID))

	run, err := s.client.CreateRun(ctx, threadID, body)
	if err != nil {
		return nil, s.relayError(err, langgraph.OpCreateRun, body.AssistantID, threadID)
	}
	return run, nil
}

func (s *langGraphProxyService) GetThreadState(ctx context.Context, assistantID, threadID string) (json.RawMessage, error) {
	if assistantID == "" {
		assistantID = s.defaultAssistantID
	}

	if err := s.guarantor.EnsureThreadExists(ctx, assistantID, threadID, nil); err != nil {
		return nil, s.relayError(err, langgraph.OpThreadState, assistantID, threadID)
	}

	state, err := s.client.GetThreadState(ctx, threadID, assistantID)
	if err != nil {
		return nil, s.relayError(err, langgraph.OpThreadState, assistantID, threadID)
	}
	return state, nil
}

func (s *langGraphProxyService) CreateThread(ctx context.Context, req *models.ThreadCreateRequest) (*models.Thread, error) {
	raw, err := s.client.CreateThread(ctx, req)
	if err != nil {
		return nil, s.relayError(err, langgraph.OpCreateThread, "", "")
	}

	thread, err := models.DecodeThread(raw)
	if err != nil {
		return nil, &langgraph.RelayError{Message: "LangGraph server returned an invalid thread"}
	}
	if thread.ThreadID == "" {
		return nil, &langgraph.RelayError{Message: "LangGraph server did not return a thread id"}
	}

	s.logger.Info("Created thread", zap.String("thread_id", thread.ThreadID))
	return thread, nil
}

func (s *langGraphProxyService) EnsureAssistantExists(ctx context.Context, assistantID string) (string, error) {
	if _, err := uuid.Parse(assistantID); err == nil {
		if _, err := s.client.GetAssistant(ctx, assistantID); err != nil {
			if langgraph.IsNotFound(err) {
				return "", &langgraph.RelayError{
					Message:    fmt.Sprintf("Assistant UUID '%s' not found", assistantID),
					StatusCode: http.StatusNotFound,
				}
			}
			return "", s.relayError(err, langgraph.OpCreateRun, assistantID, "")
		}
		return assistantID, nil
	}

	raw, err := s.client.CreateAssistant(ctx, assistantID)
	if err != nil {
		base := s.client.BaseURL()
		return "", &langgraph.RelayError{
			Message: fmt.Sprintf("Assistant '%s' does not exist and could not be created: %s. "+
				"Please ensure: 1) LangGraph server is running at %s, "+
				"2) The graph '%s' is defined in langgraph.json, "+
				"3) The LangGraph server has loaded the graphs correctly. "+
				"You can check available graphs at %s/docs",
				assistantID, createFailureDetail(err), base, assistantID, base),
		}
	}

	var created struct {
		AssistantID string `json:"assistant_id"`
		ID          string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", &langgraph.RelayError{Message: "LangGraph server returned an invalid assistant"}
	}
	id := firstNonEmpty(created.AssistantID, created.ID)
	if id == "" {
		return "", &langgraph.RelayError{Message: fmt.Sprintf("LangGraph server did not return an id for assistant '%s'", assistantID)}
	}

	if _, err := s.client.GetAssistant(ctx, id); err != nil {
		s.logger.Warn("Assistant was created but verification failed",
			zap.String("assistant_id", id),
			zap.String("error", logging.SanitizeError(err)))
	}

	s.logger.Info("Resolved assistant",
		zap.String("graph_id", assistantID),
		zap.String("assistant_id", id))
	return id, nil
}

// runBody returns the body sent upstream, with assistant_id defaulted.
func (s *langGraphProxyService) runBody(assistantID string, req *models.RunRequest) *models.RunRequest {
	body := *req
	body.AssistantID = firstNonEmpty(req.AssistantID, assistantID, s.defaultAssistantID)
	return &body
}

func (s *langGraphProxyService) relayError(err error, op langgraph.Operation, assistantID, threadID string) error {
	rerr := langgraph.NewRelayError(err, op, assistantID, threadID)
	s.logger.Error("LangGraph call failed",
		zap.String("thread_id", threadID),
		zap.String("assistant_id", assistantID),
		zap.Int("status", rerr.StatusCode),
		zap.String("error", rerr.Message))
	return rerr
}

func asStatusError(err error) (*langgraph.StatusError, bool) {
	var serr *langgraph.StatusError
	ok := errors.As(err, &serr)
	return serr, ok
}

// Ensure langGraphProxyService implements LangGraphProxyService at compile time.
var _ LangGraphProxyService = (*langGraphProxyService)(nil)
