package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/langsmith"
	"github.com/knowted/knowted-gateway/pkg/logging"
	"github.com/knowted/knowted-gateway/pkg/models"
)

// Messages reported back to the feedback caller.
const (
	MessageFeedbackSubmitted = "Feedback successfully submitted to LangSmith"
	MessageFeedbackFailed    = "Failed to submit feedback to LangSmith. Check logs for details."
	MessageTraceNotFound     = "Could not find LangSmith trace/run ID. Make sure LangSmith tracing is enabled."
)

// FeedbackService forwards end-user ratings to the trace-analytics service.
type FeedbackService interface {
	// Create never fails: correlation misses and submission failures are
	// reported in the response with Success false.
	Create(ctx context.Context, rec *models.FeedbackRecord, userID, organizationID string) models.FeedbackResponse
}

type feedbackService struct {
	correlator FeedbackCorrelator
	langsmith  langsmith.FeedbackCreator
	logger     *zap.Logger
}

// NewFeedbackService creates a feedback service.
func NewFeedbackService(correlator FeedbackCorrelator, creator langsmith.FeedbackCreator, logger *zap.Logger) FeedbackService {
	return &feedbackService{
		correlator: correlator,
		langsmith:  creator,
		logger:     logger.Named("ai_feedback"),
	}
}

func (s *feedbackService) Create(ctx context.Context, rec *models.FeedbackRecord, userID, organizationID string) models.FeedbackResponse {
	ids, err := s.correlator.ExtractTraceIDs(ctx, rec.ThreadID, rec.MessageID)
	if err != nil {
		s.logger.Warn("Failed to correlate feedback with a trace",
			zap.String("thread_id", rec.ThreadID),
			zap.String("message_id", rec.MessageID),
			zap.String("error", logging.SanitizeError(err)))
	}

	if ids.IsEmpty() {
		s.logger.Warn("No trace found for feedback",
			zap.String("thread_id", rec.ThreadID),
			zap.String("message_id", rec.MessageID))
		return models.FeedbackResponse{Success: false, Message: MessageTraceNotFound}
	}

	feedbackID := s.langsmith.CreateFeedback(ctx, langsmith.FeedbackRequest{
		RunID:      ids.RunID,
		TraceID:    ids.TraceID,
		Key:        langsmith.DefaultFeedbackKey,
		Score:      rec.Type.Score(),
		Comment:    rec.Comment,
		Correction: rec.Correction,
		UserID:     userID,
		SourceInfo: map[string]any{
			"issue_type":      rec.IssueType,
			"message_id":      rec.MessageID,
			"thread_id":       rec.ThreadID,
			"organization_id": organizationID,
			"user_id":         userID,
		},
	})

	if feedbackID == "" {
		return models.FeedbackResponse{Success: false, Message: MessageFeedbackFailed}
	}

	s.logger.Info("Feedback submitted",
		zap.String("feedback_id", feedbackID),
		zap.String("thread_id", rec.ThreadID),
		zap.String("type", string(rec.Type)))

	return models.FeedbackResponse{
		LangSmithFeedbackID: &feedbackID,
		Success:             true,
		Message:             MessageFeedbackSubmitted,
	}
}

// Ensure feedbackService implements FeedbackService at compile time.
var _ FeedbackService = (*feedbackService)(nil)
