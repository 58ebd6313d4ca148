package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/auth"
	"github.com/knowted/knowted-gateway/pkg/models"
	"github.com/knowted/knowted-gateway/pkg/services"
)

// AIFeedbackHandler accepts end-user ratings of assistant messages.
type AIFeedbackHandler struct {
	feedbackService services.FeedbackService
	logger          *zap.Logger
}

// NewAIFeedbackHandler creates a new feedback handler.
func NewAIFeedbackHandler(feedbackService services.FeedbackService, logger *zap.Logger) *AIFeedbackHandler {
	return &AIFeedbackHandler{
		feedbackService: feedbackService,
		logger:          logger,
	}
}

// RegisterRoutes registers the feedback handler's routes on the given mux.
func (h *AIFeedbackHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/v1/ai-feedback",
		authMiddleware.RequireOrganization("organization_id")(h.Create))
}

// Create handles POST /api/v1/ai-feedback?organization_id=...
// Correlation misses and trace-service failures are reported in the response
// body with success=false, not as HTTP errors.
func (h *AIFeedbackHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, orgID, err := auth.ExtractClaimsFromContext(r.Context())
	if err != nil {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if orgID == "" {
		orgID = r.URL.Query().Get("organization_id")
	}

	var rec models.FeedbackRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBodySize)).Decode(&rec); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if err := rec.Validate(); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error()); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	resp := h.feedbackService.Create(r.Context(), &rec, userID, orgID)

	if err := WriteJSON(w, http.StatusCreated, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
