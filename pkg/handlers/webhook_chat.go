package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/apperrors"
	"github.com/knowted/knowted-gateway/pkg/auth"
	"github.com/knowted/knowted-gateway/pkg/models"
	"github.com/knowted/knowted-gateway/pkg/services"
)

// TenantMiddleware wraps a handler with an organization-scoped database connection.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// WebhookChatHandler serves the buffered webhook chat.
type WebhookChatHandler struct {
	chatService services.WebhookChatService
	logger      *zap.Logger
}

// NewWebhookChatHandler creates a new webhook chat handler.
func NewWebhookChatHandler(chatService services.WebhookChatService, logger *zap.Logger) *WebhookChatHandler {
	return &WebhookChatHandler{
		chatService: chatService,
		logger:      logger,
	}
}

// RegisterRoutes registers the chat handler's routes on the given mux.
func (h *WebhookChatHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("POST /api/v1/ai/chat",
		authMiddleware.RequireOrganization("organization_id")(tenantMiddleware(h.Send)))
}

// Send handles POST /api/v1/ai/chat
func (h *WebhookChatHandler) Send(w http.ResponseWriter, r *http.Request) {
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

	var req models.WebhookChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBodySize)).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	result, err := h.chatService.Send(r.Context(), userID, orgID, &req)
	if err != nil {
		status, code, message := webhookErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Webhook chat failed",
				zap.String("session_id", req.SessionID),
				zap.Error(err))
		}
		if err := ErrorResponse(w, status, code, message); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func webhookErrorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden, "forbidden", "Access to this conversation is not allowed"
	case errors.Is(err, apperrors.ErrMisconfigured):
		return http.StatusServiceUnavailable, "not_configured", "Chat webhook is not configured"
	case errors.Is(err, services.ErrWebhookFailed):
		return http.StatusBadGateway, "webhook_failed", "Chat webhook request failed"
	default:
		return http.StatusInternalServerError, "chat_failed", "Failed to process chat message"
	}
}
