package database

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/auth"
)

// WithTenantContext creates middleware that sets up an organization-scoped DB
// connection. It runs AFTER auth middleware and takes the organization from the
// token claims, falling back to the organization_id query parameter.
// The connection is automatically cleaned up after the handler returns.
func WithTenantContext(scoper TenantScoper, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			orgIDStr := auth.GetOrganizationIDFromContext(r.Context())
			if orgIDStr == "" {
				orgIDStr = r.URL.Query().Get("organization_id")
			}
			if orgIDStr == "" {
				writeError(w, http.StatusBadRequest, "bad_request", "Missing organization ID")
				return
			}

			orgID, err := uuid.Parse(orgIDStr)
			if err != nil {
				logger.Warn("Invalid organization ID format",
					zap.String("organization_id", orgIDStr),
					zap.Error(err))
				writeError(w, http.StatusBadRequest, "invalid_organization_id", "Invalid organization ID format")
				return
			}

			ctx, cleanup, err := scoper.WithTenantScope(r.Context(), orgID)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("organization_id", orgID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer cleanup()

			next(w, r.WithContext(ctx))
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
