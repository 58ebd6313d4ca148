package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockAuthService is a mock implementation of AuthService for testing.
type mockAuthService struct {
	claims      *Claims
	token       string
	validateErr error
}

func (m *mockAuthService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	if m.validateErr != nil {
		return nil, "", m.validateErr
	}
	return m.claims, m.token, nil
}

func TestMiddleware_RequireAuth_Success(t *testing.T) {
	claims := &Claims{Email: "user@knowted.io"}
	claims.Subject = "user-123"
	middleware := NewMiddleware(&mockAuthService{claims: claims, token: "test-token"}, zap.NewNop())

	var handlerCalled bool
	var ctxClaims *Claims
	var ctxToken string

	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		ctxClaims, _ = GetClaims(r.Context())
		ctxToken, _ = GetToken(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/langgraph/threads", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)

	if !handlerCalled {
		t.Error("expected handler to be called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if ctxClaims == nil || ctxClaims.Subject != "user-123" {
		t.Error("expected claims to be set in context")
	}
	if ctxToken != "test-token" {
		t.Errorf("expected token 'test-token' in context, got %q", ctxToken)
	}
}

func TestMiddleware_RequireAuth_NoOrganizationStillPasses(t *testing.T) {
	middleware := NewMiddleware(&mockAuthService{claims: &Claims{}}, zap.NewNop())

	var handlerCalled bool
	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	})

	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !handlerCalled {
		t.Error("expected handler to be called without an organization claim")
	}
}

func TestMiddleware_RequireAuth_Unauthorized(t *testing.T) {
	middleware := NewMiddleware(&mockAuthService{validateErr: ErrMissingAuthorization}, zap.NewNop())

	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["error"] != "unauthorized" {
		t.Errorf("expected error 'unauthorized', got %q", body["error"])
	}
}

func TestMiddleware_RequireOrganization(t *testing.T) {
	tests := []struct {
		name       string
		claims     *Claims
		target     string
		wantStatus int
	}{
		{
			name:       "organization in token",
			claims:     &Claims{OrganizationID: "org-1"},
			target:     "/api/v1/ai-feedback",
			wantStatus: http.StatusOK,
		},
		{
			name:       "organization in query",
			claims:     &Claims{},
			target:     "/api/v1/ai-feedback?organization_id=org-2",
			wantStatus: http.StatusOK,
		},
		{
			name:       "organization missing",
			claims:     &Claims{},
			target:     "/api/v1/ai-feedback",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			middleware := NewMiddleware(&mockAuthService{claims: tt.claims}, zap.NewNop())
			handler := middleware.RequireOrganization("organization_id")(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodPost, tt.target, nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
