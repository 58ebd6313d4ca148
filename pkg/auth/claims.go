// Package auth provides JWT-based authentication for knowted-gateway.
// It validates Supabase-issued tokens with the project's HS256 secret, or
// tokens from whitelisted issuers via JWKS endpoints.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for storing the raw JWT token string.
	TokenKey contextKey = "token"
)

// Claims represents the JWT claims structure issued by Supabase.
// It embeds RegisteredClaims for standard JWT fields (sub, iss, exp, etc.)
// and adds the identity fields the gateway forwards to the agent runtime.
type Claims struct {
	jwt.RegisteredClaims
	Email          string         `json:"email,omitempty"`           // User email address
	Role           string         `json:"role,omitempty"`            // Supabase role (authenticated, service_role)
	OrganizationID string         `json:"organization_id,omitempty"` // Active organization, when the issuer sets it
	AppMetadata    map[string]any `json:"app_metadata,omitempty"`    // Supabase app_metadata
}

// Organization returns the caller's organization id.
// The top-level claim wins over app_metadata.organization_id.
func (c *Claims) Organization() string {
	if c.OrganizationID != "" {
		return c.OrganizationID
	}
	if v, ok := c.AppMetadata["organization_id"].(string); ok {
		return v
	}
	return ""
}

// GetClaims retrieves JWT claims from the request context.
// Returns nil and false if claims are not present.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetToken retrieves the raw JWT token string from the request context.
// Returns empty string and false if token is not present.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// WithClaims returns a copy of ctx carrying the claims and raw token.
func WithClaims(ctx context.Context, claims *Claims, token string) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	return context.WithValue(ctx, TokenKey, token)
}

// ExtractClaimsFromContext extracts the user ID and organization ID from JWT claims in context.
// The organization ID may be empty; callers decide whether a request body may supply it.
func ExtractClaimsFromContext(ctx context.Context) (userID string, organizationID string, err error) {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return "", "", fmt.Errorf("authentication required: no claims in context")
	}

	if claims.Subject == "" {
		return "", "", fmt.Errorf("missing user ID in JWT claims")
	}

	return claims.Subject, claims.Organization(), nil
}
