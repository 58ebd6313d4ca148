// Package testhelpers provides utilities for testing knowted-gateway components.
package testhelpers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// GenerateTestJWT creates a test JWT token for use when verification is disabled.
// The token has a valid structure but no signature (alg: none).
func GenerateTestJWT(sub, organizationID, email string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	claims := map[string]any{"sub": sub, "role": "authenticated"}
	if organizationID != "" {
		claims["organization_id"] = organizationID
	}
	if email != "" {
		claims["email"] = email
	}
	payload, _ := json.Marshal(claims)

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	return fmt.Sprintf("%s.%s.", header, encodedPayload)
}
