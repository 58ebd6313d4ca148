package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

// createTestToken creates a JWT token for testing (unsigned, for dev mode).
func createTestToken(claims *Claims) string {
	header := map[string]string{
		"alg": "none",
		"typ": "JWT",
	}
	headerJSON, _ := json.Marshal(header)
	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)

	claimsJSON, _ := json.Marshal(claims)
	claimsB64 := base64.RawURLEncoding.EncodeToString(claimsJSON)

	return headerB64 + "." + claimsB64 + "."
}

func signHS256(t *testing.T, claims *Claims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func supabaseClaims(expiresIn time.Duration) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "5f7c1c1e-2b1a-4c7d-9a55-1b7e1f0f7a11",
			Issuer:    "https://project.supabase.co/auth/v1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
		Email: "user@knowted.io",
		Role:  "authenticated",
	}
}

func TestNewValidator_DevMode(t *testing.T) {
	v, err := NewValidator(&ValidatorConfig{EnableVerification: false})
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	defer v.Close()

	if v == nil {
		t.Fatal("expected non-nil validator")
	}
}

func TestValidator_ValidateToken_DevMode(t *testing.T) {
	v, _ := NewValidator(&ValidatorConfig{EnableVerification: false})

	claims, err := v.ValidateToken(createTestToken(supabaseClaims(time.Hour)))
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}

	if claims.Email != "user@knowted.io" {
		t.Errorf("expected Email 'user@knowted.io', got %q", claims.Email)
	}
	if claims.Role != "authenticated" {
		t.Errorf("expected Role 'authenticated', got %q", claims.Role)
	}
}

func TestValidator_ValidateToken_DevModeMissingSubject(t *testing.T) {
	v, _ := NewValidator(&ValidatorConfig{EnableVerification: false})

	c := supabaseClaims(time.Hour)
	c.Subject = ""

	_, err := v.ValidateToken(createTestToken(c))
	if !errors.Is(err, ErrMissingSubject) {
		t.Errorf("expected ErrMissingSubject, got %v", err)
	}
}

func TestValidator_ValidateToken_InvalidFormat(t *testing.T) {
	v, _ := NewValidator(&ValidatorConfig{EnableVerification: false})

	for _, token := range []string{"", "not-a-valid-token", "eyJhbGciOiJub25lIn0.!!!invalid!!!."} {
		if _, err := v.ValidateToken(token); err == nil {
			t.Errorf("expected error for token %q", token)
		}
	}
}

func TestValidator_ValidateToken_HMAC(t *testing.T) {
	v, err := NewValidator(&ValidatorConfig{EnableVerification: true, HMACSecret: testSecret})
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}

	claims, err := v.ValidateToken(signHS256(t, supabaseClaims(time.Hour), testSecret))
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.Subject != "5f7c1c1e-2b1a-4c7d-9a55-1b7e1f0f7a11" {
		t.Errorf("unexpected subject %q", claims.Subject)
	}
}

func TestValidator_ValidateToken_HMACWrongSecret(t *testing.T) {
	v, _ := NewValidator(&ValidatorConfig{EnableVerification: true, HMACSecret: testSecret})

	_, err := v.ValidateToken(signHS256(t, supabaseClaims(time.Hour), "some-other-secret-of-sufficient-length"))
	if err == nil {
		t.Error("expected signature error")
	}
}

func TestValidator_ValidateToken_HMACExpired(t *testing.T) {
	v, _ := NewValidator(&ValidatorConfig{EnableVerification: true, HMACSecret: testSecret})

	_, err := v.ValidateToken(signHS256(t, supabaseClaims(-time.Minute), testSecret))
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestValidator_ValidateToken_HMACWithoutSecret(t *testing.T) {
	v, _ := NewValidator(&ValidatorConfig{EnableVerification: true})

	_, err := v.ValidateToken(signHS256(t, supabaseClaims(time.Hour), testSecret))
	if err == nil {
		t.Error("expected error when no HMAC secret is configured")
	}
}

func TestValidator_ValidateToken_UnsignedRejectedWhenVerifying(t *testing.T) {
	v, _ := NewValidator(&ValidatorConfig{EnableVerification: true, HMACSecret: testSecret})

	_, err := v.ValidateToken(createTestToken(supabaseClaims(time.Hour)))
	if err == nil {
		t.Error("expected alg=none token to be rejected")
	}
}

func TestValidator_ValidateToken_RSAUnknownIssuer(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, supabaseClaims(time.Hour)).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	v, _ := NewValidator(&ValidatorConfig{EnableVerification: true, HMACSecret: testSecret})
	if _, err := v.ValidateToken(token); err == nil {
		t.Error("expected unauthorized issuer error")
	}
}

func TestValidator_Interface(t *testing.T) {
	v, err := NewValidator(&ValidatorConfig{EnableVerification: false})
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}

	var _ TokenValidator = v
}
