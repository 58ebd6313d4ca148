package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/knowted/knowted-gateway/pkg/auth"
	"github.com/knowted/knowted-gateway/pkg/middleware"
)

// setupTestLogger creates a test logger with an observer to capture log entries.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger, recorded
}

func TestNewSecurityAuditor(t *testing.T) {
	logger, _ := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	assert.NotNil(t, auditor)
	assert.NotNil(t, auditor.logger)
}

func TestLogMembershipDenied(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	ctx := middleware.WithRequestID(context.Background(), "req-1")
	auditor.LogMembershipDenied(ctx, MembershipEvent{
		UserID:         "user-1",
		OrganizationID: "org-1",
		ThreadID:       "thread-1",
		ClientIP:       "10.0.0.1",
	})

	logs := recorded.All()
	require.Len(t, logs, 1)
	entry := logs[0]

	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "security_audit", entry.LoggerName)
	assert.Equal(t, "Organization membership denied", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "membership_denied", fields["event_type"])
	assert.Equal(t, "critical", fields["severity"])
	assert.Equal(t, "req-1", fields["request_id"])

	var event SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(fields["event_json"].(string)), &event))
	assert.Equal(t, EventMembershipDenied, event.EventType)
	assert.Equal(t, "org-1", event.OrganizationID)
	assert.Equal(t, "thread-1", event.ThreadID)
	assert.Equal(t, "user-1", event.UserID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestLogMembershipLookupFailed_UserFromContext(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	claims := &auth.Claims{}
	claims.Subject = "user-ctx"
	ctx := auth.WithClaims(context.Background(), claims, "token")

	auditor.LogMembershipLookupFailed(ctx, MembershipEvent{OrganizationID: "org-1"}, "connection reset")

	logs := recorded.All()
	require.Len(t, logs, 1)

	fields := logs[0].ContextMap()
	assert.Equal(t, "user-ctx", fields["user_id"])
	assert.Equal(t, "warning", fields["severity"])

	var event SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(fields["event_json"].(string)), &event))
	details, ok := event.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "connection reset", details["error"])
}

func TestLogBodyOrganizationUsed(t *testing.T) {
	logger, recorded := setupTestLogger(t)
	auditor := NewSecurityAuditor(logger)

	auditor.LogBodyOrganizationUsed(context.Background(), MembershipEvent{UserID: "u", OrganizationID: "o"})

	logs := recorded.All()
	require.Len(t, logs, 1)
	assert.Equal(t, zapcore.InfoLevel, logs[0].Level)
	assert.Equal(t, "body_organization_used", logs[0].ContextMap()["event_type"])
}
