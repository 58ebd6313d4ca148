// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/auth"
	"github.com/knowted/knowted-gateway/pkg/middleware"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventMembershipDenied is logged when a caller targets an organization it does not belong to.
	EventMembershipDenied SecurityEventType = "membership_denied"
	// EventMembershipLookupFailed is logged when membership could not be checked.
	EventMembershipLookupFailed SecurityEventType = "membership_lookup_failure"
	// EventBodyOrganizationUsed is logged when the organization came from the
	// request body instead of the token.
	EventBodyOrganizationUsed SecurityEventType = "body_organization_used"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp      time.Time         `json:"timestamp"`
	EventType      SecurityEventType `json:"event_type"`
	OrganizationID string            `json:"organization_id"`
	ThreadID       string            `json:"thread_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	ClientIP       string            `json:"client_ip,omitempty"`
	Details        any               `json:"details,omitempty"`
	Severity       string            `json:"severity"` // info, warning, critical
}

// MembershipEvent carries the identifiers of a membership decision.
type MembershipEvent struct {
	UserID         string
	OrganizationID string
	ThreadID       string
	ClientIP       string
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogMembershipDenied records a run request rejected because the user is not
// a member of the target organization. Logged at WARN with "critical" severity.
func (a *SecurityAuditor) LogMembershipDenied(ctx context.Context, ev MembershipEvent) {
	a.log(ctx, EventMembershipDenied, ev, nil, "critical", "Organization membership denied")
}

// LogMembershipLookupFailed records a run request rejected because the
// membership check itself failed.
func (a *SecurityAuditor) LogMembershipLookupFailed(ctx context.Context, ev MembershipEvent, errorMessage string) {
	a.log(ctx, EventMembershipLookupFailed, ev, map[string]string{"error": errorMessage}, "warning", "Organization membership lookup failed")
}

// LogBodyOrganizationUsed records that a token without an organization claim
// was scoped by the organization_id in the request body.
func (a *SecurityAuditor) LogBodyOrganizationUsed(ctx context.Context, ev MembershipEvent) {
	a.log(ctx, EventBodyOrganizationUsed, ev, nil, "info", "Organization taken from request body")
}

func (a *SecurityAuditor) log(ctx context.Context, eventType SecurityEventType, ev MembershipEvent, details any, severity, msg string) {
	userID := ev.UserID
	if userID == "" {
		userID = auth.GetUserIDFromContext(ctx)
	}
	requestID := middleware.GetRequestID(ctx)

	event := SecurityEvent{
		Timestamp:      time.Now().UTC(),
		EventType:      eventType,
		OrganizationID: ev.OrganizationID,
		ThreadID:       ev.ThreadID,
		UserID:         userID,
		RequestID:      requestID,
		ClientIP:       ev.ClientIP,
		Details:        details,
		Severity:       severity,
	}

	// Ignoring error as marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	fields := []zap.Field{
		zap.String("event_json", string(eventJSON)),
		zap.String("event_type", string(eventType)),
		zap.String("organization_id", ev.OrganizationID),
		zap.String("thread_id", ev.ThreadID),
		zap.String("user_id", userID),
		zap.String("request_id", requestID),
		zap.String("client_ip", ev.ClientIP),
		zap.String("severity", severity),
	}

	switch severity {
	case "info":
		a.logger.Info(msg, fields...)
	default:
		a.logger.Warn(msg, fields...)
	}
}
