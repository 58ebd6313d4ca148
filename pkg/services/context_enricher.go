package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/apperrors"
	"github.com/knowted/knowted-gateway/pkg/audit"
	"github.com/knowted/knowted-gateway/pkg/logging"
	"github.com/knowted/knowted-gateway/pkg/models"
)

// Messages returned to callers when enrichment rejects a request.
const (
	MessageNotMember              = "User does not belong to this organization"
	MessageMembershipLookupFailed = "Failed to validate user-organization membership"
	MessageMissingServiceSecret   = "INTERNAL_SERVICE_SECRET not configured"
)

// Caller is the authenticated principal of a run request.
type Caller struct {
	UserID         string
	OrganizationID string
	ClientIP       string
}

// RouteParams are the identifiers taken from the request path.
type RouteParams struct {
	AssistantID string
	ThreadID    string
}

// EnrichMode selects how much identity is injected into the run config.
type EnrichMode int

const (
	// EnrichStandard injects organization, user and thread ids.
	EnrichStandard EnrichMode = iota
	// EnrichSDK additionally injects the internal service secret and the
	// organization, team and user display names, and always checks membership.
	EnrichSDK
)

// EnrichError is a rejected enrichment. Kind is apperrors.ErrForbidden or
// apperrors.ErrMisconfigured; Message is safe to show to the caller.
type EnrichError struct {
	Kind    error
	Message string
}

func (e *EnrichError) Error() string { return e.Message }
func (e *EnrichError) Unwrap() error { return e.Kind }

// ContextEnricher fills a run request's config with the caller's identity.
type ContextEnricher interface {
	// Enrich returns a copy of req whose config carries the caller's identity.
	// req itself is not modified.
	Enrich(ctx context.Context, caller Caller, route RouteParams, req *models.RunRequest, mode EnrichMode) (*models.RunRequest, error)
}

type contextEnricher struct {
	directory          DirectoryService
	auditor            *audit.SecurityAuditor
	serviceSecret      string
	defaultAssistantID string
	logger             *zap.Logger
}

// NewContextEnricher creates an enricher. serviceSecret may be empty, in which
// case SDK-mode requests fail with MessageMissingServiceSecret.
func NewContextEnricher(
	directory DirectoryService,
	auditor *audit.SecurityAuditor,
	serviceSecret string,
	defaultAssistantID string,
	logger *zap.Logger,
) ContextEnricher {
	return &contextEnricher{
		directory:          directory,
		auditor:            auditor,
		serviceSecret:      serviceSecret,
		defaultAssistantID: defaultAssistantID,
		logger:             logger.Named("context_enricher"),
	}
}

func (e *contextEnricher) Enrich(ctx context.Context, caller Caller, route RouteParams, req *models.RunRequest, mode EnrichMode) (*models.RunRequest, error) {
	out := *req
	cfg := req.Config.Clone()
	if cfg == nil {
		cfg = &models.RunConfig{}
	}
	out.Config = cfg

	// The token's identity wins; the body only fills what the token lacks.
	orgID := caller.OrganizationID
	orgFromBody := false
	if orgID == "" {
		orgID = cfg.Get(models.ConfigOrganizationID)
		orgFromBody = orgID != ""
	}
	userID := caller.UserID
	if userID == "" {
		userID = cfg.Get(models.ConfigUserID)
	}

	event := audit.MembershipEvent{
		UserID:         userID,
		OrganizationID: orgID,
		ThreadID:       route.ThreadID,
		ClientIP:       caller.ClientIP,
	}

	var membership *models.Membership
	if (mode == EnrichSDK || orgFromBody) && orgID != "" && userID != "" {
		m, err := e.directory.GetMembership(ctx, userID, orgID)
		if err != nil {
			e.logger.Error("Membership lookup failed",
				zap.String("user_id", userID),
				zap.String("organization_id", orgID),
				zap.String("error", logging.SanitizeError(err)))
			e.auditor.LogMembershipLookupFailed(ctx, event, logging.SanitizeError(err))
			return nil, &EnrichError{Kind: apperrors.ErrForbidden, Message: MessageMembershipLookupFailed}
		}
		if m == nil {
			e.auditor.LogMembershipDenied(ctx, event)
			return nil, &EnrichError{Kind: apperrors.ErrForbidden, Message: MessageNotMember}
		}
		membership = m
		if orgFromBody {
			e.auditor.LogBodyOrganizationUsed(ctx, event)
		}
	}

	cfg.Set(models.ConfigOrganizationID, orgID)
	cfg.Set(models.ConfigUserID, userID)
	if route.ThreadID != "" {
		cfg.Set(models.ConfigThreadID, route.ThreadID)
	}

	if mode == EnrichSDK {
		if e.serviceSecret == "" {
			e.logger.Error("Internal service secret is not configured")
			return nil, &EnrichError{Kind: apperrors.ErrMisconfigured, Message: MessageMissingServiceSecret}
		}
		cfg.Set(models.ConfigInternalServiceSecret, e.serviceSecret)
		e.resolveNames(ctx, cfg, userID, orgID, membership)
	}

	out.AssistantID = firstNonEmpty(req.AssistantID, route.AssistantID, e.defaultAssistantID)

	e.logger.Debug("Enriched run request",
		zap.String("thread_id", route.ThreadID),
		zap.String("assistant_id", out.AssistantID),
		zap.String("variant", string(out.Variant)),
		zap.Strings("configurable_keys", logging.SortedKeys(cfg.Configurable)))

	return &out, nil
}

// resolveNames fills display names the caller did not supply. Every lookup is
// best-effort: a skipped lookup leaves its field absent.
func (e *contextEnricher) resolveNames(ctx context.Context, cfg *models.RunConfig, userID, orgID string, membership *models.Membership) {
	if cfg.Get(models.ConfigOrganizationName) == "" && orgID != "" {
		e.apply(cfg, models.ConfigOrganizationName, e.directory.OrganizationName(ctx, orgID))
	}

	if cfg.Get(models.ConfigTeamName) == "" {
		team := Skipped("user has no team")
		if membership != nil && membership.TeamName != "" {
			team = Found(membership.TeamName)
		}
		e.apply(cfg, models.ConfigTeamName, team)
	}

	if cfg.Get(models.ConfigUserName) == "" && userID != "" {
		e.apply(cfg, models.ConfigUserName, e.directory.UserDisplayName(ctx, userID, orgID))
	}
}

func (e *contextEnricher) apply(cfg *models.RunConfig, key string, result LookupResult) {
	if result.Skipped {
		e.logger.Debug("Name lookup skipped", zap.String("key", key), zap.String("reason", result.Reason))
		return
	}
	cfg.Set(key, result.Value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Ensure contextEnricher implements ContextEnricher at compile time.
var _ ContextEnricher = (*contextEnricher)(nil)
