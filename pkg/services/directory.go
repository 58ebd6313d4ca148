package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/pkg/apperrors"
	"github.com/knowted/knowted-gateway/pkg/database"
	"github.com/knowted/knowted-gateway/pkg/models"
	"github.com/knowted/knowted-gateway/pkg/repositories"
)

// LookupResult is the outcome of a best-effort name lookup.
// Exactly one of Value or Skipped is meaningful: a skipped lookup carries the
// reason and its field is omitted from the run config.
type LookupResult struct {
	Value   string
	Skipped bool
	Reason  string
}

// Found returns a successful lookup.
func Found(value string) LookupResult {
	return LookupResult{Value: value}
}

// Skipped returns a lookup that produced nothing.
func Skipped(reason string) LookupResult {
	return LookupResult{Skipped: true, Reason: reason}
}

// DirectoryService answers identity questions about users and organizations.
type DirectoryService interface {
	// GetMembership returns the user's membership, nil when the user is not a
	// member (including when either id is not a UUID), or an error when the
	// lookup failed.
	GetMembership(ctx context.Context, userID, organizationID string) (*models.Membership, error)
	OrganizationName(ctx context.Context, organizationID string) LookupResult
	UserDisplayName(ctx context.Context, userID, organizationID string) LookupResult
	// WebhookContext returns the profile, teams and organization sent along
	// with a webhook chat message. Missing pieces are nil.
	WebhookContext(ctx context.Context, userID, organizationID string) (*models.WebhookUserProfile, []models.WebhookTeam, *models.WebhookOrganization)
}

type directoryService struct {
	repo   repositories.DirectoryRepository
	scoper database.TenantScoper
	logger *zap.Logger
}

// NewDirectoryService creates a directory service. Every lookup runs inside an
// organization-scoped connection obtained from scoper.
func NewDirectoryService(repo repositories.DirectoryRepository, scoper database.TenantScoper, logger *zap.Logger) DirectoryService {
	return &directoryService{
		repo:   repo,
		scoper: scoper,
		logger: logger.Named("directory"),
	}
}

func (s *directoryService) GetMembership(ctx context.Context, userID, organizationID string) (*models.Membership, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return nil, nil
	}
	oid, err := uuid.Parse(organizationID)
	if err != nil {
		return nil, nil
	}

	ctx, cleanup, err := s.scoper.WithTenantScope(ctx, oid)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer cleanup()

	return s.repo.GetMembership(ctx, uid, oid)
}

func (s *directoryService) OrganizationName(ctx context.Context, organizationID string) LookupResult {
	oid, err := uuid.Parse(organizationID)
	if err != nil {
		return Skipped("organization id is not a UUID")
	}

	ctx, cleanup, err := s.scoper.WithTenantScope(ctx, oid)
	if err != nil {
		return s.skipped("organization", organizationID, err)
	}
	defer cleanup()

	org, err := s.repo.GetOrganization(ctx, oid)
	if err != nil {
		return s.skipped("organization", organizationID, err)
	}
	if org.Name == "" {
		return Skipped("organization has no name")
	}
	return Found(org.Name)
}

func (s *directoryService) UserDisplayName(ctx context.Context, userID, organizationID string) LookupResult {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return Skipped("user id is not a UUID")
	}
	oid, err := uuid.Parse(organizationID)
	if err != nil {
		return Skipped("organization id is not a UUID")
	}

	ctx, cleanup, err := s.scoper.WithTenantScope(ctx, oid)
	if err != nil {
		return s.skipped("profile", userID, err)
	}
	defer cleanup()

	profile, err := s.repo.GetProfile(ctx, uid)
	if err != nil {
		return s.skipped("profile", userID, err)
	}

	name := profile.DisplayName()
	if name == "" {
		return Skipped("profile has no name")
	}
	return Found(name)
}

func (s *directoryService) WebhookContext(ctx context.Context, userID, organizationID string) (*models.WebhookUserProfile, []models.WebhookTeam, *models.WebhookOrganization) {
	uid, uerr := uuid.Parse(userID)
	oid, oerr := uuid.Parse(organizationID)
	if uerr != nil || oerr != nil {
		return nil, nil, nil
	}

	ctx, cleanup, err := s.scoper.WithTenantScope(ctx, oid)
	if err != nil {
		s.logger.Warn("Failed to acquire tenant scope for webhook context",
			zap.String("organization_id", organizationID),
			zap.Error(err))
		return nil, nil, nil
	}
	defer cleanup()

	var profile *models.WebhookUserProfile
	if p, err := s.repo.GetProfile(ctx, uid); err == nil {
		profile = &models.WebhookUserProfile{
			ID:        p.ID.String(),
			Email:     p.Email,
			FirstName: p.FirstName,
			LastName:  p.LastName,
		}
	} else {
		s.logSkip("profile", userID, err)
	}

	var teams []models.WebhookTeam
	if list, err := s.repo.ListUserTeams(ctx, uid, oid); err == nil {
		teams = make([]models.WebhookTeam, 0, len(list))
		for _, t := range list {
			teams = append(teams, models.WebhookTeam{ID: t.ID.String(), Name: t.Name, Description: t.Description})
		}
	} else {
		s.logSkip("teams", userID, err)
	}

	var org *models.WebhookOrganization
	if o, err := s.repo.GetOrganization(ctx, oid); err == nil {
		org = &models.WebhookOrganization{ID: o.ID.String(), Name: o.Name}
	} else {
		s.logSkip("organization", organizationID, err)
	}

	return profile, teams, org
}

func (s *directoryService) skipped(kind, id string, err error) LookupResult {
	s.logSkip(kind, id, err)
	if errors.Is(err, apperrors.ErrNotFound) {
		return Skipped(kind + " not found")
	}
	return Skipped(kind + " lookup failed")
}

func (s *directoryService) logSkip(kind, id string, err error) {
	if errors.Is(err, apperrors.ErrNotFound) {
		s.logger.Debug("Directory record not found", zap.String("kind", kind), zap.String("id", id))
		return
	}
	s.logger.Warn("Directory lookup failed",
		zap.String("kind", kind),
		zap.String("id", id),
		zap.Error(err))
}

// Ensure directoryService implements DirectoryService at compile time.
var _ DirectoryService = (*directoryService)(nil)
