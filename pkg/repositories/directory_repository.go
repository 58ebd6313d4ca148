package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knowted/knowted-gateway/pkg/apperrors"
	"github.com/knowted/knowted-gateway/pkg/database"
	"github.com/knowted/knowted-gateway/pkg/models"
)

// DirectoryRepository reads organizations, teams, profiles and memberships.
// All methods require an organization-scoped tenant connection in ctx.
type DirectoryRepository interface {
	// GetMembership returns the user's active membership in the scoped
	// organization, or nil when there is none.
	GetMembership(ctx context.Context, userID, organizationID uuid.UUID) (*models.Membership, error)
	GetOrganization(ctx context.Context, organizationID uuid.UUID) (*models.Organization, error)
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
	// ListUserTeams returns the teams the user belongs to in the organization.
	ListUserTeams(ctx context.Context, userID, organizationID uuid.UUID) ([]*models.Team, error)
}

type directoryRepository struct{}

// NewDirectoryRepository creates a new directory repository.
func NewDirectoryRepository() DirectoryRepository {
	return &directoryRepository{}
}

func (r *directoryRepository) GetMembership(ctx context.Context, userID, organizationID uuid.UUID) (*models.Membership, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT uo.user_id, uo.organization_id, uo.team_id, COALESCE(t.name, ''), uo.is_active, uo.created_at
		FROM user_organizations uo
		LEFT JOIN teams t ON t.id = uo.team_id
		WHERE uo.user_id = $1 AND uo.organization_id = $2 AND uo.is_active`

	var m models.Membership
	var teamID *uuid.UUID
	err := scope.Conn.QueryRow(ctx, query, userID, organizationID).Scan(
		&m.UserID,
		&m.OrganizationID,
		&teamID,
		&m.TeamName,
		&m.IsActive,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	if teamID != nil {
		m.TeamID = *teamID
	}

	return &m, nil
}

func (r *directoryRepository) GetOrganization(ctx context.Context, organizationID uuid.UUID) (*models.Organization, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `SELECT id, name, created_at FROM organizations WHERE id = $1`

	var org models.Organization
	err := scope.Conn.QueryRow(ctx, query, organizationID).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return &org, nil
}

func (r *directoryRepository) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, '')
		FROM profiles
		WHERE id = $1`

	var p models.Profile
	err := scope.Conn.QueryRow(ctx, query, userID).Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return &p, nil
}

func (r *directoryRepository) ListUserTeams(ctx context.Context, userID, organizationID uuid.UUID) ([]*models.Team, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT t.id, t.organization_id, t.name, COALESCE(t.description, '')
		FROM user_organizations uo
		JOIN teams t ON t.id = uo.team_id
		WHERE uo.user_id = $1 AND uo.organization_id = $2 AND uo.is_active
		ORDER BY t.name`

	rows, err := scope.Conn.Query(ctx, query, userID, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	teams := make([]*models.Team, 0)
	for rows.Next() {
		var t models.Team
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Description); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating teams: %w", err)
	}

	return teams, nil
}

// Ensure directoryRepository implements DirectoryRepository at compile time.
var _ DirectoryRepository = (*directoryRepository)(nil)
