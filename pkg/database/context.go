package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// TenantScopeKey is the context key for storing the tenant-scoped database connection.
	TenantScopeKey contextKey = "tenantScope"
)

// GetTenantScope retrieves the tenant-scoped database connection from context.
// Returns nil and false if not present.
func GetTenantScope(ctx context.Context) (*TenantScope, bool) {
	scope, ok := ctx.Value(TenantScopeKey).(*TenantScope)
	return scope, ok && scope != nil
}

// SetTenantScope stores the tenant-scoped database connection in context.
func SetTenantScope(ctx context.Context, scope *TenantScope) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// TenantScoper opens organization-scoped contexts.
type TenantScoper interface {
	WithTenantScope(ctx context.Context, organizationID uuid.UUID) (context.Context, func(), error)
}

// TenantScopeProvider creates tenant-scoped contexts for database operations.
type TenantScopeProvider struct {
	db *DB
}

// NewTenantScopeProvider creates a TenantScopeProvider for the given database.
func NewTenantScopeProvider(db *DB) *TenantScopeProvider {
	return &TenantScopeProvider{db: db}
}

// WithTenantScope returns a context with tenant scope set for the given organization.
// If ctx already carries a scope for the same organization it is reused.
// The cleanup function must be called when the scope is no longer needed.
func (p *TenantScopeProvider) WithTenantScope(ctx context.Context, organizationID uuid.UUID) (context.Context, func(), error) {
	if existing, ok := GetTenantScope(ctx); ok && existing.OrganizationID == organizationID {
		return ctx, func() {}, nil
	}

	scope, err := p.db.WithTenant(ctx, organizationID)
	if err != nil {
		return nil, nil, err
	}
	tenantCtx := SetTenantScope(ctx, scope)
	return tenantCtx, func() { scope.Close() }, nil
}

var _ TenantScoper = (*TenantScopeProvider)(nil)
