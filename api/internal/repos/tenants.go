package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dinehub-restaurant-platform/api/internal/models"
	"dinehub-restaurant-platform/shared/tenantx"
)

type TenantsRepo struct {
	pool *pgxpool.Pool
}

func NewTenantsRepo(pool *pgxpool.Pool) *TenantsRepo {
	return &TenantsRepo{pool: pool}
}

func (r *TenantsRepo) CreateTenant(ctx context.Context, slug string, name string) (models.Tenant, error) {
	var tenant models.Tenant
	err := r.pool.QueryRow(ctx, `
		INSERT INTO tenants (slug, name, status)
		VALUES ($1, $2, 'active')
		RETURNING tenant_id, slug, name, status, created_at
	`, slug, name).Scan(&tenant.TenantID, &tenant.Slug, &tenant.Name, &tenant.Status, &tenant.CreatedAt)
	return tenant, err
}

func (r *TenantsRepo) GetTenantByID(ctx context.Context, tenantID uuid.UUID) (models.Tenant, error) {
	var tenant models.Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, slug, name, status, created_at
		FROM tenants
		WHERE tenant_id = $1
	`, tenantID).Scan(&tenant.TenantID, &tenant.Slug, &tenant.Name, &tenant.Status, &tenant.CreatedAt)
	return tenant, err
}

func (r *TenantsRepo) GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error) {
	var tenant models.Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT tenant_id, slug, name, status, created_at
		FROM tenants
		WHERE slug = $1
	`, slug).Scan(&tenant.TenantID, &tenant.Slug, &tenant.Name, &tenant.Status, &tenant.CreatedAt)
	return tenant, err
}

func (r *TenantsRepo) SetTenantStatus(ctx context.Context, tenantID uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE tenants SET status = $2 WHERE tenant_id = $1
	`, tenantID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// LookupTenantByID / LookupTenantBySlug make TenantsRepo the resolver's
// tenant-lookup collaborator.
func (r *TenantsRepo) LookupTenantByID(ctx context.Context, tenantID uuid.UUID) (tenantx.TenantRecord, error) {
	tenant, err := r.GetTenantByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tenantx.TenantRecord{}, tenantx.ErrTenantNotFound
		}
		return tenantx.TenantRecord{}, err
	}
	return tenantx.TenantRecord{ID: tenant.TenantID, Status: tenant.Status}, nil
}

func (r *TenantsRepo) LookupTenantBySlug(ctx context.Context, slug string) (tenantx.TenantRecord, error) {
	tenant, err := r.GetTenantBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tenantx.TenantRecord{}, tenantx.ErrTenantNotFound
		}
		return tenantx.TenantRecord{}, err
	}
	return tenantx.TenantRecord{ID: tenant.TenantID, Status: tenant.Status}, nil
}
