package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dinehub-restaurant-platform/shared/cachex"
	"dinehub-restaurant-platform/shared/tenantx"
)

// CachedTenantLookup puts a short-TTL Redis cache in front of the tenant
// directory. Only positive lookups are cached; misses and inactive tenants
// always hit the database so a reactivated tenant is visible immediately.
type CachedTenantLookup struct {
	inner tenantx.TenantLookup
	cache *cachex.Client
	ttl   time.Duration
}

func NewCachedTenantLookup(inner tenantx.TenantLookup, cache *cachex.Client, ttl time.Duration) *CachedTenantLookup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedTenantLookup{inner: inner, cache: cache, ttl: ttl}
}

func (l *CachedTenantLookup) LookupTenantByID(ctx context.Context, tenantID uuid.UUID) (tenantx.TenantRecord, error) {
	return l.lookup(ctx, "tenant:id:"+tenantID.String(), func() (tenantx.TenantRecord, error) {
		return l.inner.LookupTenantByID(ctx, tenantID)
	})
}

func (l *CachedTenantLookup) LookupTenantBySlug(ctx context.Context, slug string) (tenantx.TenantRecord, error) {
	return l.lookup(ctx, "tenant:slug:"+slug, func() (tenantx.TenantRecord, error) {
		return l.inner.LookupTenantBySlug(ctx, slug)
	})
}

func (l *CachedTenantLookup) lookup(ctx context.Context, key string, load func() (tenantx.TenantRecord, error)) (tenantx.TenantRecord, error) {
	if l.cache != nil {
		var record tenantx.TenantRecord
		if hit, err := l.cache.GetJSON(ctx, key, &record); err == nil && hit {
			return record, nil
		}
	}
	record, err := load()
	if err != nil {
		return tenantx.TenantRecord{}, err
	}
	if l.cache != nil && record.Status == tenantx.TenantStatusActive {
		_ = l.cache.SetJSON(ctx, key, record, l.ttl)
	}
	return record, nil
}
