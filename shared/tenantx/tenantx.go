package tenantx

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// TenantContext is the resolved tenant identity for one operation. It is
// installed into the request context by the tenant middleware and re-read on
// every storage call; it must never be stored in a long-lived field.
type TenantContext struct {
	TenantID uuid.UUID
	UserID   *uuid.UUID
}

type contextKey struct{}

func WithTenant(ctx context.Context, tenant TenantContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tenant)
}

func FromContext(ctx context.Context) (TenantContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if t, ok := v.(TenantContext); ok {
			return t, true
		}
	}
	return TenantContext{}, false
}

func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if t, ok := FromContext(ctx); ok {
		return t.TenantID
	}
	return uuid.Nil
}

var (
	ErrTenantNotResolved = errors.New("tenant not resolved")
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrTenantInactive    = errors.New("tenant inactive")
)

const (
	StrategyToken     = "token"
	StrategyHeader    = "header"
	StrategySubdomain = "subdomain"
	StrategyPath      = "path"
)

const TenantStatusActive = "active"

// TenantRecord is what the lookup collaborator returns; Status gates
// resolution for every strategy except the token claim.
type TenantRecord struct {
	ID     uuid.UUID
	Status string
}

type TenantLookup interface {
	LookupTenantByID(ctx context.Context, tenantID uuid.UUID) (TenantRecord, error)
	LookupTenantBySlug(ctx context.Context, slug string) (TenantRecord, error)
}

// Signals carries every tenant hint present on an inbound operation.
// TokenTenantID comes from an already-verified caller token and is trusted
// without a lookup; the other three are caller-controlled and must be
// validated against the tenant directory.
type Signals struct {
	TokenTenantID  string
	HeaderTenantID string
	SubdomainSlug  string
	PathTenantID   string
}

type Resolution struct {
	TenantID uuid.UUID
	Strategy string
}

type Resolver struct {
	Lookup TenantLookup
}

func NewResolver(lookup TenantLookup) *Resolver {
	return &Resolver{Lookup: lookup}
}

// Resolve picks the highest-precedence signal present: token claim, then
// tenant-id header, then subdomain slug, then path parameter. Resolution
// failures are terminal for the operation and are never retried here.
func (r *Resolver) Resolve(ctx context.Context, signals Signals) (Resolution, error) {
	if raw := strings.TrimSpace(signals.TokenTenantID); raw != "" {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			return Resolution{}, ErrTenantNotFound
		}
		return Resolution{TenantID: tenantID, Strategy: StrategyToken}, nil
	}

	if raw := strings.TrimSpace(signals.HeaderTenantID); raw != "" {
		return r.resolveByID(ctx, raw, StrategyHeader)
	}

	if slug := strings.TrimSpace(signals.SubdomainSlug); slug != "" {
		if r.Lookup == nil {
			return Resolution{}, ErrTenantNotResolved
		}
		record, err := r.Lookup.LookupTenantBySlug(ctx, slug)
		if err != nil {
			return Resolution{}, err
		}
		if record.Status != TenantStatusActive {
			return Resolution{}, ErrTenantInactive
		}
		return Resolution{TenantID: record.ID, Strategy: StrategySubdomain}, nil
	}

	if raw := strings.TrimSpace(signals.PathTenantID); raw != "" {
		return r.resolveByID(ctx, raw, StrategyPath)
	}

	return Resolution{}, ErrTenantNotResolved
}

func (r *Resolver) resolveByID(ctx context.Context, raw string, strategy string) (Resolution, error) {
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		return Resolution{}, ErrTenantNotFound
	}
	if r.Lookup == nil {
		return Resolution{}, ErrTenantNotResolved
	}
	record, err := r.Lookup.LookupTenantByID(ctx, tenantID)
	if err != nil {
		return Resolution{}, err
	}
	if record.Status != TenantStatusActive {
		return Resolution{}, ErrTenantInactive
	}
	return Resolution{TenantID: record.ID, Strategy: strategy}, nil
}

// SlugFromHost extracts the tenant slug from a subdomain-style host such as
// "bluefin.dinehub.io". The base domain itself, hosts outside the base
// domain, and nested subdomains yield "".
func SlugFromHost(host string, baseDomain string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	baseDomain = strings.ToLower(strings.TrimSpace(baseDomain))
	if host == "" || baseDomain == "" {
		return ""
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if host == baseDomain {
		return ""
	}
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	sub := strings.TrimSuffix(host, suffix)
	if sub == "" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}
