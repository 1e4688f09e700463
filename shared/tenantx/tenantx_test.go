package tenantx

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

type fakeLookup struct {
	byID   map[uuid.UUID]TenantRecord
	bySlug map[string]TenantRecord
}

func (f *fakeLookup) LookupTenantByID(_ context.Context, tenantID uuid.UUID) (TenantRecord, error) {
	if record, ok := f.byID[tenantID]; ok {
		return record, nil
	}
	return TenantRecord{}, ErrTenantNotFound
}

func (f *fakeLookup) LookupTenantBySlug(_ context.Context, slug string) (TenantRecord, error) {
	if record, ok := f.bySlug[slug]; ok {
		return record, nil
	}
	return TenantRecord{}, ErrTenantNotFound
}

func TestResolvePrecedence(t *testing.T) {
	tokenTenant := uuid.New()
	headerTenant := uuid.New()
	slugTenant := uuid.New()
	pathTenant := uuid.New()

	lookup := &fakeLookup{
		byID: map[uuid.UUID]TenantRecord{
			headerTenant: {ID: headerTenant, Status: TenantStatusActive},
			pathTenant:   {ID: pathTenant, Status: TenantStatusActive},
		},
		bySlug: map[string]TenantRecord{
			"bluefin": {ID: slugTenant, Status: TenantStatusActive},
		},
	}
	resolver := NewResolver(lookup)

	cases := []struct {
		name         string
		signals      Signals
		wantTenant   uuid.UUID
		wantStrategy string
	}{
		{
			name: "token wins over everything",
			signals: Signals{
				TokenTenantID:  tokenTenant.String(),
				HeaderTenantID: headerTenant.String(),
				SubdomainSlug:  "bluefin",
				PathTenantID:   pathTenant.String(),
			},
			wantTenant:   tokenTenant,
			wantStrategy: StrategyToken,
		},
		{
			name: "header beats subdomain and path",
			signals: Signals{
				HeaderTenantID: headerTenant.String(),
				SubdomainSlug:  "bluefin",
				PathTenantID:   pathTenant.String(),
			},
			wantTenant:   headerTenant,
			wantStrategy: StrategyHeader,
		},
		{
			name: "subdomain beats path",
			signals: Signals{
				SubdomainSlug: "bluefin",
				PathTenantID:  pathTenant.String(),
			},
			wantTenant:   slugTenant,
			wantStrategy: StrategySubdomain,
		},
		{
			name:         "path as last resort",
			signals:      Signals{PathTenantID: pathTenant.String()},
			wantTenant:   pathTenant,
			wantStrategy: StrategyPath,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolver.Resolve(context.Background(), tc.signals)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.TenantID != tc.wantTenant {
				t.Fatalf("tenant = %s, want %s", got.TenantID, tc.wantTenant)
			}
			if got.Strategy != tc.wantStrategy {
				t.Fatalf("strategy = %s, want %s", got.Strategy, tc.wantStrategy)
			}
		})
	}
}

func TestResolveTokenTrustedWithoutLookup(t *testing.T) {
	tokenTenant := uuid.New()
	resolver := NewResolver(nil)
	got, err := resolver.Resolve(context.Background(), Signals{TokenTenantID: tokenTenant.String()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.TenantID != tokenTenant {
		t.Fatalf("tenant = %s, want %s", got.TenantID, tokenTenant)
	}
}

func TestResolveFailures(t *testing.T) {
	suspended := uuid.New()
	lookup := &fakeLookup{
		byID: map[uuid.UUID]TenantRecord{
			suspended: {ID: suspended, Status: "suspended"},
		},
		bySlug: map[string]TenantRecord{},
	}
	resolver := NewResolver(lookup)

	if _, err := resolver.Resolve(context.Background(), Signals{}); !errors.Is(err, ErrTenantNotResolved) {
		t.Fatalf("expected ErrTenantNotResolved, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), Signals{HeaderTenantID: uuid.NewString()}); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), Signals{HeaderTenantID: suspended.String()}); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("expected ErrTenantInactive, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), Signals{SubdomainSlug: "ghost"}); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound for unknown slug, got %v", err)
	}
}

func TestSlugFromHost(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{"bluefin.dinehub.io", "bluefin"},
		{"bluefin.dinehub.io:8443", "bluefin"},
		{"DINEHUB.IO", ""},
		{"dinehub.io", ""},
		{"a.b.dinehub.io", ""},
		{"evil.example.com", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := SlugFromHost(tc.host, "dinehub.io"); got != tc.want {
			t.Fatalf("SlugFromHost(%q) = %q, want %q", tc.host, got, tc.want)
		}
	}
}

func TestTenantContextRoundTrip(t *testing.T) {
	tenantID := uuid.New()
	userID := uuid.New()
	ctx := WithTenant(context.Background(), TenantContext{TenantID: tenantID, UserID: &userID})

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatalf("expected tenant in context")
	}
	if got.TenantID != tenantID || got.UserID == nil || *got.UserID != userID {
		t.Fatalf("unexpected context value: %+v", got)
	}
	if TenantIDFromContext(context.Background()) != uuid.Nil {
		t.Fatalf("expected uuid.Nil without tenant")
	}
}
