package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"dinehub-restaurant-platform/shared/authx"
	"dinehub-restaurant-platform/shared/logx"
	"dinehub-restaurant-platform/shared/tenantx"
)

type staticLookup struct {
	records map[string]tenantx.TenantRecord
}

func (l staticLookup) LookupTenantByID(_ context.Context, tenantID uuid.UUID) (tenantx.TenantRecord, error) {
	for _, record := range l.records {
		if record.ID == tenantID {
			return record, nil
		}
	}
	return tenantx.TenantRecord{}, tenantx.ErrTenantNotFound
}

func (l staticLookup) LookupTenantBySlug(_ context.Context, slug string) (tenantx.TenantRecord, error) {
	record, ok := l.records[slug]
	if !ok {
		return tenantx.TenantRecord{}, tenantx.ErrTenantNotFound
	}
	return record, nil
}

func newTenantMiddleware(lookup tenantx.TenantLookup) TenantMiddleware {
	return TenantMiddleware{
		Resolver:   tenantx.NewResolver(lookup),
		BaseDomain: "dinehub.io",
		Logger:     logx.New("middleware-test", "test", "", "error"),
	}
}

func captureTenant(installed *tenantx.TenantContext, found *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*installed, *found = tenantx.FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestTenantMiddlewareResolvesFromHeader(t *testing.T) {
	tenantID := uuid.New()
	lookup := staticLookup{records: map[string]tenantx.TenantRecord{
		"bluefin": {ID: tenantID, Status: tenantx.TenantStatusActive},
	}}
	m := newTenantMiddleware(lookup)

	var installed tenantx.TenantContext
	var found bool
	handler := m.Wrap(captureTenant(&installed, &found))

	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/api/v1/orders", nil)
	r.Header.Set("X-Tenant-ID", tenantID.String())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if !found || installed.TenantID != tenantID {
		t.Fatalf("tenant not installed: found=%v tenant=%v", found, installed)
	}
}

func TestTenantMiddlewareTokenClaimWinsOverHeader(t *testing.T) {
	claimTenant := uuid.New()
	headerTenant := uuid.New()
	lookup := staticLookup{records: map[string]tenantx.TenantRecord{
		"other": {ID: headerTenant, Status: tenantx.TenantStatusActive},
	}}
	m := newTenantMiddleware(lookup)

	var installed tenantx.TenantContext
	var found bool
	handler := m.Wrap(captureTenant(&installed, &found))

	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/api/v1/orders", nil)
	r.Header.Set("X-Tenant-ID", headerTenant.String())
	ctx := authx.WithAuth(r.Context(), authx.AuthContext{
		Subject: "user-1",
		Claims:  map[string]any{"tenant_id": claimTenant.String()},
	})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r.WithContext(ctx))

	if !found || installed.TenantID != claimTenant {
		t.Fatalf("claim tenant should win: %v", installed)
	}
}

func TestTenantMiddlewareResolvesFromSubdomain(t *testing.T) {
	tenantID := uuid.New()
	lookup := staticLookup{records: map[string]tenantx.TenantRecord{
		"bluefin": {ID: tenantID, Status: tenantx.TenantStatusActive},
	}}
	m := newTenantMiddleware(lookup)

	var installed tenantx.TenantContext
	var found bool
	handler := m.Wrap(captureTenant(&installed, &found))

	r := httptest.NewRequest(http.MethodGet, "http://bluefin.dinehub.io/api/v1/menus", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if !found || installed.TenantID != tenantID {
		t.Fatalf("subdomain tenant not installed: %v", installed)
	}
}

func TestTenantMiddlewareErrors(t *testing.T) {
	active := uuid.New()
	suspended := uuid.New()
	lookup := staticLookup{records: map[string]tenantx.TenantRecord{
		"bluefin": {ID: active, Status: tenantx.TenantStatusActive},
		"closed":  {ID: suspended, Status: "suspended"},
	}}
	m := newTenantMiddleware(lookup)
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name       string
		url        string
		tenantID   string
		wantStatus int
	}{
		{"no signal", "http://api.example.com/api/v1/orders", "", http.StatusBadRequest},
		{"unknown tenant", "http://api.example.com/api/v1/orders", uuid.New().String(), http.StatusNotFound},
		{"inactive tenant", "http://api.example.com/api/v1/orders", suspended.String(), http.StatusForbidden},
		{"malformed id", "http://api.example.com/api/v1/orders", "not-a-uuid", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.tenantID != "" {
				r.Header.Set("X-Tenant-ID", tc.tenantID)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.wantStatus, w.Body.String())
			}
		})
	}
}

func TestTenantMiddlewareSkip(t *testing.T) {
	m := newTenantMiddleware(staticLookup{})
	m.Skip = func(r *http.Request) bool { return r.URL.Path == "/healthz" }

	var found bool
	var installed tenantx.TenantContext
	handler := m.Wrap(captureTenant(&installed, &found))

	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if found {
		t.Fatalf("skipped route must not carry a tenant")
	}
}

func TestPathTenantID(t *testing.T) {
	tenantID := uuid.New()
	cases := []struct {
		path string
		want string
	}{
		{"/api/v1/tenants/" + tenantID.String() + "/orders", tenantID.String()},
		{"/api/v1/tenants/current", ""},
		{"/api/v1/orders", ""},
		{"/", ""},
	}
	for _, tc := range cases {
		if got := pathTenantID(tc.path); got != tc.want {
			t.Fatalf("pathTenantID(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
