package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"log/slog"

	"github.com/google/uuid"

	"dinehub-restaurant-platform/api/internal/models"
	"dinehub-restaurant-platform/shared/authx"
	"dinehub-restaurant-platform/shared/httpx"
	"dinehub-restaurant-platform/shared/logx"
	"dinehub-restaurant-platform/shared/tenantx"
)

// UserProvisioner creates-or-refreshes the tenant-local user row for a
// verified identity. Satisfied by repos.UsersRepo.
type UserProvisioner interface {
	UpsertUserFromOIDC(ctx context.Context, tenantID uuid.UUID, subject string, email string, displayName string, role string) (models.User, error)
}

// TenantMiddleware resolves the tenant for every request from whichever
// signals are present and installs it into the request context. Routes
// behind Skip run without a tenant; every storage operation they perform
// on tenant-owned entities is the audited bypass path.
type TenantMiddleware struct {
	Resolver   *tenantx.Resolver
	Users      UserProvisioner
	BaseDomain string
	Logger     logx.Logger
	Skip       func(*http.Request) bool
}

func (m TenantMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Resolver == nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "tenant resolver not configured", nil)
			return
		}

		signals := tenantx.Signals{
			TokenTenantID:  tokenTenantID(r.Context()),
			HeaderTenantID: strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
			SubdomainSlug:  tenantx.SlugFromHost(r.Host, m.BaseDomain),
			PathTenantID:   pathTenantID(r.URL.Path),
		}

		resolution, err := m.Resolver.Resolve(r.Context(), signals)
		if err != nil {
			writeTenantError(w, r, err)
			return
		}

		tenant := tenantx.TenantContext{TenantID: resolution.TenantID}
		if m.Users != nil {
			if auth, ok := authx.FromContext(r.Context()); ok && auth.Subject != "" {
				role := ""
				if len(auth.Roles) > 0 {
					role = auth.Roles[0]
				}
				user, uerr := m.Users.UpsertUserFromOIDC(r.Context(), tenant.TenantID, auth.Subject, auth.Email, auth.Name, role)
				if uerr != nil {
					m.Logger.Warn(r.Context(), "user_provision_failed", "could not upsert user for verified identity",
						slog.String("tenant_id", tenant.TenantID.String()),
						slog.String("subject", auth.Subject),
						slog.String("error", uerr.Error()),
					)
				} else {
					userID := user.UserID
					tenant.UserID = &userID
				}
			}
		}

		ctx := tenantx.WithTenant(r.Context(), tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeTenantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenantx.ErrTenantNotResolved):
		httpx.WriteError(w, r, http.StatusBadRequest, "TENANT_REQUIRED", "no tenant could be resolved for this request", nil)
	case errors.Is(err, tenantx.ErrTenantNotFound):
		// Unknown and foreign tenants look identical to the caller.
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "tenant not found", nil)
	case errors.Is(err, tenantx.ErrTenantInactive):
		httpx.WriteError(w, r, http.StatusForbidden, "TENANT_INACTIVE", "tenant is not active", nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to resolve tenant", nil)
	}
}

// tokenTenantID reads the tenant claim from an already-verified token.
func tokenTenantID(ctx context.Context) string {
	auth, ok := authx.FromContext(ctx)
	if !ok || auth.Claims == nil {
		return ""
	}
	v, ok := auth.Claims["tenant_id"]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// pathTenantID extracts the tenant id from /api/v1/tenants/{id}/... routes.
// Non-uuid segments such as /api/v1/tenants/current are not tenant signals.
func pathTenantID(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 4 || parts[0] != "api" || parts[1] != "v1" || parts[2] != "tenants" {
		return ""
	}
	if _, err := uuid.Parse(parts[3]); err != nil {
		return ""
	}
	return parts[3]
}
