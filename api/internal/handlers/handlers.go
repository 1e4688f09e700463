// Package handlers exposes the tenant-facing REST surface. Every entity
// route reads and writes through the scoped store, so tenant isolation is
// enforced in one place no matter which handler ran.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/google/uuid"

	"dinehub-restaurant-platform/api/internal/eventbus"
	"dinehub-restaurant-platform/api/internal/repos"
	"dinehub-restaurant-platform/api/internal/scopedstore"
	"dinehub-restaurant-platform/shared/authx"
	"dinehub-restaurant-platform/shared/httpx"
	"dinehub-restaurant-platform/shared/logx"
	"dinehub-restaurant-platform/shared/tenantx"
)

type Handlers struct {
	Store   *scopedstore.Store
	Bus     *eventbus.ReliableEventBus
	Tenants *repos.TenantsRepo
	Events  *repos.EventsRepo
	Inbox   *repos.InboxRepo
	Logger  logx.Logger
}

type entityRoute struct {
	name      string
	keyColumn string
	eventKind string
}

var entityRoutes = []entityRoute{
	{"menus", "menu_id", "menu"},
	{"menu_items", "menu_item_id", "menu_item"},
	{"orders", "order_id", "order"},
	{"order_items", "order_item_id", "order_item"},
	{"payments", "payment_id", "payment"},
}

func (h *Handlers) Register(mux *http.ServeMux) {
	for _, route := range entityRoutes {
		route := route
		mux.HandleFunc("GET /api/v1/"+route.name, h.list(route))
		mux.HandleFunc("POST /api/v1/"+route.name, h.create(route))
		mux.HandleFunc("GET /api/v1/"+route.name+"/{id}", h.get(route))
		mux.HandleFunc("PATCH /api/v1/"+route.name+"/{id}", h.update(route))
		mux.HandleFunc("DELETE /api/v1/"+route.name+"/{id}", h.remove(route))
	}

	mux.HandleFunc("GET /api/v1/me", h.me)
	mux.HandleFunc("GET /api/v1/tenants/current", h.currentTenant)
	mux.HandleFunc("POST /api/v1/tenants", h.createTenant)
	mux.HandleFunc("PUT /api/v1/tenants/{id}/status", h.setTenantStatus)
	mux.HandleFunc("GET /api/v1/events/{id}", h.getEvent)
}

// reservedQueryParams are paging controls; every other query parameter is
// an equality filter column.
var reservedQueryParams = map[string]bool{
	"limit":    true,
	"offset":   true,
	"order_by": true,
	"desc":     true,
}

func (h *Handlers) list(route entityRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := scopedstore.Filter{}
		for key, values := range r.URL.Query() {
			if reservedQueryParams[key] || len(values) == 0 {
				continue
			}
			filter[key] = values[0]
		}
		opts := scopedstore.FindOptions{
			OrderBy: strings.TrimSpace(r.URL.Query().Get("order_by")),
			Desc:    r.URL.Query().Get("desc") == "true",
			Limit:   queryInt(r, "limit", 50),
			Offset:  queryInt(r, "offset", 0),
		}

		docs, err := h.Store.Find(r.Context(), route.name, filter, opts)
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		if docs == nil {
			docs = []scopedstore.Document{}
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": docs, "count": len(docs)})
	}
}

func (h *Handlers) create(route entityRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := decodeDocument(w, r)
		if !ok {
			return
		}
		created, err := h.Store.Insert(r.Context(), route.name, doc)
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		h.publish(r, route, "created", created)
		httpx.WriteJSON(w, http.StatusCreated, created)
	}
}

func (h *Handlers) get(route entityRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := h.Store.GetByKey(r.Context(), route.name, route.keyColumn, r.PathValue("id"))
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, doc)
	}
}

func (h *Handlers) update(route entityRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := decodeDocument(w, r)
		if !ok {
			return
		}
		delete(doc, route.keyColumn)
		affected, err := h.Store.Update(r.Context(), route.name,
			scopedstore.Filter{route.keyColumn: r.PathValue("id")}, doc)
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		if affected == 0 {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", route.eventKind+" not found", nil)
			return
		}
		doc[route.keyColumn] = r.PathValue("id")
		h.publish(r, route, "updated", doc)
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"updated": affected})
	}
}

func (h *Handlers) remove(route entityRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		affected, err := h.Store.Delete(r.Context(), route.name,
			scopedstore.Filter{route.keyColumn: r.PathValue("id")})
		if err != nil {
			h.writeStoreError(w, r, err)
			return
		}
		if affected == 0 {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", route.eventKind+" not found", nil)
			return
		}
		h.publish(r, route, "deleted", map[string]any{route.keyColumn: r.PathValue("id")})
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"deleted": affected})
	}
}

// publish records the domain event for a completed mutation. Publish
// failures never fail the request: the bus absorbs store outages into its
// fallback queue and only an encoding bug can error here.
func (h *Handlers) publish(r *http.Request, route entityRoute, verb string, data map[string]any) {
	if h.Bus == nil {
		return
	}
	event := eventbus.NewEvent(route.eventKind+"."+verb, data)
	event.AggregateType = route.eventKind
	if raw, ok := data[route.keyColumn]; ok {
		if id, err := uuid.Parse(strings.TrimSpace(asString(raw))); err == nil {
			event.AggregateID = &id
		}
	}
	if tenant, ok := tenantx.FromContext(r.Context()); ok && tenant.TenantID != uuid.Nil {
		tenantID := tenant.TenantID
		event.TenantID = &tenantID
		event.UserID = tenant.UserID
	}
	if err := h.Bus.Publish(r.Context(), event); err != nil {
		h.Logger.Error(r.Context(), "event_publish_failed", "could not publish domain event",
			slog.String("event_name", event.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	auth, ok := authx.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
		return
	}
	response := map[string]any{
		"subject": auth.Subject,
		"email":   auth.Email,
		"name":    auth.Name,
		"roles":   auth.Roles,
	}
	if tenant, ok := tenantx.FromContext(r.Context()); ok {
		response["tenant_id"] = tenant.TenantID
		if tenant.UserID != nil {
			response["user_id"] = tenant.UserID
		}
	}
	httpx.WriteJSON(w, http.StatusOK, response)
}

func (h *Handlers) currentTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantx.FromContext(r.Context())
	if !ok || tenant.TenantID == uuid.Nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "TENANT_REQUIRED", "missing tenant", nil)
		return
	}
	record, err := h.Tenants.GetTenantByID(r.Context(), tenant.TenantID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "tenant not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"tenant_id": record.TenantID,
		"slug":      record.Slug,
		"name":      record.Name,
		"status":    record.Status,
	})
}

// createTenant is a platform-admin surface; it runs outside tenant scope.
func (h *Handlers) createTenant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body", nil)
		return
	}
	body.Slug = strings.ToLower(strings.TrimSpace(body.Slug))
	body.Name = strings.TrimSpace(body.Name)
	if body.Slug == "" || body.Name == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "slug and name are required", nil)
		return
	}

	record, err := h.Tenants.CreateTenant(r.Context(), body.Slug, body.Name)
	if err != nil {
		httpx.WriteError(w, r, http.StatusConflict, "ALREADY_EXISTS", "tenant slug already in use", nil)
		return
	}

	if h.Bus != nil {
		event := eventbus.NewEvent("tenant.created", map[string]any{
			"tenant_id": record.TenantID.String(),
			"slug":      record.Slug,
			"name":      record.Name,
		})
		if err := h.Bus.Publish(r.Context(), event); err != nil {
			h.Logger.Error(r.Context(), "event_publish_failed", "could not publish tenant.created",
				slog.String("error", err.Error()),
			)
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"tenant_id": record.TenantID,
		"slug":      record.Slug,
		"name":      record.Name,
		"status":    record.Status,
	})
}

func (h *Handlers) setTenantStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid tenant id", nil)
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body", nil)
		return
	}
	status := strings.ToLower(strings.TrimSpace(body.Status))
	switch status {
	case "active", "suspended", "closed":
	default:
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "status must be active, suspended, or closed", nil)
		return
	}

	if err := h.Tenants.SetTenantStatus(r.Context(), tenantID, status); err != nil {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "tenant not found", nil)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "status": status})
}

// getEvent is an operator surface: the stored row plus which consumers
// have applied it.
func (h *Handlers) getEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid event id", nil)
		return
	}
	event, err := h.Events.GetByID(r.Context(), eventID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "event not found", nil)
		return
	}
	// Tenant-owned events are only visible to their owner.
	if event.TenantID != nil {
		tenant, ok := tenantx.FromContext(r.Context())
		if ok && tenant.TenantID != uuid.Nil && *event.TenantID != tenant.TenantID {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "event not found", nil)
			return
		}
	}
	applied, err := h.Inbox.ListByEvent(r.Context(), eventID)
	if err != nil {
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load consumer records", nil)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"event_id":        event.EventID,
		"event_name":      event.EventName,
		"tenant_id":       event.TenantID,
		"status":          event.Status,
		"retries":         event.Retries,
		"occurred_at":     event.OccurredAt,
		"processed_at":    event.ProcessedAt,
		"last_attempt_at": event.LastAttemptAt,
		"next_attempt_at": event.NextAttemptAt,
		"last_error":      event.LastError,
		"consumers":       applied,
	})
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, scopedstore.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	case errors.Is(err, scopedstore.ErrUnknownEntity):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown resource", nil)
	case errors.Is(err, scopedstore.ErrInvalidColumn):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid column name", nil)
	default:
		h.Logger.Error(r.Context(), "storage_error", "storage operation failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "storage operation failed", nil)
	}
}

func decodeDocument(w http.ResponseWriter, r *http.Request) (scopedstore.Document, bool) {
	var doc scopedstore.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body", nil)
		return nil, false
	}
	if len(doc) == 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "empty document", nil)
		return nil, false
	}
	return doc, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}
