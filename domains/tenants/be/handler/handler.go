package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/licensing-saas/domains/tenants/be/service"
	platformlogging "github.com/zenGate-Global/licensing-saas/platform/go/logging"
	"github.com/zenGate-Global/licensing-saas/platform/go/problem"
	"github.com/zenGate-Global/licensing-saas/platform/go/requesttrace"
)

// Handler exposes the tenant registry over HTTP.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("tenants service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the registry endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/admin/tenants", func(r chi.Router) {
		r.Get("/", h.TenantsList)
		r.Post("/", h.TenantsRegister)
		r.Get("/by-agency-code/{agencyCode}", h.TenantsGetByAgencyCode)
		r.Get("/{tenantId}", h.TenantsGet)
		r.Patch("/{tenantId}", h.TenantsUpdate)
		r.Post("/{tenantId}/activate", h.TenantsActivate)
		r.Post("/{tenantId}/deactivate", h.TenantsDeactivate)
	})
}

type tenantResponse struct {
	TenantID      uuid.UUID  `json:"tenantId"`
	Name          string     `json:"name"`
	AgencyCode    string     `json:"agencyCode"`
	ContactEmail  string     `json:"contactEmail"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`
}

type listResponse struct {
	Items      []tenantResponse `json:"items"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	TotalItems int              `json:"totalItems"`
	TotalPages int              `json:"totalPages"`
}

type registerRequest struct {
	Name         string `json:"name"`
	AgencyCode   string `json:"agencyCode"`
	ContactEmail string `json:"contactEmail"`
}

type updateRequest struct {
	Name         *string `json:"name"`
	ContactEmail *string `json:"contactEmail"`
	// AgencyCode is accepted only to reject it explicitly.
	AgencyCode *string `json:"agencyCode"`
	Active     *bool   `json:"active"`
}

// TenantsList implements GET /admin/tenants
func (h *Handler) TenantsList(w http.ResponseWriter, r *http.Request) {
	opts, errs := buildListOptions(r)
	if len(errs) > 0 {
		p := problem.New(http.StatusBadRequest, "Invalid query parameters", "see errors", problem.TypeValidation)
		p.Errors = errs
		problem.Write(w, p)
		return
	}

	result, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]tenantResponse, 0, len(result.Tenants))
	for _, t := range result.Tenants {
		items = append(items, toResponse(t))
	}
	problem.WriteJSON(w, http.StatusOK, listResponse{
		Items:      items,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalItems: result.TotalItems,
		TotalPages: result.TotalPages,
	})
}

// TenantsRegister implements POST /admin/tenants
func (h *Handler) TenantsRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeBody(w, r, &body) {
		return
	}

	t, err := h.svc.Register(r.Context(), service.RegisterInput{
		Name:         body.Name,
		AgencyCode:   body.AgencyCode,
		ContactEmail: body.ContactEmail,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.audit(r, "tenant registered", t)
	w.Header().Set("Location", fmt.Sprintf("/api/v1/admin/tenants/%s", t.ID))
	problem.WriteJSON(w, http.StatusCreated, toResponse(t))
}

// TenantsGet implements GET /admin/tenants/{tenantId}
func (h *Handler) TenantsGet(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toResponse(t))
}

// TenantsGetByAgencyCode implements GET /admin/tenants/by-agency-code/{agencyCode}
func (h *Handler) TenantsGetByAgencyCode(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetByAgencyCode(r.Context(), chi.URLParam(r, "agencyCode"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toResponse(t))
}

// TenantsUpdate implements PATCH /admin/tenants/{tenantId}
func (h *Handler) TenantsUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	var body updateRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.AgencyCode != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", "agencyCode is immutable", problem.TypeValidation))
		return
	}
	if body.Active != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", "use the activate and deactivate operations", problem.TypeValidation))
		return
	}

	t, err := h.svc.Update(r.Context(), id, service.UpdateInput{Name: body.Name, ContactEmail: body.ContactEmail})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "tenant updated", t)
	problem.WriteJSON(w, http.StatusOK, toResponse(t))
}

// TenantsActivate implements POST /admin/tenants/{tenantId}/activate
func (h *Handler) TenantsActivate(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Activate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toResponse(t))
}

// TenantsDeactivate implements POST /admin/tenants/{tenantId}/deactivate
func (h *Handler) TenantsDeactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantIDParam(w, r)
	if !ok {
		return
	}
	t, err := h.svc.Deactivate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.audit(r, "tenant deactivated", t)
	problem.WriteJSON(w, http.StatusOK, toResponse(t))
}

func (h *Handler) audit(r *http.Request, msg string, t service.Tenant) {
	fields := requesttrace.FromContextOrAnonymous(r.Context()).Fields()
	fields = append(fields, zap.String("tenant_id", t.ID.String()), zap.String("agency_code", t.AgencyCode))
	platformlogging.FromRequest(r, h.logger).Info(msg, fields...)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request", err.Error(), problem.TypeValidation))
	case errors.Is(err, service.ErrNotFound):
		problem.Write(w, problem.New(http.StatusNotFound, "Not found", err.Error(), problem.TypeNotFound))
	case errors.Is(err, service.ErrConflictAgencyCode), errors.Is(err, service.ErrDeactivated):
		problem.Write(w, problem.New(http.StatusConflict, "Conflict", err.Error(), problem.TypeConflict))
	default:
		platformlogging.FromRequest(r, h.logger).Error("tenant operation failed", zap.Error(err))
		problem.Write(w, problem.New(http.StatusInternalServerError, "Internal error", "internal error", problem.TypeInternal))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return false
	}
	return true
}

func tenantIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantId"))
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid tenant id", "tenantId must be a UUID", problem.TypeValidation))
		return uuid.Nil, false
	}
	return id, true
}

func buildListOptions(r *http.Request) (service.ListOptions, map[string][]string) {
	q := r.URL.Query()
	opts := service.ListOptions{Page: 1, PageSize: 20}
	errs := map[string][]string{}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs["page"] = append(errs["page"], "must be a positive integer")
		}
		opts.Page = n
	}
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs["pageSize"] = append(errs["pageSize"], "must be a positive integer")
		}
		opts.PageSize = n
	}
	if v := q.Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs["active"] = append(errs["active"], "must be a boolean")
		}
		opts.Active = &b
	}
	return opts, errs
}

func toResponse(t service.Tenant) tenantResponse {
	return tenantResponse{
		TenantID:      t.ID,
		Name:          t.Name,
		AgencyCode:    t.AgencyCode,
		ContactEmail:  t.ContactEmail,
		Active:        t.Active,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		DeactivatedAt: t.DeactivatedAt,
	}
}
