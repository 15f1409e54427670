package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/licensing-saas/domains/documents/be/repo"
	"github.com/zenGate-Global/licensing-saas/domains/documents/be/service"
	platformlogging "github.com/zenGate-Global/licensing-saas/platform/go/logging"
	"github.com/zenGate-Global/licensing-saas/platform/go/problem"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenant"
)

// Handler serves tenant-scoped documents. It must run behind the tenant
// database middleware.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("documents service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the document endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/documents", h.DocumentsList)
	r.Post("/documents", h.DocumentsCreate)
	r.Get("/documents/{documentId}", h.DocumentsGet)
	r.Delete("/documents/{documentId}", h.DocumentsDelete)
	r.Get("/profile", h.ProfileGet)
}

type documentResponse struct {
	DocumentID  uuid.UUID `json:"documentId"`
	Title       string    `json:"title"`
	ContentType string    `json:"contentType"`
	StorageKey  string    `json:"storageKey"`
	CreatedAt   time.Time `json:"createdAt"`
}

type listResponse struct {
	Items      []documentResponse `json:"items"`
	TotalItems int                `json:"totalItems"`
}

type profileResponse struct {
	TenantID     uuid.UUID `json:"tenantId"`
	DisplayName  string    `json:"displayName"`
	AgencyCode   string    `json:"agencyCode"`
	ContactEmail string    `json:"contactEmail"`
	Active       bool      `json:"active"`
	RefreshedAt  time.Time `json:"refreshedAt"`
}

type createRequest struct {
	Title       string `json:"title"`
	ContentType string `json:"contentType"`
}

func (h *Handler) DocumentsList(w http.ResponseWriter, r *http.Request) {
	limit, err := uintParam(r, "limit")
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid query parameters", "limit must be a non-negative integer", problem.TypeValidation))
		return
	}
	offset, err := uintParam(r, "offset")
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid query parameters", "offset must be a non-negative integer", problem.TypeValidation))
		return
	}

	res, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]documentResponse, 0, len(res.Documents))
	for _, d := range res.Documents {
		items = append(items, toResponse(d))
	}
	problem.WriteJSON(w, http.StatusOK, listResponse{Items: items, TotalItems: res.Total})
}

func (h *Handler) DocumentsCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request body", err.Error(), problem.TypeValidation))
		return
	}
	d, err := h.svc.Create(r.Context(), service.CreateInput{Title: body.Title, ContentType: body.ContentType})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/documents/"+d.ID.String())
	problem.WriteJSON(w, http.StatusCreated, toResponse(d))
}

func (h *Handler) DocumentsGet(w http.ResponseWriter, r *http.Request) {
	id, ok := documentIDParam(w, r)
	if !ok {
		return
	}
	d, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, toResponse(d))
}

func (h *Handler) DocumentsDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := documentIDParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ProfileGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Profile(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	problem.WriteJSON(w, http.StatusOK, profileResponse{
		TenantID:     p.TenantID,
		DisplayName:  p.DisplayName,
		AgencyCode:   p.AgencyCode,
		ContactEmail: p.ContactEmail,
		Active:       p.Active,
		RefreshedAt:  p.RefreshedAt,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid request", err.Error(), problem.TypeValidation))
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, repo.ErrProfileNotFound):
		problem.Write(w, problem.New(http.StatusNotFound, "Not found", err.Error(), problem.TypeNotFound))
	case errors.Is(err, tenant.ErrUnauthenticated):
		problem.Write(w, problem.New(http.StatusUnauthorized, "Unauthorized", "unauthenticated", problem.TypeUnauthorized))
	default:
		platformlogging.FromRequest(r, h.logger).Error("document operation failed", zap.Error(err))
		problem.Write(w, problem.New(http.StatusInternalServerError, "Internal error", "internal error", problem.TypeInternal))
	}
}

func documentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "documentId"))
	if err != nil {
		problem.Write(w, problem.New(http.StatusBadRequest, "Invalid document id", "documentId must be a UUID", problem.TypeValidation))
		return uuid.Nil, false
	}
	return id, true
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func toResponse(d repo.Document) documentResponse {
	return documentResponse{
		DocumentID:  d.ID,
		Title:       d.Title,
		ContentType: d.ContentType,
		StorageKey:  d.StorageKey,
		CreatedAt:   d.CreatedAt,
	}
}
