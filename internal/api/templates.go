package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/bus"
	"github.com/lggm33/AFP-Project/internal/domain"
)

// ListTemplates handles GET /templates?active=true.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))

	templates, err := h.deps.Repo.ListTemplates(ctx, GetTenantID(ctx), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": templates,
		"count":     len(templates),
	})
}

// GetTemplate handles GET /templates/{id}.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tpl, err := h.deps.Repo.GetTemplate(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// CreateTemplate handles POST /templates.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var tpl domain.BankTemplate
	if !decodeJSON(w, r, &tpl) {
		return
	}

	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.TenantID = tenantID
	tpl.Version = 1
	tpl.SuccessCount, tpl.FailureCount, tpl.LastUsedAt = 0, 0, nil
	for f := range tpl.Fields {
		domain.SortStrategies(tpl.Fields[f])
	}
	if err := tpl.Validate(); err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.deps.Repo.GetTemplate(ctx, tenantID, tpl.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "template " + tpl.ID + " already exists",
		})
		return
	}

	if err := h.deps.Repo.SaveTemplate(ctx, tenantID, &tpl); err != nil {
		writeError(w, err)
		return
	}
	h.templateChanged(r, tenantID, &tpl)

	slog.Info("template created", "tenant_id", tenantID, "template_id", tpl.ID)
	writeJSON(w, http.StatusCreated, tpl)
}

// UpdateTemplate handles PUT /templates/{id}. The body carries the version
// the client last read; a stale version yields 409.
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	templateID := chi.URLParam(r, "id")

	var tpl domain.BankTemplate
	if !decodeJSON(w, r, &tpl) {
		return
	}
	if tpl.Version < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version is required",
		})
		return
	}

	expected := tpl.Version
	tpl.ID = templateID
	tpl.TenantID = tenantID
	tpl.Version = expected + 1
	for f := range tpl.Fields {
		domain.SortStrategies(tpl.Fields[f])
	}
	if err := tpl.Validate(); err != nil {
		writeError(w, err)
		return
	}

	if err := h.deps.Repo.UpdateTemplate(ctx, tenantID, &tpl, expected); err != nil {
		writeError(w, err)
		return
	}

	// Counters are not part of the update; return the stored row.
	stored, err := h.deps.Repo.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.templateChanged(r, tenantID, stored)

	slog.Info("template updated",
		"tenant_id", tenantID,
		"template_id", templateID,
		"version", stored.Version,
	)
	writeJSON(w, http.StatusOK, stored)
}

// DeleteTemplate handles DELETE /templates/{id} by deactivating the template.
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	templateID := chi.URLParam(r, "id")

	if err := h.deps.Repo.DeactivateTemplate(ctx, tenantID, templateID); err != nil {
		writeError(w, err)
		return
	}
	h.deps.Pipeline.InvalidateTemplates(ctx, tenantID)

	slog.Info("template deactivated", "tenant_id", tenantID, "template_id", templateID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "template deactivated",
		"id":      templateID,
	})
}

// ListImprovements handles GET /templates/{id}/improvements.
func (h *Handler) ListImprovements(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	improvements, err := h.deps.Repo.ListImprovements(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"improvements": improvements,
		"count":        len(improvements),
	})
}

// ListCorrections handles GET /templates/{id}/corrections.
func (h *Handler) ListCorrections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	corrections, err := h.deps.Repo.ListCorrections(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"corrections": corrections,
		"count":       len(corrections),
	})
}

// templateChanged drops the cached snapshot and announces the new version.
func (h *Handler) templateChanged(r *http.Request, tenantID string, tpl *domain.BankTemplate) {
	ctx := r.Context()
	h.deps.Pipeline.InvalidateTemplates(ctx, tenantID)

	if h.deps.Bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, h.deps.Bus, tenantID, domain.TopicTemplateUpdated, map[string]any{
		"templateId": tpl.ID,
		"version":    tpl.Version,
		"updatedAt":  time.Now().UTC(),
	}); err != nil {
		slog.Warn("failed to publish event", "topic", domain.TopicTemplateUpdated, "error", err)
	}
}
