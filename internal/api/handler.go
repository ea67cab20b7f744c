package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lggm33/AFP-Project/internal/bus"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/lggm33/AFP-Project/internal/feedback"
	"github.com/lggm33/AFP-Project/internal/pipeline"
	"github.com/lggm33/AFP-Project/internal/review"
	"github.com/lggm33/AFP-Project/internal/rules"
)

// Deps are the services the HTTP surface drives. Cache and Bus may be nil.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Pipeline *pipeline.Pipeline
	Engine   *rules.Engine
	Feedback *feedback.Service
	Review   *review.Service

	// Async publishes ingested emails to the worker instead of processing
	// them in the request.
	Async bool

	// MetricsPath serves Prometheus metrics when not empty.
	MetricsPath string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Deps
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{deps: deps, version: version}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check bus health
	if h.deps.Bus != nil {
		if err := h.deps.Bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the repository is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	if err := h.deps.Repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ============================================================================
// EMAIL HANDLERS
// ============================================================================

// IngestEmailRequest is the request body for POST /emails.
type IngestEmailRequest struct {
	ExternalID string    `json:"externalId"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	MIMEType   string    `json:"mimeType,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// IngestEmailResponse is the response for POST /emails.
type IngestEmailResponse struct {
	EmailID string            `json:"emailId"`
	Status  string            `json:"status"`
	Outcome *pipeline.Outcome `json:"outcome,omitempty"`
	TraceID string            `json:"traceId,omitempty"`
}

// IngestEmail handles POST /emails. With ?sync=true, or when no worker is
// attached, the email is processed within the request.
func (h *Handler) IngestEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req IngestEmailRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// 1. Store
	email, err := h.deps.Pipeline.Ingest(ctx, tenantID, &domain.Email{
		ExternalID: req.ExternalID,
		Sender:     req.Sender,
		Subject:    req.Subject,
		Body:       req.Body,
		MIMEType:   req.MIMEType,
		ReceivedAt: req.ReceivedAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// 2a. Hand off to the worker
	sync, _ := strconv.ParseBool(r.URL.Query().Get("sync"))
	if h.deps.Async && !sync {
		if err := h.deps.Pipeline.Enqueue(ctx, tenantID, email, traceID); err != nil {
			slog.Error("failed to enqueue email", "email_id", email.ID, "error", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, IngestEmailResponse{
			EmailID: email.ID,
			Status:  string(domain.EmailPending),
			TraceID: traceID,
		})
		return
	}

	// 2b. Process inline
	outcome, err := h.deps.Pipeline.Process(ctx, tenantID, email.ID, traceID)
	if err != nil {
		writeError(w, err)
		return
	}

	status := string(domain.EmailProcessed)
	if outcome.Decision != nil && outcome.Decision.Queued != nil {
		status = string(domain.EmailReview)
	}
	writeJSON(w, http.StatusOK, IngestEmailResponse{
		EmailID: email.ID,
		Status:  status,
		Outcome: outcome,
		TraceID: traceID,
	})
}

// GetEmail handles GET /emails/{id}.
func (h *Handler) GetEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email, err := h.deps.Repo.GetEmail(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, email)
}

// ============================================================================
// TRANSACTION HANDLERS
// ============================================================================

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := h.deps.Repo.GetTransaction(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// CorrectionRequest is the request body for POST /transactions/{id}/corrections.
type CorrectionRequest struct {
	Field      domain.Field               `json:"field"`
	Value      string                     `json:"value"`
	Strategy   *domain.ExtractionStrategy `json:"strategy,omitempty"`
	AutoApply  bool                       `json:"autoApply"`
	Reason     string                     `json:"reason,omitempty"`
	AIAssisted bool                       `json:"aiAssisted,omitempty"`
}

// CreateCorrection feeds a user fix of a stored transaction back into its template.
func (h *Handler) CreateCorrection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CorrectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	correction, err := h.deps.Feedback.ApplyCorrection(ctx, GetTenantID(ctx), feedback.Request{
		TransactionID: chi.URLParam(r, "id"),
		Field:         req.Field,
		NewValue:      req.Value,
		Strategy:      req.Strategy,
		AutoApply:     req.AutoApply,
		Reason:        req.Reason,
		AIAssisted:    req.AIAssisted,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, correction)
}

// ============================================================================
// REVIEW HANDLERS
// ============================================================================

// ListReviews handles GET /reviews?status=&templateId=&limit=.
func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := domain.ReviewFilter{
		Status:     domain.ReviewStatus(q.Get("status")),
		TemplateID: q.Get("templateId"),
		Sender:     q.Get("sender"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = limit
	}

	items, err := h.deps.Review.List(ctx, GetTenantID(ctx), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// GetReview handles GET /reviews/{id}.
func (h *Handler) GetReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	item, err := h.deps.Review.Get(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// ApproveReview handles POST /reviews/{id}/approve.
func (h *Handler) ApproveReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.deps.Review.Approve(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RejectReviewRequest is the request body for POST /reviews/{id}/reject.
type RejectReviewRequest struct {
	Reason string `json:"reason"`
}

// RejectReview handles POST /reviews/{id}/reject. The body is optional.
func (h *Handler) RejectReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RejectReviewRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	res, err := h.deps.Review.Reject(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CorrectReviewRequest is the request body for POST /reviews/{id}/correct.
type CorrectReviewRequest struct {
	Fixes []review.FieldFix `json:"fixes"`
}

// CorrectReview handles POST /reviews/{id}/correct.
func (h *Handler) CorrectReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CorrectReviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.deps.Review.Correct(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req.Fixes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ============================================================================
// RULE HANDLERS
// ============================================================================

// ListRules returns the tenant's stored rules and how many are loaded.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	stored, err := h.deps.Repo.ListReviewRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  stored,
		"count":  len(stored),
		"loaded": h.deps.Engine.LoadedRules(tenantID),
	})
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Reason      string `json:"reason,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// CreateRule validates and stores a review rule.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// Validate
	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	rule := &domain.ReviewRule{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Reason:      req.Reason,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}

	// Validate CEL expression by compiling it
	if err := h.deps.Engine.ValidateRule(rule); err != nil {
		writeError(w, err)
		return
	}

	if err := h.deps.Repo.SaveReviewRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save rule", "id", rule.ID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("rule created", "tenant_id", tenantID, "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads the tenant's rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	count, err := h.deps.Pipeline.ReloadRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("rules reloaded from database", "tenant_id", tenantID, "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   count,
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors to HTTP status codes.
// decodeJSON reads the request body into v. It writes the error response
// and returns false when the body is malformed or over the size limit.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
		})
		return false
	}
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": "invalid JSON request body",
	})
	return false
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, pipeline.ErrAlreadyProcessed):
		status = http.StatusConflict
	case errors.Is(err, bus.ErrBackpressure):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": strings.TrimSpace(msg)})
}
