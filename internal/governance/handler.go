package governance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/soba-labs/soba/internal/api"
	"github.com/soba-labs/soba/internal/auth"
	"github.com/soba-labs/soba/internal/governance/audit"
	"github.com/soba-labs/soba/internal/governance/quota"
	inats "github.com/soba-labs/soba/internal/nats"
)

// AuditLister reads persisted audit logs. *audit.Repository satisfies it.
type AuditLister interface {
	ListByUser(ctx context.Context, userID string, params audit.ListParams) ([]audit.AuditLog, int64, error)
}

// AuditSink receives audit events. *nats.Publisher satisfies it.
type AuditSink interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

// Handler provides HTTP handlers for governance endpoints.
type Handler struct {
	quotaSvc *quota.Service
	audits   AuditLister
	events   AuditSink
	validate *validator.Validate
}

// NewHandler creates a new governance Handler. events may be nil.
func NewHandler(quotaSvc *quota.Service, audits AuditLister, events AuditSink) *Handler {
	return &Handler{
		quotaSvc: quotaSvc,
		audits:   audits,
		events:   events,
		validate: validator.New(),
	}
}

// ListAuditLogs returns paginated audit logs for ?userId=.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		api.HandleError(w, api.NewBadRequestError("userId is required"))
		return
	}
	if err := auth.AuthorizeWallet(r.Context(), userID); err != nil {
		api.HandleError(w, err)
		return
	}

	params := parseAuditParams(r)

	logs, total, err := h.audits.ListByUser(r.Context(), userID, params)
	if err != nil {
		slog.Error("listing audit logs", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

// OverrideQuota handles PUT /admin/quotas/{userID}.
func (h *Handler) OverrideQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	q, err := h.quotaSvc.Override(r.Context(), userID, *req.GenerationsToday, *req.TotalGenerations)
	switch {
	case errors.Is(err, quota.ErrInvalidInput):
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	case errors.Is(err, quota.ErrNotFound):
		api.HandleError(w, api.NewNotFoundError("user quota not found"))
		return
	case err != nil:
		slog.Error("overriding quota", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	slog.Warn("quota overridden by operator",
		"user_id", userID,
		"generations_today", q.GenerationsToday,
		"total_generations", q.TotalGenerations,
		"reason", req.Reason,
	)
	if h.events != nil {
		event := inats.AuditEvent{
			UserID:       userID,
			EventType:    "quota.override",
			Severity:     inats.SeverityWarn,
			ResourceType: "quota",
			ResourceID:   userID,
			Details: map[string]any{
				"generations_today": q.GenerationsToday,
				"total_generations": q.TotalGenerations,
				"reason":            req.Reason,
			},
			Timestamp: time.Now().UTC(),
		}
		if err := h.events.PublishAuditEvent(r.Context(), event); err != nil {
			slog.Warn("publishing audit event", "event_type", event.EventType, "error", err)
		}
	}

	api.JSON(w, http.StatusOK, q)
}

func parseAuditParams(r *http.Request) audit.ListParams {
	params := audit.DefaultListParams()

	if et := r.URL.Query().Get("event_type"); et != "" {
		params.EventType = et
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		params.Severity = sev
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			params.To = &t
		}
	}

	return params
}
