package users

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/soba-labs/soba/internal/api"
	"github.com/soba-labs/soba/internal/auth"
	"github.com/soba-labs/soba/internal/chain"
	"github.com/soba-labs/soba/internal/governance/quota"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

type InitRequest struct {
	UserID string `json:"userId" validate:"required"`
}

type UpdateStatsRequest struct {
	UserID        string `json:"userId" validate:"required"`
	IncrementUsed int    `json:"incrementUsed" validate:"required,min=1,max=1000"`
}

type UpdateStatsResponse struct {
	Success bool         `json:"success"`
	Stats   *quota.Stats `json:"stats"`
}

// Init handles POST /user/init.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError("userId is required"))
		return
	}
	if err := auth.AuthorizeWallet(r.Context(), req.UserID); err != nil {
		api.HandleError(w, err)
		return
	}

	q, err := h.svc.Init(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, "initializing user", req.UserID, err)
		return
	}
	api.Raw(w, http.StatusOK, q)
}

// Stats handles GET /user/stats?userId=.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	st, err := h.svc.Stats(r.Context(), userID)
	if err != nil {
		h.handleError(w, "reading user stats", userID, err)
		return
	}
	api.Raw(w, http.StatusOK, st)
}

// UpdateStats handles POST /user/update-stats.
func (h *Handler) UpdateStats(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError("userId and a positive incrementUsed are required"))
		return
	}
	if err := auth.AuthorizeWallet(r.Context(), req.UserID); err != nil {
		api.HandleError(w, err)
		return
	}

	st, err := h.svc.UpdateStats(r.Context(), req.UserID, req.IncrementUsed)
	if err != nil {
		h.handleError(w, "updating user stats", req.UserID, err)
		return
	}
	api.Raw(w, http.StatusOK, UpdateStatsResponse{Success: true, Stats: st})
}

// Verify handles GET /nft/verify?userId=.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		api.HandleError(w, api.NewBadRequestError("userId is required"))
		return
	}

	holding, err := h.svc.Verify(r.Context(), userID)
	if err != nil {
		h.handleError(w, "verifying holding", userID, err)
		return
	}
	api.Raw(w, http.StatusOK, holding)
}

func (h *Handler) handleError(w http.ResponseWriter, op, userID string, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, quota.ErrInvalidInput):
		api.HandleError(w, api.NewValidationError(err.Error()))
	case errors.Is(err, chain.ErrInvalidAddress):
		api.HandleError(w, api.ErrInvalidWallet)
	case errors.Is(err, ErrHoldingRequired):
		api.HandleError(w, api.ErrHoldingRequired)
	case errors.Is(err, quota.ErrNotFound):
		api.HandleError(w, api.NewNotFoundError("user quota not found"))
	case errors.Is(err, ErrVerificationOff):
		api.HandleError(w, api.NewNotFoundError("holding verification is not enabled"))
	case errors.Is(err, chain.ErrRPC):
		slog.Error(op, "user_id", userID, "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
	default:
		slog.Error(op, "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
