package generation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/soba-labs/soba/internal/api"
	"github.com/soba-labs/soba/internal/auth"
	"github.com/soba-labs/soba/internal/governance/quota"
)

// Handler serves the /generate endpoints.
type Handler struct {
	svc      *Service
	quotas   *quota.Service
	validate *validator.Validate
}

func NewHandler(svc *Service, quotas *quota.Service) *Handler {
	return &Handler{svc: svc, quotas: quotas, validate: validator.New()}
}

type GenerateRequest struct {
	UserID string         `json:"userId" validate:"required"`
	Prompt string         `json:"prompt" validate:"required"`
	Params map[string]any `json:"params"`
}

// ErrorResponse is the failure body of POST /generate.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Generate handles POST /generate.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, ErrInvalidRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeFailure(w, ErrInvalidRequest)
		return
	}
	if err := auth.AuthorizeWallet(r.Context(), req.UserID); err != nil {
		api.HandleError(w, err)
		return
	}

	res, err := h.svc.Generate(r.Context(), Request{UserID: req.UserID, Prompt: req.Prompt, Params: req.Params})
	if err != nil {
		if errors.Is(err, quota.ErrRateLimited) {
			if wait := h.quotas.RetryAfter(r.Context(), req.UserID); wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			}
		}
		writeFailure(w, err)
		return
	}
	api.Raw(w, http.StatusOK, res)
}

// Status handles GET /generate?userId=.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		api.HandleError(w, api.NewBadRequestError("userId is required"))
		return
	}

	st, err := h.quotas.Status(r.Context(), userID)
	if err != nil {
		slog.Error("reading generation status", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.Raw(w, http.StatusOK, st)
}

// History handles GET /generate/history?userId=&limit=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		api.HandleError(w, api.NewBadRequestError("userId is required"))
		return
	}
	if err := auth.AuthorizeWallet(r.Context(), userID); err != nil {
		api.HandleError(w, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			api.HandleError(w, api.NewBadRequestError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := h.svc.History(r.Context(), userID, limit)
	if err != nil {
		slog.Error("listing generation history", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	api.JSON(w, http.StatusOK, records)
}

func writeFailure(w http.ResponseWriter, err error) {
	status, msg := failureStatus(err)
	api.Raw(w, status, ErrorResponse{Success: false, Error: Kind(err), Message: msg})
}

func failureStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "Missing or invalid userId or prompt"
	case errors.Is(err, quota.ErrNotFound):
		return http.StatusNotFound, "User quota not found"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "Daily generation limit reached"
	case errors.Is(err, quota.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many generation requests, try again in a minute"
	default:
		switch Kind(err) {
		case "generation_timed_out":
			return http.StatusInternalServerError, "Image generation timed out"
		case "generation_failed":
			return http.StatusInternalServerError, "Image generation failed"
		case "persistence_failed":
			return http.StatusInternalServerError, "Quota storage is unavailable"
		}
		return http.StatusInternalServerError, "Internal server error"
	}
}
