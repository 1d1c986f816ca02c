package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/soba-labs/soba/internal/api"
	"github.com/soba-labs/soba/internal/chain"
)

type Handler struct {
	authSvc  *Service
	validate *validator.Validate
}

func NewHandler(authSvc *Service) *Handler {
	return &Handler{
		authSvc:  authSvc,
		validate: validator.New(),
	}
}

type ChallengeRequest struct {
	Wallet string `json:"wallet" validate:"required"`
}

type WalletLoginRequest struct {
	Wallet    string `json:"wallet" validate:"required"`
	Nonce     string `json:"nonce" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	challenge, err := h.authSvc.Challenge(r.Context(), req.Wallet)
	if errors.Is(err, chain.ErrInvalidAddress) {
		api.HandleError(w, api.ErrInvalidWallet)
		return
	}
	if err != nil {
		slog.Error("issuing challenge", "wallet", req.Wallet, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, challenge)
}

func (h *Handler) WalletLogin(w http.ResponseWriter, r *http.Request) {
	var req WalletLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	token, err := h.authSvc.VerifyWallet(r.Context(), req.Wallet, req.Nonce, req.Signature)
	switch {
	case err == nil:
		api.JSON(w, http.StatusOK, token)
	case errors.Is(err, chain.ErrInvalidAddress):
		api.HandleError(w, api.ErrInvalidWallet)
	case errors.Is(err, ErrChallengeNotFound), errors.Is(err, ErrInvalidSignature):
		api.HandleError(w, api.ErrInvalidCredentials)
	default:
		slog.Error("verifying wallet signature", "wallet", req.Wallet, "error", err)
		api.HandleError(w, api.ErrInternalServer)
	}
}
