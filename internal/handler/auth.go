package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"lotscan/internal/model"
	"lotscan/pkg/response"
)

// Authenticator signs the operator in and out.
type Authenticator interface {
	Login(ctx context.Context, identity, secret string) (*model.AuthRecord, error)
	Logout(ctx context.Context) error
	Current(ctx context.Context) (*model.AuthRecord, error)
}

// AuthHandler handles authentication-related HTTP requests.
type AuthHandler struct {
	auth Authenticator
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(auth Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// LoginRequest represents the request body for login.
type LoginRequest struct {
	MobilePhone string `json:"mobile_phone" validate:"notblank"`
	PIN         string `json:"pin" validate:"required"`
}

// SessionResponse describes the signed-in operator. The backend token
// never leaves the process.
type SessionResponse struct {
	Operator  model.Operator `json:"operator"`
	Project   *model.Project `json:"project,omitempty"`
	Racks     []model.Rack   `json:"racks"`
	ExpiresAt string         `json:"expires_at"`
}

func sessionResponse(rec *model.AuthRecord) SessionResponse {
	racks := rec.Racks
	if racks == nil {
		racks = []model.Rack{}
	}
	return SessionResponse{
		Operator:  rec.Operator,
		Project:   rec.Project,
		Racks:     racks,
		ExpiresAt: rec.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// Login handles POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeValid(r, &req); err != nil {
		response.Error(w, err)
		return
	}

	rec, err := h.auth.Login(r.Context(), strings.TrimSpace(req.MobilePhone), req.PIN)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, sessionResponse(rec))
}

// Logout handles POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context()); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]string{"status": "logged_out"})
}

// Me handles GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	rec, err := h.auth.Current(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, sessionResponse(rec))
}
