// Package handler exposes the session lifecycle over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"

	"sitinov-auth/backend/internal/identity/service"
	"sitinov-auth/backend/internal/log"
	"sitinov-auth/backend/internal/security"
	"sitinov-auth/backend/internal/server/interceptors"
	userdomain "sitinov-auth/backend/internal/user/domain"
)

// maxBodyBytes caps request bodies; every payload here is a handful of short strings.
const maxBodyBytes = 1 << 16

// AuthService is the subset of *service.AuthService used by the handler.
type AuthService interface {
	Login(ctx context.Context, email, password string) (*service.AuthResult, error)
	Register(ctx context.Context, in service.RegisterInput) (*service.AuthResult, error)
	Refresh(ctx context.Context, userID string) (*service.AuthResult, error)
	Logout(ctx context.Context, claims *security.SessionClaims) error
	ChangePassword(ctx context.Context, userID string, in service.ChangePasswordInput) error
	UpdateProfile(ctx context.Context, userID string, in service.ProfileInput) (*userdomain.PublicUser, error)
	GetCurrentUser(ctx context.Context, userID string) (*userdomain.PublicUser, error)
}

// Handler serves the /auth routes.
type Handler struct {
	auth AuthService
}

// NewHandler returns a Handler backed by auth.
func NewHandler(auth AuthService) *Handler {
	return &Handler{auth: auth}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Fields any    `json:"fields,omitempty"`
}

// Routes mounts the public and authenticated endpoints. requireAuth guards the latter.
func (h *Handler) Routes(requireAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.Login)
	r.Post("/register", h.Register)
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/profile", h.GetProfile)
		r.Put("/profile", h.UpdateProfile)
		r.Post("/change-password", h.ChangePassword)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
	})
	return r
}

// Login handles POST /auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Register handles POST /auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterInput
	if !decode(w, r, &req) {
		return
	}
	res, err := h.auth.Register(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetProfile handles GET /auth/profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, _ := interceptors.GetUserID(r.Context())
	u, err := h.auth.GetCurrentUser(r.Context(), userID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateProfile handles PUT /auth/profile.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req service.ProfileInput
	if !decode(w, r, &req) {
		return
	}
	userID, _ := interceptors.GetUserID(r.Context())
	u, err := h.auth.UpdateProfile(r.Context(), userID, req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ChangePassword handles POST /auth/change-password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req service.ChangePasswordInput
	if !decode(w, r, &req) {
		return
	}
	userID, _ := interceptors.GetUserID(r.Context())
	if err := h.auth.ChangePassword(r.Context(), userID, req); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "password changed"})
}

// Refresh handles POST /auth/refresh. The presenting token stays valid until it expires.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, _ := interceptors.GetUserID(r.Context())
	res, err := h.auth.Refresh(r.Context(), userID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := interceptors.GetClaims(r.Context())
	if err := h.auth.Logout(r.Context(), claims); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

// WriteError maps a service error to its HTTP status. Every authentication
// failure gets the same body so responses never reveal which check failed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var fields validation.Errors
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: service.ErrUnauthorized.Error()})
	case errors.Is(err, service.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: service.ErrConflict.Error()})
	case errors.Is(err, service.ErrValidation):
		resp := errorResponse{Error: service.ErrValidation.Error()}
		if errors.As(err, &fields) {
			resp.Fields = fields
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, service.ErrUpstreamUnavailable):
		log.Warn(r.Context()).Err(err).Msg("auth: upstream unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service unavailable"})
	default:
		log.Error(r.Context()).Err(err).Str("path", r.URL.Path).Msg("auth: request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
