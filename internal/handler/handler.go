package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spfa-lab/patientsim/internal/apperr"
	"github.com/spfa-lab/patientsim/internal/auth"
	"github.com/spfa-lab/patientsim/internal/i18n"
	"github.com/spfa-lab/patientsim/internal/model"
	"github.com/spfa-lab/patientsim/internal/store"
	"github.com/spfa-lab/patientsim/internal/training"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	svc    *training.Service
	issuer *auth.Issuer
	config model.ServerConfig
}

// New creates a new Handler.
func New(s *store.Store, svc *training.Service, issuer *auth.Issuer, cfg model.ServerConfig) *Handler {
	return &Handler{store: s, svc: svc, issuer: issuer, config: cfg}
}

// Routes registers all HTTP routes. Role checks are declared per group.
func (h *Handler) Routes(r chi.Router) {
	r.Use(i18n.Middleware(h.config.Lang))
	r.Use(h.authenticate)

	r.Get("/healthz", h.handleHealth)
	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Get("/auth/me", h.handleMe)
		r.Post("/sessions", h.handleStartSession)
		r.Post("/chat", h.handleChat)
		r.Post("/evaluations", h.handleEvaluation)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
		r.Get("/cases", h.handleListCases)
		r.Post("/cases", h.handleCreateCase)
		r.Post("/cases/ai", h.handleGenerateCase)
		r.Get("/cases/{id}", h.handleGetCase)
		r.Put("/cases/{id}", h.handleUpdateCase)
		r.Get("/sessions", h.handleListSessions)
		r.Get("/sessions/{id}", h.handleSessionView)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps err to a status code and a translated message. Internal
// causes are logged and never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	status := e.Kind.Status()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", e.Code, "error", err)
	} else if e.Err != nil {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "code", e.Code, "error", e.Err)
	}
	writeJSON(w, status, map[string]string{"error": i18n.T(r.Context(), e.Code)})
}

// decodeJSON reads a single JSON value from the request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.Validation("err_invalid_json", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return apperr.Validation("err_invalid_json", errors.New("empty body"))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Validation("err_invalid_json", err)
	}
	return nil
}

func parseID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("err_invalid_id", err)
	}
	return id, nil
}

// flexID accepts an identifier sent either as a JSON number or a numeric string.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", s)
	}
	*f = flexID(v)
	return nil
}
