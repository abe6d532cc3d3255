package handler

import (
	"net/http"

	"github.com/spfa-lab/patientsim/internal/apperr"
	"github.com/spfa-lab/patientsim/internal/auth"
	"github.com/spfa-lab/patientsim/internal/model"
)

// authenticate attaches the user of a valid token cookie to the request
// context. Requests without one continue anonymously.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(auth.CookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		if user := h.issuer.Verify(cookie.Value); user != nil {
			r = r.WithContext(model.ContextWithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser rejects anonymous requests with 401.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if model.UserFromContext(r.Context()) == nil {
			writeError(w, r, apperr.Unauthenticated())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeError(w, r, apperr.Unauthenticated())
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, apperr.Forbidden("err_forbidden"))
		})
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	OK   bool        `json:"ok"`
	User *model.User `json:"user"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, r, apperr.Validation("err_missing_credentials", nil))
		return
	}

	user, err := auth.Authenticate(r.Context(), h.store, req.Email, req.Password)
	if err != nil {
		writeError(w, r, apperr.Internal(err))
		return
	}
	if user == nil {
		writeError(w, r, apperr.New(apperr.KindUnauthenticated, "err_bad_credentials", nil))
		return
	}

	token, err := h.issuer.Issue(*user)
	if err != nil {
		writeError(w, r, apperr.Internal(err))
		return
	}
	auth.SetCookie(w, token, h.config.SecureCookies)
	writeJSON(w, http.StatusOK, loginResponse{OK: true, User: user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearCookie(w, h.config.SecureCookies)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.UserFromContext(r.Context()))
}
