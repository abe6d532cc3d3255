package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/spfa-lab/patientsim/internal/apperr"
	"github.com/spfa-lab/patientsim/internal/model"
	"github.com/spfa-lab/patientsim/internal/scoring"
)

type startSessionResponse struct {
	SessionID int64             `json:"sessionId"`
	Case      *model.PublicCase `json:"case"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	id, c, err := h.svc.StartSession(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startSessionResponse{SessionID: id, Case: c})
}

type chatRequest struct {
	SessionID flexID `json:"sessionId"`
	Message   string `json:"message"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	user := model.UserFromContext(r.Context())
	reply, err := h.svc.PostMessage(r.Context(), user, int64(req.SessionID), req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type evaluationRequest struct {
	SessionID        flexID    `json:"sessionId"`
	Tipo             string    `json:"tipo"`
	TipoNoAdherencia string    `json:"tipo_no_adherencia"`
	Barrera          string    `json:"barrera"`
	Intervenciones   *[]string `json:"intervenciones"`
}

type evaluationResponse struct {
	Score       int    `json:"score"`
	IsTipoOK    bool   `json:"isTipoOk"`
	IsBarreraOK bool   `json:"isBarreraOk"`
	IsIntervOK  bool   `json:"isIntervOk"`
	Feedback    string `json:"feedback"`
}

func (h *Handler) handleEvaluation(w http.ResponseWriter, r *http.Request) {
	var req evaluationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tipo := req.Tipo
	if strings.TrimSpace(tipo) == "" {
		tipo = req.TipoNoAdherencia
	}
	if req.SessionID <= 0 || strings.TrimSpace(tipo) == "" || strings.TrimSpace(req.Barrera) == "" || req.Intervenciones == nil {
		writeError(w, r, apperr.Validation("err_missing_fields", nil))
		return
	}

	user := model.UserFromContext(r.Context())
	ev, err := h.svc.SubmitEvaluation(r.Context(), user, int64(req.SessionID), scoring.Submission{
		Tipo:           tipo,
		Barrera:        req.Barrera,
		Intervenciones: *req.Intervenciones,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluationResponse{
		Score:       ev.Score,
		IsTipoOK:    ev.IsTipoOK,
		IsBarreraOK: ev.IsBarreraOK,
		IsIntervOK:  ev.IsIntervencionOK,
		Feedback:    ev.Feedback,
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, apperr.Validation("err_invalid_limit", err))
			return
		}
		limit = min(n, 100)
	}
	rows, err := h.svc.FinishedSessions(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) handleSessionView(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.svc.SessionView(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
