package handler

import (
	"encoding/json"
	"net/http"

	"github.com/spfa-lab/patientsim/internal/llm/prompts"
	"github.com/spfa-lab/patientsim/internal/training"
)

func (h *Handler) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.svc.ListCases(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

func (h *Handler) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var in training.CaseInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.svc.CreateCase(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (h *Handler) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.svc.GetCase(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in training.CaseInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := h.svc.UpdateCase(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type generateCaseRequest struct {
	ServiceType string          `json:"service_type"`
	Difficulty  json.RawMessage `json:"difficulty"`
	Area        string          `json:"area"`
}

// handleGenerateCase returns a model-drafted case for review. An absent or
// unreadable body falls back to the defaults.
func (h *Handler) handleGenerateCase(w http.ResponseWriter, r *http.Request) {
	var req generateCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		req = generateCaseRequest{}
	}
	difficulty, err := training.ParseDifficulty(req.Difficulty)
	if err != nil {
		difficulty = 1
	}
	draft, err := h.svc.GenerateDraft(r.Context(), prompts.CaseRequest{
		ServiceType: req.ServiceType,
		Difficulty:  difficulty,
		Area:        req.Area,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}
