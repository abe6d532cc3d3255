// Package training runs interview sessions: it assigns cases, relays chat
// turns to the simulated patient, scores evaluations and manages cases.
package training

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/spfa-lab/patientsim/internal/apperr"
	"github.com/spfa-lab/patientsim/internal/llm/prompts"
	"github.com/spfa-lab/patientsim/internal/model"
	"github.com/spfa-lab/patientsim/internal/scoring"
	"github.com/spfa-lab/patientsim/internal/store"
)

// LLM is the language model used for patient replies and case drafts.
type LLM interface {
	PatientReply(ctx context.Context, system string, history []model.Message) (string, model.Usage, error)
	GenerateCaseDraft(ctx context.Context, req prompts.CaseRequest) (*model.CaseProposal, error)
}

// Service holds shared dependencies of the training workflows.
type Service struct {
	store *store.Store
	llm   LLM
	locks sessionLocks
}

// New creates a Service.
func New(s *store.Store, l LLM) *Service {
	return &Service{store: s, llm: l}
}

// StartSession assigns a case to user and opens a session on it. Only the
// public part of the case is returned.
func (s *Service) StartSession(ctx context.Context, user *model.User) (int64, *model.PublicCase, error) {
	id, c, err := s.store.StartSession(ctx, user.ID)
	if errors.Is(err, store.ErrNoCasesAvailable) {
		return 0, nil, apperr.New(apperr.KindInternal, "err_no_cases", err)
	}
	if err != nil {
		return 0, nil, apperr.Internal(err)
	}
	pub := c.Public()
	return id, &pub, nil
}

// PostMessage records the student's message, asks the model for the
// patient's answer and records it. Turns on one session never overlap.
func (s *Service) PostMessage(ctx context.Context, user *model.User, sessionID int64, text string) (string, error) {
	text = strings.TrimSpace(text)
	if sessionID <= 0 || text == "" {
		return "", apperr.Validation("err_missing_fields", nil)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.store.GetSessionForUser(ctx, sessionID, user.ID)
	if err != nil {
		return "", apperr.Internal(err)
	}
	if sess == nil {
		return "", apperr.NotFound("err_session_not_found")
	}
	if sess.Status != model.StatusActive {
		return "", apperr.Validation("err_session_finished", nil)
	}

	c, err := s.store.GetCase(ctx, sess.CaseID)
	if err != nil || c == nil {
		return "", apperr.Internal(errors.Join(errors.New("load case of session"), err))
	}
	system, err := prompts.BuildPatientPrompt(c.Spec)
	if err != nil {
		return "", apperr.Internal(err)
	}

	if _, err := s.store.AddMessage(ctx, sessionID, model.RoleStudent, text); err != nil {
		return "", apperr.Internal(err)
	}
	history, err := s.store.GetMessages(ctx, sessionID)
	if err != nil {
		return "", apperr.Internal(err)
	}

	reply, usage, err := s.llm.PatientReply(ctx, system, history)
	if err != nil {
		slog.Error("patient reply failed", "session_id", sessionID, "error", err)
		return "", apperr.Internal(err)
	}

	if _, err := s.store.AddMessage(ctx, sessionID, model.RolePatient, reply); err != nil {
		return "", apperr.Internal(err)
	}
	if err := s.store.AddUsage(ctx, sessionID, usage); err != nil {
		return "", apperr.Internal(err)
	}
	slog.Debug("chat turn", "session_id", sessionID, "prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens, "cost_eur", usage.CostEUR)
	return reply, nil
}

// SubmitEvaluation scores the student's self-assessment, stores it and
// finishes the session. Resubmitting replaces the earlier evaluation.
func (s *Service) SubmitEvaluation(ctx context.Context, user *model.User, sessionID int64, sub scoring.Submission) (*model.Evaluation, error) {
	if sessionID <= 0 {
		return nil, apperr.Validation("err_missing_fields", nil)
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if sess == nil {
		return nil, apperr.NotFound("err_session_not_found")
	}
	if sess.UserID != user.ID {
		return nil, apperr.Forbidden("err_not_session_owner")
	}

	c, err := s.store.GetCase(ctx, sess.CaseID)
	if err != nil || c == nil {
		return nil, apperr.Internal(errors.Join(errors.New("load case of session"), err))
	}

	res := scoring.Evaluate(ctx, c.GroundTruth, sub)
	ev := model.Evaluation{
		SessionID:        sessionID,
		TipoNoAdherencia: strings.TrimSpace(sub.Tipo),
		Barrera:          strings.TrimSpace(sub.Barrera),
		Intervenciones:   sub.Intervenciones,
		IsTipoOK:         res.IsTipoOK,
		IsBarreraOK:      res.IsBarreraOK,
		IsIntervencionOK: res.IsIntervencionOK,
		Score:            res.Score,
		Feedback:         res.Feedback,
	}
	if ev.Intervenciones == nil {
		ev.Intervenciones = []string{}
	}
	if err := s.store.SubmitEvaluation(ctx, ev); err != nil {
		return nil, apperr.Internal(err)
	}
	return &ev, nil
}

// FinishedSessions returns the review report of finished sessions.
func (s *Service) FinishedSessions(ctx context.Context, limit int) ([]model.FinishedSessionRow, error) {
	rows, err := s.store.ListFinishedSessions(ctx, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if rows == nil {
		rows = []model.FinishedSessionRow{}
	}
	return rows, nil
}

// SessionView returns a session transcript with its evaluation.
func (s *Service) SessionView(ctx context.Context, sessionID int64) (*model.SessionView, error) {
	view, err := s.store.GetSessionView(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if view == nil {
		return nil, apperr.NotFound("err_session_not_found")
	}
	if view.Messages == nil {
		view.Messages = []model.Message{}
	}
	return view, nil
}
