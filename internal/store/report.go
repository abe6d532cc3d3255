package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/spfa-lab/patientsim/internal/model"
)

// ListFinishedSessions returns finished sessions with student, case and
// evaluation details, most recently finished first.
func (s *Store) ListFinishedSessions(ctx context.Context, limit int) ([]model.FinishedSessionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, s.db, s.sb.Select(
		"s.id", "u.name", "u.email", "c.title", "s.started_at", "s.finished_at",
		"s.prompt_tokens", "s.completion_tokens", "s.cost_eur", "e.score", "e.feedback").
		From("sessions s").
		Join("users u ON u.id = s.user_id").
		Join("cases c ON c.id = s.case_id").
		LeftJoin("evaluations e ON e.session_id = s.id").
		Where(sq.Eq{"s.status": model.StatusFinished}).
		OrderBy("s.finished_at IS NULL", "s.finished_at DESC", "s.id DESC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FinishedSessionRow
	for rows.Next() {
		var (
			r        model.FinishedSessionRow
			score    sql.NullInt64
			feedback sql.NullString
		)
		if err := rows.Scan(&r.SessionID, &r.StudentName, &r.StudentEmail, &r.CaseTitle, &r.StartedAt, &r.FinishedAt,
			&r.PromptTokens, &r.CompletionTokens, &r.CostEUR, &score, &feedback); err != nil {
			return nil, err
		}
		if score.Valid {
			v := int(score.Int64)
			r.Score = &v
		}
		if feedback.Valid {
			r.Feedback = &feedback.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSessionView assembles a session with its student, transcript and evaluation.
// It returns nil if the session does not exist.
func (s *Store) GetSessionView(ctx context.Context, sessionID int64) (*model.SessionView, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}
	view := &model.SessionView{Session: *sess}

	if view.Student, err = s.GetUserByID(ctx, sess.UserID); err != nil {
		return nil, fmt.Errorf("get student: %w", err)
	}
	c, err := s.GetCase(ctx, sess.CaseID)
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if c != nil {
		view.CaseTitle = c.Title
	}
	if view.Messages, err = s.GetMessages(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	if view.Evaluation, err = s.GetEvaluation(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return view, nil
}
