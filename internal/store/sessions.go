package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"github.com/spfa-lab/patientsim/internal/model"
)

var sessionColumns = []string{"id", "user_id", "case_id", "status", "started_at", "finished_at", "prompt_tokens", "completion_tokens", "cost_eur"}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.CaseID, &sess.Status, &sess.StartedAt, &sess.FinishedAt,
		&sess.PromptTokens, &sess.CompletionTokens, &sess.CostEUR)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// StartSession assigns a case to the user and opens an active session on it,
// all in one transaction.
func (s *Store) StartSession(ctx context.Context, userID int64) (int64, *model.Case, error) {
	var (
		id int64
		c  *model.Case
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = s.assignCase(ctx, tx, userID)
		if err != nil {
			return err
		}
		row, err := s.queryRow(ctx, tx, s.sb.Insert("sessions").
			Columns("user_id", "case_id", "status", "started_at").
			Values(userID, c.ID, model.StatusActive, s.now()).
			Suffix("RETURNING id"))
		if err != nil {
			return err
		}
		return row.Scan(&id)
	})
	if err != nil {
		return 0, nil, err
	}
	slog.Info("session started", "session_id", id, "user_id", userID, "case_id", c.ID)
	return id, c, nil
}

// GetSession returns a session by ID, or nil if it does not exist.
func (s *Store) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select(sessionColumns...).From("sessions").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	return scanSession(row)
}

// GetSessionForUser returns the session only if it belongs to userID.
func (s *Store) GetSessionForUser(ctx context.Context, id, userID int64) (*model.Session, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select(sessionColumns...).From("sessions").
		Where(sq.Eq{"id": id, "user_id": userID}))
	if err != nil {
		return nil, err
	}
	return scanSession(row)
}

// AddMessage appends a message to a session's transcript.
func (s *Store) AddMessage(ctx context.Context, sessionID int64, role model.Role, content string) (int64, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Insert("messages").
		Columns("session_id", "role", "content", "created_at").
		Values(sessionID, role, content, s.now()).
		Suffix("RETURNING id"))
	if err != nil {
		return 0, err
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetMessages returns a session's transcript in chronological order.
func (s *Store) GetMessages(ctx context.Context, sessionID int64) ([]model.Message, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select("id", "session_id", "role", "content", "created_at").
		From("messages").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at ASC", "id ASC"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddUsage accumulates token counters and cost on a session.
func (s *Store) AddUsage(ctx context.Context, sessionID int64, u model.Usage) error {
	_, err := s.exec(ctx, s.db, s.sb.Update("sessions").
		Set("prompt_tokens", sq.Expr("prompt_tokens + ?", u.PromptTokens)).
		Set("completion_tokens", sq.Expr("completion_tokens + ?", u.CompletionTokens)).
		Set("cost_eur", sq.Expr("cost_eur + ?", u.CostEUR)).
		Where(sq.Eq{"id": sessionID}))
	return err
}
