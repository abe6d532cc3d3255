package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/spfa-lab/patientsim/internal/model"
)

// ExportFinishedSessions builds export-ready records of every finished session.
func (s *Store) ExportFinishedSessions(ctx context.Context) (*model.TrainingExport, error) {
	rows, err := s.query(ctx, s.db, s.sb.Select("id").From("sessions").
		Where(sq.Eq{"status": model.StatusFinished}).
		OrderBy("started_at ASC", "id ASC"))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Track session count per student for session_number.
	studentSessionCount := make(map[int64]int)

	export := &model.TrainingExport{ExportedAt: s.now(), Sessions: []model.SessionExport{}}
	for _, id := range ids {
		view, err := s.GetSessionView(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get session %d: %w", id, err)
		}
		if view == nil {
			continue
		}
		sess := view.Session
		studentSessionCount[sess.UserID]++

		conv := make([]model.ConversationMsg, 0, len(view.Messages))
		for _, m := range view.Messages {
			conv = append(conv, model.ConversationMsg{
				Role:    string(m.Role),
				Content: m.Content,
				At:      m.CreatedAt,
			})
		}

		se := model.SessionExport{
			SessionID:        sess.ID,
			SessionNumber:    studentSessionCount[sess.UserID],
			CaseID:           sess.CaseID,
			CaseTitle:        view.CaseTitle,
			StartedAt:        sess.StartedAt,
			FinishedAt:       sess.FinishedAt,
			PromptTokens:     sess.PromptTokens,
			CompletionTokens: sess.CompletionTokens,
			CostEUR:          sess.CostEUR,
			Conversation:     conv,
			Evaluation:       view.Evaluation,
		}
		if view.Student != nil {
			se.StudentEmail = view.Student.Email
			se.StudentName = view.Student.Name
		}
		export.Sessions = append(export.Sessions, se)
	}
	return export, nil
}
