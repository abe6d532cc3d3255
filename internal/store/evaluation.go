package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"github.com/spfa-lab/patientsim/internal/model"
)

// SubmitEvaluation stores the evaluation of a session, replacing any earlier
// one, and marks the session finished. finished_at is only set the first time.
func (s *Store) SubmitEvaluation(ctx context.Context, ev model.Evaluation) error {
	if ev.Intervenciones == nil {
		ev.Intervenciones = []string{}
	}
	interv, err := json.Marshal(ev.Intervenciones)
	if err != nil {
		return fmt.Errorf("encode intervenciones: %w", err)
	}
	now := s.now()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx, s.sb.Insert("evaluations").
			Columns("session_id", "tipo_no_adherencia", "barrera", "intervenciones",
				"is_tipo_ok", "is_barrera_ok", "is_intervencion_ok", "score", "feedback", "created_at").
			Values(ev.SessionID, ev.TipoNoAdherencia, ev.Barrera, string(interv),
				ev.IsTipoOK, ev.IsBarreraOK, ev.IsIntervencionOK, ev.Score, ev.Feedback, now).
			Suffix(`ON CONFLICT (session_id) DO UPDATE SET
				tipo_no_adherencia = excluded.tipo_no_adherencia,
				barrera = excluded.barrera,
				intervenciones = excluded.intervenciones,
				is_tipo_ok = excluded.is_tipo_ok,
				is_barrera_ok = excluded.is_barrera_ok,
				is_intervencion_ok = excluded.is_intervencion_ok,
				score = excluded.score,
				feedback = excluded.feedback,
				created_at = excluded.created_at`))
		if err != nil {
			return fmt.Errorf("upsert evaluation: %w", err)
		}
		_, err = s.exec(ctx, tx, s.sb.Update("sessions").
			Set("status", model.StatusFinished).
			Set("finished_at", sq.Expr("COALESCE(finished_at, ?)", now)).
			Where(sq.Eq{"id": ev.SessionID}))
		if err != nil {
			return fmt.Errorf("finish session: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("evaluation submitted", "session_id", ev.SessionID, "score", ev.Score)
	return nil
}

// GetEvaluation returns the evaluation of a session, or nil if none exists.
func (s *Store) GetEvaluation(ctx context.Context, sessionID int64) (*model.Evaluation, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("session_id", "tipo_no_adherencia", "barrera", "intervenciones",
		"is_tipo_ok", "is_barrera_ok", "is_intervencion_ok", "score", "feedback", "created_at").
		From("evaluations").
		Where(sq.Eq{"session_id": sessionID}))
	if err != nil {
		return nil, err
	}
	var (
		ev     model.Evaluation
		interv []byte
	)
	err = row.Scan(&ev.SessionID, &ev.TipoNoAdherencia, &ev.Barrera, &interv,
		&ev.IsTipoOK, &ev.IsBarreraOK, &ev.IsIntervencionOK, &ev.Score, &ev.Feedback, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(interv, &ev.Intervenciones); err != nil {
		return nil, fmt.Errorf("decode intervenciones: %w", err)
	}
	return &ev, nil
}
