package store

import (
	"context"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"github.com/spfa-lab/patientsim/internal/model"
)

// pickCase chooses a case for a student. Cases the student has never been
// assigned are preferred. Once every selectable case has been seen, any
// selectable case may be repeated.
func (s *Store) pickCase(ctx context.Context, q querier, studentID int64) (*model.Case, error) {
	unseen := s.sb.Select(caseColumns("c")...).
		From("cases c").
		LeftJoin("case_assignments ca ON ca.case_id = c.id AND ca.student_id = ?", studentID).
		Where(sq.Eq{"c.status": selectableStatuses}).
		Where("ca.case_id IS NULL").
		OrderBy("random()").
		Limit(1)
	row, err := s.queryRow(ctx, q, unseen)
	if err != nil {
		return nil, err
	}
	c, err := scanCase(row)
	if err != nil || c != nil {
		return c, err
	}

	fallback := s.sb.Select(caseColumns("")...).
		From("cases").
		Where(sq.Eq{"status": selectableStatuses}).
		OrderBy("random()").
		Limit(1)
	row, err = s.queryRow(ctx, q, fallback)
	if err != nil {
		return nil, err
	}
	c, err = scanCase(row)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNoCasesAvailable
	}
	return c, nil
}

func (s *Store) recordAssignment(ctx context.Context, q querier, studentID, caseID int64) error {
	_, err := s.exec(ctx, q, s.sb.Insert("case_assignments").
		Columns("student_id", "case_id", "assigned_at").
		Values(studentID, caseID, s.now()).
		Suffix("ON CONFLICT (student_id, case_id) DO NOTHING"))
	return err
}

// assignCase picks a case for the student and records the assignment
// within q. Recording the same pair twice is a no-op.
func (s *Store) assignCase(ctx context.Context, q querier, studentID int64) (*model.Case, error) {
	c, err := s.pickCase(ctx, q, studentID)
	if err != nil {
		return nil, err
	}
	if err := s.recordAssignment(ctx, q, studentID, c.ID); err != nil {
		return nil, err
	}
	slog.Debug("assigned case", "student_id", studentID, "case_id", c.ID)
	return c, nil
}
