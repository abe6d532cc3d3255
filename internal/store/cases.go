package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/spfa-lab/patientsim/internal/model"
)

// selectableStatuses are the statuses a case must have to be assigned.
var selectableStatuses = func() []string {
	var out []string
	for _, st := range model.CaseStatuses {
		if st.Selectable() {
			out = append(out, string(st))
		}
	}
	return out
}()

func caseColumns(prefix string) []string {
	cols := []string{"id", "title", "description", "spec", "ground_truth", "difficulty", "status", "service_type", "created_at", "updated_at"}
	if prefix == "" {
		return cols
	}
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + "." + c
	}
	return out
}

func scanCase(row rowScanner) (*model.Case, error) {
	var (
		c        model.Case
		spec, gt []byte
	)
	err := row.Scan(&c.ID, &c.Title, &c.Description, &spec, &gt, &c.Difficulty, &c.Status, &c.ServiceType, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &c.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of case %d: %w", c.ID, err)
	}
	if err := json.Unmarshal(gt, &c.GroundTruth); err != nil {
		return nil, fmt.Errorf("decode ground_truth of case %d: %w", c.ID, err)
	}
	return &c, nil
}

func encodeRecords(c model.Case) (spec, gt string, err error) {
	specJSON, err := json.Marshal(c.Spec)
	if err != nil {
		return "", "", fmt.Errorf("encode spec: %w", err)
	}
	gtJSON, err := json.Marshal(c.GroundTruth)
	if err != nil {
		return "", "", fmt.Errorf("encode ground_truth: %w", err)
	}
	return string(specJSON), string(gtJSON), nil
}

// CreateCase stores a case and returns its ID.
func (s *Store) CreateCase(ctx context.Context, c model.Case) (int64, error) {
	spec, gt, err := encodeRecords(c)
	if err != nil {
		return 0, err
	}
	now := s.now()
	row, err := s.queryRow(ctx, s.db, s.sb.Insert("cases").
		Columns("title", "description", "spec", "ground_truth", "difficulty", "status", "service_type", "created_at", "updated_at").
		Values(c.Title, c.Description, spec, gt, c.Difficulty, c.Status, c.ServiceType, now, now).
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

// UpdateCase overwrites every editable column of the case with c.ID.
// It returns nil if the case does not exist.
func (s *Store) UpdateCase(ctx context.Context, c model.Case) (*model.Case, error) {
	spec, gt, err := encodeRecords(c)
	if err != nil {
		return nil, err
	}
	row, err := s.queryRow(ctx, s.db, s.sb.Update("cases").
		Set("title", c.Title).
		Set("description", c.Description).
		Set("spec", spec).
		Set("ground_truth", gt).
		Set("difficulty", c.Difficulty).
		Set("status", c.Status).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": c.ID}).
		Suffix("RETURNING "+strings.Join(caseColumns(""), ", ")))
	if err != nil {
		return nil, err
	}
	return scanCase(row)
}

// GetCase returns a case by ID, or nil if it does not exist.
func (s *Store) GetCase(ctx context.Context, id int64) (*model.Case, error) {
	return s.getCase(ctx, s.db, id)
}

func (s *Store) getCase(ctx context.Context, q querier, id int64) (*model.Case, error) {
	row, err := s.queryRow(ctx, q, s.sb.Select(caseColumns("")...).From("cases").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	return scanCase(row)
}

// ListCases returns all cases ordered by ID.
func (s *Store) ListCases(ctx context.Context) ([]model.CaseSummary, error) {
	rows, err := s.query(ctx, s.db, s.sb.
		Select("id", "title", "status", "service_type", "difficulty", "created_at").
		From("cases").
		OrderBy("id ASC"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cases []model.CaseSummary
	for rows.Next() {
		var c model.CaseSummary
		if err := rows.Scan(&c.ID, &c.Title, &c.Status, &c.ServiceType, &c.Difficulty, &c.CreatedAt); err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}
