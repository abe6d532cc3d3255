package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/spfa-lab/patientsim/internal/apperr"
	"github.com/spfa-lab/patientsim/internal/llm/prompts"
	"github.com/spfa-lab/patientsim/internal/model"
	"github.com/spfa-lab/patientsim/internal/store"
)

// CaseInput is a case as submitted by a teacher. Spec and GroundTruth may be
// JSON objects or strings holding JSON. Difficulty may be a number or a
// numeric string.
type CaseInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Spec        json.RawMessage `json:"spec"`
	GroundTruth json.RawMessage `json:"ground_truth"`
	Difficulty  json.RawMessage `json:"difficulty"`
	Status      string          `json:"status"`
	ServiceType string          `json:"service_type"`
}

// ParseDifficulty accepts a positive whole number, sent as a JSON number or
// a numeric string. Missing means 1.
func ParseDifficulty(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 1, nil
	}
	var f float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		if s = strings.TrimSpace(s); s == "" {
			return 1, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		f = v
	} else if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 1 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, errors.New("difficulty must be a whole number >= 1")
	}
	return int(f), nil
}

// build validates in and fills c. Status handling is left to the caller.
func (in CaseInput) build(c *model.Case) error {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return apperr.Validation("err_title_required", nil)
	}
	difficulty, err := ParseDifficulty(in.Difficulty)
	if err != nil {
		return apperr.Validation("err_invalid_difficulty", err)
	}
	var spec model.CaseSpec
	if err := model.DecodeRecord(in.Spec, &spec); err != nil {
		return apperr.Validation("err_invalid_spec", err)
	}
	var gt model.GroundTruth
	if err := model.DecodeRecord(in.GroundTruth, &gt); err != nil {
		return apperr.Validation("err_invalid_ground_truth", err)
	}
	c.Title = title
	c.Description = strings.TrimSpace(in.Description)
	c.Difficulty = difficulty
	c.Spec = spec
	c.GroundTruth = gt
	return nil
}

func validateForStatus(c model.Case) error {
	if c.Status == model.CaseDraft {
		return nil
	}
	if err := c.GroundTruth.Validate(); err != nil {
		return apperr.Validation("err_incomplete_ground_truth", err)
	}
	return nil
}

func mapCaseWriteErr(err error) error {
	if store.IsCheckViolation(err) || store.IsUniqueViolation(err) {
		return apperr.Validation("err_case_constraint", err)
	}
	return apperr.Internal(err)
}

// CreateCase validates and stores a new case. Its status is approved unless
// the input explicitly asks for rejected.
func (s *Service) CreateCase(ctx context.Context, in CaseInput) (int64, error) {
	c := model.Case{Status: model.CaseApproved, ServiceType: model.ServiceSAT}
	if err := in.build(&c); err != nil {
		return 0, err
	}
	if st := strings.TrimSpace(in.ServiceType); st != "" && st != model.ServiceSAT {
		return 0, apperr.Validation("err_invalid_service_type", nil)
	}
	if model.CaseStatus(strings.TrimSpace(in.Status)) == model.CaseRejected {
		c.Status = model.CaseRejected
	}
	if err := validateForStatus(c); err != nil {
		return 0, err
	}
	id, err := s.store.CreateCase(ctx, c)
	if err != nil {
		return 0, mapCaseWriteErr(err)
	}
	slog.Info("case created", "case_id", id, "status", c.Status)
	return id, nil
}

// UpdateCase overwrites an existing case. Status must be draft, approved or rejected.
func (s *Service) UpdateCase(ctx context.Context, id int64, in CaseInput) (*model.Case, error) {
	c := model.Case{ID: id}
	if err := in.build(&c); err != nil {
		return nil, err
	}
	switch st := model.CaseStatus(strings.TrimSpace(in.Status)); st {
	case model.CaseDraft, model.CaseApproved, model.CaseRejected:
		c.Status = st
	default:
		return nil, apperr.Validation("err_invalid_status", nil)
	}
	if err := validateForStatus(c); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateCase(ctx, c)
	if err != nil {
		return nil, mapCaseWriteErr(err)
	}
	if updated == nil {
		return nil, apperr.NotFound("err_case_not_found")
	}
	slog.Info("case updated", "case_id", id, "status", updated.Status)
	return updated, nil
}

// GetCase returns the full case, answer key included.
func (s *Service) GetCase(ctx context.Context, id int64) (*model.Case, error) {
	c, err := s.store.GetCase(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if c == nil {
		return nil, apperr.NotFound("err_case_not_found")
	}
	return c, nil
}

// ListCases returns a summary of every case.
func (s *Service) ListCases(ctx context.Context) ([]model.CaseSummary, error) {
	cases, err := s.store.ListCases(ctx)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if cases == nil {
		cases = []model.CaseSummary{}
	}
	return cases, nil
}

// GenerateDraft asks the language model for a case proposal. Nothing is stored.
func (s *Service) GenerateDraft(ctx context.Context, req prompts.CaseRequest) (*model.CaseProposal, error) {
	draft, err := s.llm.GenerateCaseDraft(ctx, req)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "err_case_generation", err)
	}
	return draft, nil
}
