package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CaseStatus is the lifecycle status of a clinical case.
type CaseStatus string

const (
	CaseDraft     CaseStatus = "draft"
	CaseApproved  CaseStatus = "approved"
	CaseRejected  CaseStatus = "rejected"
	CasePublished CaseStatus = "published"
)

// CaseStatuses lists every lifecycle status.
var CaseStatuses = []CaseStatus{CaseDraft, CaseApproved, CaseRejected, CasePublished}

// Selectable reports whether a case in this status may be assigned to students.
func (s CaseStatus) Selectable() bool {
	return s == CaseApproved || s == CasePublished
}

// ServiceSAT is the adherence service (Servicio de Adherencia Terapéutica).
const ServiceSAT = "SAT"

// CaseSpec holds the patient-facing fields the simulated patient may talk about.
type CaseSpec struct {
	Nombre              string `json:"nombre,omitempty"`
	Edad                int    `json:"edad,omitempty"`
	Sexo                string `json:"sexo,omitempty"`
	MotivoConsulta      string `json:"motivo_consulta,omitempty"`
	Antecedentes        string `json:"antecedentes,omitempty"`
	Tratamiento         string `json:"tratamiento,omitempty"`
	Contexto            string `json:"contexto,omitempty"`
	DescripcionPaciente string `json:"descripcion_paciente,omitempty"`
}

// GroundTruth is the hidden answer key of a case.
type GroundTruth struct {
	DiagnosticoPrincipal       string   `json:"diagnostico_principal,omitempty"`
	ProblemaFarmacoterapeutico string   `json:"problema_farmacoterapeutico,omitempty"`
	TipoNoAdherencia           string   `json:"tipo_no_adherencia"`
	BarreraPrincipal           string   `json:"barrera_principal"`
	OtrasBarreras              []string `json:"otras_barreras,omitempty"`
	IntervencionesValidas      []string `json:"intervenciones_validas,omitempty"`
	IntervencionesRecomendadas []string `json:"intervenciones_recomendadas,omitempty"`
	PersonalidadPaciente       string   `json:"personalidad_paciente,omitempty"`
	ObjetivosAprendizaje       []string `json:"objetivos_aprendizaje,omitempty"`
}

// ValidInterventions returns the interventions a submission is scored against.
// Drafts produced by the case generator only carry the recommended list.
func (g GroundTruth) ValidInterventions() []string {
	if len(g.IntervencionesValidas) > 0 {
		return g.IntervencionesValidas
	}
	return g.IntervencionesRecomendadas
}

// Validate checks the fields required to score a submission.
func (g GroundTruth) Validate() error {
	var errs []error
	if strings.TrimSpace(g.TipoNoAdherencia) == "" {
		errs = append(errs, errors.New("tipo_no_adherencia is required"))
	}
	if strings.TrimSpace(g.BarreraPrincipal) == "" {
		errs = append(errs, errors.New("barrera_principal is required"))
	}
	if len(g.ValidInterventions()) == 0 {
		errs = append(errs, errors.New("at least one intervention is required"))
	}
	return errors.Join(errs...)
}

// Case is a clinical training scenario.
type Case struct {
	ID          int64       `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Spec        CaseSpec    `json:"spec"`
	GroundTruth GroundTruth `json:"ground_truth"`
	Difficulty  int         `json:"difficulty"`
	Status      CaseStatus  `json:"status"`
	ServiceType string      `json:"service_type"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// PublicCase is the view of a case a student is allowed to see.
type PublicCase struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Spec        CaseSpec `json:"spec"`
	Difficulty  int      `json:"difficulty"`
	ServiceType string   `json:"service_type"`
}

// Public strips the answer key.
func (c Case) Public() PublicCase {
	return PublicCase{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Spec:        c.Spec,
		Difficulty:  c.Difficulty,
		ServiceType: c.ServiceType,
	}
}

// CaseSummary is a row of the teacher's case list.
type CaseSummary struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Status      CaseStatus `json:"status"`
	ServiceType string     `json:"service_type"`
	Difficulty  int        `json:"difficulty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CaseProposal is a case proposed by the language model for a teacher to review.
type CaseProposal struct {
	Title       string      `json:"title"`
	Summary     string      `json:"summary"`
	Spec        CaseSpec    `json:"spec"`
	GroundTruth GroundTruth `json:"ground_truth"`
}

// DecodeRecord decodes a spec or ground_truth payload into dst. The payload may be
// a JSON object or a JSON string containing an object, as sent by text-area forms.
// Unknown fields are rejected. An empty or null payload leaves dst untouched.
func DecodeRecord(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
		raw = bytes.TrimSpace([]byte(text))
		if len(raw) == 0 {
			return nil
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON object")
	}
	return nil
}
