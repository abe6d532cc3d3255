package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/spfa-lab/patientsim/internal/model"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// maxAreaLen bounds the free-text clinical area a teacher can request.
const maxAreaLen = 200

var controlChars = regexp.MustCompile(`[\x00-\x08\x0b-\x1f\x7f]`)

var (
	loadOnce      sync.Once
	loadErr       error
	patientTmpl   *template.Template
	caseUserTmpl  *template.Template
	caseSystemTxt string
)

// PatientData holds the fields rendered into the patient persona.
type PatientData struct {
	Nombre         string
	Edad           int
	MotivoConsulta string
	Antecedentes   string
	Tratamiento    string
	Contexto       string
	Descripcion    string
}

// CaseRequest holds the parameters of a case generation request.
type CaseRequest struct {
	ServiceType string
	Difficulty  int
	Area        string
}

// Load parses the embedded prompt templates. It is safe to call more than once.
func Load() error {
	return LoadFS(templatesFS)
}

// LoadFS parses prompt templates from fsys, which must contain a templates/ directory.
// Only the first call has any effect.
func LoadFS(fsys fs.FS) error {
	loadOnce.Do(func() {
		read := func(name string) (string, error) {
			b, err := fs.ReadFile(fsys, "templates/"+name)
			if err != nil {
				return "", errors.New("failed to read prompt file " + name + ": " + err.Error())
			}
			return string(b), nil
		}

		text, err := read("patient.tmpl")
		if err != nil {
			loadErr = err
			return
		}
		if patientTmpl, err = template.New("patient").Option("missingkey=error").Parse(text); err != nil {
			loadErr = fmt.Errorf("failed to parse patient template: %w", err)
			return
		}

		if text, err = read("case_user.tmpl"); err != nil {
			loadErr = err
			return
		}
		if caseUserTmpl, err = template.New("case_user").Parse(text); err != nil {
			loadErr = fmt.Errorf("failed to parse case template: %w", err)
			return
		}

		if caseSystemTxt, err = read("case_system.tmpl"); err != nil {
			loadErr = err
		}
	})
	return loadErr
}

// BuildPatientPrompt renders the system instruction that makes the model play
// the patient described by spec. It takes only the patient-facing record, so
// no part of the answer key can reach the model.
func BuildPatientPrompt(spec model.CaseSpec) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	nombre := strings.TrimSpace(spec.Nombre)
	if nombre == "" {
		nombre = "una persona adulta"
	}
	data := PatientData{
		Nombre:         nombre,
		Edad:           spec.Edad,
		MotivoConsulta: clean(spec.MotivoConsulta),
		Antecedentes:   clean(spec.Antecedentes),
		Tratamiento:    clean(spec.Tratamiento),
		Contexto:       clean(spec.Contexto),
		Descripcion:    clean(spec.DescripcionPaciente),
	}
	var buf bytes.Buffer
	if err := patientTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// CaseSystemPrompt returns the fixed instructions for case generation.
func CaseSystemPrompt() (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	return caseSystemTxt, nil
}

// BuildCasePrompt renders the user message of a case generation request.
// Difficulty is clamped to 1-5 and an empty service defaults to SAT.
func BuildCasePrompt(req CaseRequest) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	if req.ServiceType = clean(req.ServiceType); req.ServiceType == "" {
		req.ServiceType = model.ServiceSAT
	}
	req.Difficulty = min(max(req.Difficulty, 1), 5)
	if req.Area = sanitizeArea(req.Area); req.Area == "" {
		req.Area = "hipertensión arterial"
	}
	var buf bytes.Buffer
	if err := caseUserTmpl.Execute(&buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func clean(s string) string {
	return strings.TrimSpace(controlChars.ReplaceAllString(s, " "))
}

func sanitizeArea(area string) string {
	area = strings.Join(strings.Fields(clean(area)), " ")
	if utf8.RuneCountInString(area) > maxAreaLen {
		area = string([]rune(area)[:maxAreaLen])
	}
	return area
}
