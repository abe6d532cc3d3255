// Package scoring grades a student's self-assessment against a case's answer key.
package scoring

import (
	"context"
	"strings"

	"github.com/spfa-lab/patientsim/internal/i18n"
	"github.com/spfa-lab/patientsim/internal/model"
)

// Submission is what the student claims after the interview.
type Submission struct {
	Tipo           string
	Barrera        string
	Intervenciones []string
}

// Result is the outcome of scoring a submission.
type Result struct {
	IsTipoOK         bool
	IsBarreraOK      bool
	IsIntervencionOK bool
	Score            int
	Feedback         string
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Evaluate scores sub against gt. Each criterion is worth one point. Matching
// is exact after trimming and lowercasing; interventions score when any
// submitted entry matches any valid one. Feedback is localized from ctx.
func Evaluate(ctx context.Context, gt model.GroundTruth, sub Submission) Result {
	var r Result
	r.IsTipoOK = normalize(sub.Tipo) == normalize(gt.TipoNoAdherencia)
	r.IsBarreraOK = normalize(sub.Barrera) == normalize(gt.BarreraPrincipal)

	valid := gt.ValidInterventions()
	accepted := make(map[string]bool, len(valid))
	for _, v := range valid {
		accepted[normalize(v)] = true
	}
	for _, s := range sub.Intervenciones {
		if accepted[normalize(s)] {
			r.IsIntervencionOK = true
			break
		}
	}

	var parts []string
	if r.IsTipoOK {
		r.Score++
		parts = append(parts, i18n.T(ctx, "feedback_tipo_ok"))
	} else {
		parts = append(parts, i18n.Td(ctx, "feedback_tipo_wrong", map[string]any{"Expected": gt.TipoNoAdherencia}))
	}
	if r.IsBarreraOK {
		r.Score++
		parts = append(parts, i18n.T(ctx, "feedback_barrera_ok"))
	} else {
		parts = append(parts, i18n.Td(ctx, "feedback_barrera_wrong", map[string]any{"Expected": gt.BarreraPrincipal}))
	}
	if r.IsIntervencionOK {
		r.Score++
		parts = append(parts, i18n.T(ctx, "feedback_interv_ok"))
	} else {
		parts = append(parts, i18n.Td(ctx, "feedback_interv_wrong", map[string]any{"Expected": strings.Join(valid, ", ")}))
	}
	r.Feedback = strings.Join(parts, " ")
	return r
}
