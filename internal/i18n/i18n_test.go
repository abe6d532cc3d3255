package i18n

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslateSpanish(t *testing.T) {
	ctx := initLang(t, "es")

	if got := T(ctx, "err_session_finished"); got != "La sesión ya está finalizada" {
		t.Errorf("T(err_session_finished) = %q", got)
	}
	if got := T(ctx, "feedback_tipo_ok"); got != "Has identificado correctamente el tipo de no adherencia." {
		t.Errorf("T(feedback_tipo_ok) = %q", got)
	}
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "err_session_finished"); got != "The session is already finished" {
		t.Errorf("T(err_session_finished) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "es")

	got := Td(ctx, "feedback_barrera_wrong", map[string]any{"Expected": "olvido"})
	want := `La barrera principal correcta era: "olvido".`
	if got != want {
		t.Errorf("Td(feedback_barrera_wrong) = %q, want %q", got, want)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "export_done", 1); got != "Exported 1 finished session." {
		t.Errorf("Tp(export_done, 1) = %q", got)
	}
	if got := Tp(ctx, "export_done", 5); got != "Exported 5 finished sessions." {
		t.Errorf("Tp(export_done, 5) = %q", got)
	}
}

func TestMissingTranslationReturnsID(t *testing.T) {
	ctx := initLang(t, "es")

	if got := T(ctx, "NoSuchMessage"); got != "NoSuchMessage" {
		t.Errorf("T(NoSuchMessage) = %q, want message ID", got)
	}
}

func TestFallbackLocalizerUsesDefault(t *testing.T) {
	initLang(t, "es")

	if got := T(context.Background(), "err_no_cases"); got != "No hay casos disponibles" {
		t.Errorf("T without localizer = %q, want Spanish default", got)
	}
}

func TestMiddlewareHonorsAcceptLanguage(t *testing.T) {
	if err := Init("es"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	tests := []struct {
		header string
		want   string
	}{
		{"", "Caso no encontrado"},
		{"en-US,en;q=0.9", "Case not found"},
		{"fr-FR", "Caso no encontrado"},
	}
	for _, tt := range tests {
		var got string
		h := Middleware("es")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = T(r.Context(), "err_case_not_found")
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Accept-Language", tt.header)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		if got != tt.want {
			t.Errorf("Accept-Language %q: got %q, want %q", tt.header, got, tt.want)
		}
	}
}

func localeIDs(t *testing.T, name string) map[string]bool {
	t.Helper()
	data, err := localeFS.ReadFile("locales/" + name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("parse %s: %v", name, err)
	}
	ids := make(map[string]bool, len(raw))
	for id := range raw {
		ids[id] = true
	}
	return ids
}

// Every message must exist in both languages and be looked up somewhere in
// non-test code, so stale IDs do not pile up in the locale files.
func TestLocaleIDsInSyncWithCode(t *testing.T) {
	es := localeIDs(t, "es.json")
	en := localeIDs(t, "en.json")
	for id := range es {
		if !en[id] {
			t.Errorf("%q missing from en.json", id)
		}
	}
	for id := range en {
		if !es[id] {
			t.Errorf("%q missing from es.json", id)
		}
	}

	var src strings.Builder
	for _, dir := range []string{"../../internal", "../../cmd"} {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			src.Write(b)
			return nil
		})
		if err != nil {
			t.Fatalf("walk %s: %v", dir, err)
		}
	}
	code := src.String()
	for id := range es {
		if !strings.Contains(code, `"`+id+`"`) {
			t.Errorf("message %q is never used", id)
		}
	}
}
