package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spfa-lab/patientsim/internal/auth"
	"github.com/spfa-lab/patientsim/internal/i18n"
	"github.com/spfa-lab/patientsim/internal/llm/prompts"
	"github.com/spfa-lab/patientsim/internal/model"
	"github.com/spfa-lab/patientsim/internal/store"
	"github.com/spfa-lab/patientsim/internal/training"
)

type stubLLM struct {
	err error
}

func (s *stubLLM) PatientReply(_ context.Context, _ string, _ []model.Message) (string, model.Usage, error) {
	if s.err != nil {
		return "", model.Usage{}, s.err
	}
	return "Buenos días, venía a por lo mío.", model.Usage{PromptTokens: 50, CompletionTokens: 10}, nil
}

func (s *stubLLM) GenerateCaseDraft(_ context.Context, req prompts.CaseRequest) (*model.CaseProposal, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &model.CaseProposal{Title: "Borrador " + req.Area, Summary: "resumen"}, nil
}

type testEnv struct {
	t       *testing.T
	srv     *httptest.Server
	store   *store.Store
	llm     *stubLLM
	issuer  *auth.Issuer
	student model.User
	other   model.User
	teacher model.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require.NoError(t, i18n.Init("es"))

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	issuer, err := auth.NewIssuer("handler-test-secret", 0)
	require.NoError(t, err)

	env := &testEnv{t: t, store: st, llm: &stubLLM{}, issuer: issuer}
	env.student = env.addUser("student@example.com", "secret1", model.UserRoleStudent)
	env.other = env.addUser("other@example.com", "secret2", model.UserRoleStudent)
	env.teacher = env.addUser("teacher@example.com", "secret3", model.UserRoleTeacher)

	h := New(st, training.New(st, env.llm), issuer, model.ServerConfig{Lang: "es"})
	r := chi.NewRouter()
	h.Routes(r)
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) addUser(email, password string, role model.UserRole) model.User {
	e.t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(e.t, err)
	u := model.User{Email: email, Name: strings.Split(email, "@")[0], PasswordHash: hash, Role: role}
	u.ID, err = e.store.CreateUser(context.Background(), u)
	require.NoError(e.t, err)
	u.PasswordHash = ""
	return u
}

// do sends a request as user (nil for anonymous) and decodes a JSON body into out.
func (e *testEnv) do(method, path string, user *model.User, body string, out any) *http.Response {
	e.t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		token, err := e.issuer.Issue(*user)
		require.NoError(e.t, err)
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

const caseBody = `{
	"title": "Olvidos con el enalapril",
	"description": "HTA, trabaja a turnos",
	"difficulty": 2,
	"spec": {"nombre": "Luis", "edad": 58, "tratamiento": "enalapril 20 mg"},
	"ground_truth": {
		"tipo_no_adherencia": "no intencional",
		"barrera_principal": "olvido",
		"intervenciones_validas": ["Pastillero", "Alarmas en el móvil"]
	}
}`

func (e *testEnv) createCase() int64 {
	e.t.Helper()
	var out map[string]int64
	resp := e.do(http.MethodPost, "/cases", &e.teacher, caseBody, &out)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	return out["id"]
}

func (e *testEnv) startSession(user *model.User) int64 {
	e.t.Helper()
	var out struct {
		SessionID int64 `json:"sessionId"`
	}
	resp := e.do(http.MethodPost, "/sessions", user, "", &out)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	return out.SessionID
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"invalid json", `{"email":`, http.StatusBadRequest, "JSON inválido"},
		{"missing password", `{"email":"student@example.com"}`, http.StatusBadRequest, "Faltan email o contraseña"},
		{"wrong password", `{"email":"student@example.com","password":"nope"}`, http.StatusUnauthorized, "Credenciales incorrectas"},
		{"unknown user", `{"email":"ghost@example.com","password":"secret1"}`, http.StatusUnauthorized, "Credenciales incorrectas"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]string
			resp := env.do(http.MethodPost, "/auth/login", nil, tt.body, &out)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantError, out["error"])
			assert.Empty(t, resp.Cookies())
		})
	}

	t.Run("success", func(t *testing.T) {
		var out struct {
			OK   bool `json:"ok"`
			User struct {
				ID    int64  `json:"id"`
				Email string `json:"email"`
				Role  string `json:"role"`
			} `json:"user"`
		}
		resp := env.do(http.MethodPost, "/auth/login", nil, `{"email":"Student@Example.com","password":"secret1"}`, &out)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, out.OK)
		assert.Equal(t, env.student.ID, out.User.ID)
		assert.Equal(t, "student", out.User.Role)

		cookies := resp.Cookies()
		require.Len(t, cookies, 1)
		c := cookies[0]
		assert.Equal(t, auth.CookieName, c.Name)
		assert.True(t, c.HttpOnly)
		assert.Equal(t, "/", c.Path)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

		u := env.issuer.Verify(c.Value)
		require.NotNil(t, u)
		assert.Equal(t, env.student.ID, u.ID)
	})
}

func TestLogoutClearsCookie(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/auth/logout", nil, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.CookieName, cookies[0].Name)
	assert.Empty(t, cookies[0].Value)
	assert.Less(t, cookies[0].MaxAge, 0)
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)

	var errOut map[string]string
	resp := env.do(http.MethodGet, "/auth/me", nil, "", &errOut)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "No autenticado", errOut["error"])

	var me model.User
	resp = env.do(http.MethodGet, "/auth/me", &env.teacher, "", &me)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, env.teacher.Email, me.Email)
	assert.Equal(t, model.UserRoleTeacher, me.Role)
}

func TestTamperedCookieIsAnonymous(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: "eyJhbGciOiJIUzI1NiJ9.e30.bogus"})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCaseRoutesRequireTeacher(t *testing.T) {
	env := newTestEnv(t)

	routes := []struct {
		method, path string
	}{
		{http.MethodGet, "/cases"},
		{http.MethodPost, "/cases"},
		{http.MethodPost, "/cases/ai"},
		{http.MethodGet, "/cases/1"},
		{http.MethodPut, "/cases/1"},
		{http.MethodGet, "/sessions"},
		{http.MethodGet, "/sessions/1"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			resp := env.do(rt.method, rt.path, nil, caseBody, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			var out map[string]string
			resp = env.do(rt.method, rt.path, &env.student, caseBody, &out)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
			assert.Equal(t, "No autorizado", out["error"])
		})
	}
}

func TestCaseCRUD(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCase()

	var c model.Case
	resp := env.do(http.MethodGet, "/cases/"+itoa(id), &env.teacher, "", &c)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Olvidos con el enalapril", c.Title)
	assert.Equal(t, model.CaseApproved, c.Status)
	assert.Equal(t, "olvido", c.GroundTruth.BarreraPrincipal)
	assert.Equal(t, []string{"Pastillero", "Alarmas en el móvil"}, c.GroundTruth.IntervencionesValidas)

	update := `{"title": "Revisado", "difficulty": "3", "status": "rejected",
		"spec": "{\"nombre\": \"Luis\"}",
		"ground_truth": {"tipo_no_adherencia": "a", "barrera_principal": "b", "intervenciones_validas": ["c"]}}`
	resp = env.do(http.MethodPut, "/cases/"+itoa(id), &env.teacher, update, &c)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Revisado", c.Title)
	assert.Equal(t, 3, c.Difficulty)
	assert.Equal(t, model.CaseRejected, c.Status)

	var list []model.CaseSummary
	resp = env.do(http.MethodGet, "/cases", &env.teacher, "", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestCaseErrors(t *testing.T) {
	env := newTestEnv(t)
	id := env.createCase()

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"create blank title", http.MethodPost, "/cases", `{"title": "  "}`, http.StatusBadRequest, "El título es obligatorio"},
		{"create malformed spec", http.MethodPost, "/cases", `{"title": "x", "spec": "{no json"}`, http.StatusBadRequest, "El campo spec no es un JSON válido"},
		{"create invalid json", http.MethodPost, "/cases", `{"title":`, http.StatusBadRequest, "JSON inválido"},
		{"get bad id", http.MethodGet, "/cases/abc", "", http.StatusBadRequest, "Identificador no válido"},
		{"get missing", http.MethodGet, "/cases/9999", "", http.StatusNotFound, "Caso no encontrado"},
		{"update missing", http.MethodPut, "/cases/9999", caseBody[:len(caseBody)-2] + `, "status": "approved"}`, http.StatusNotFound, "Caso no encontrado"},
		{"update published", http.MethodPut, "/cases/" + itoa(id), `{"title": "x", "status": "published"}`, http.StatusBadRequest, "Estado no válido"},
		{"update negative difficulty", http.MethodPut, "/cases/" + itoa(id), `{"title": "x", "status": "draft", "difficulty": -1}`, http.StatusBadRequest, "La dificultad debe ser un número entero mayor o igual que 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]string
			resp := env.do(tt.method, tt.path, &env.teacher, tt.body, &out)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantError, out["error"])
		})
	}
}

func TestGenerateCase(t *testing.T) {
	env := newTestEnv(t)

	var draft model.CaseProposal
	resp := env.do(http.MethodPost, "/cases/ai", &env.teacher, `{"service_type":"SAT","difficulty":2,"area":"asma"}`, &draft)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Borrador asma", draft.Title)

	env.llm.err = errors.New("upstream said: secret-internal-detail")
	var out map[string]string
	resp = env.do(http.MethodPost, "/cases/ai", &env.teacher, `{}`, &out)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Error generando el caso con IA", out["error"])
	assert.NotContains(t, out["error"], "secret-internal-detail")
}

func TestStartSession(t *testing.T) {
	env := newTestEnv(t)

	var out map[string]string
	resp := env.do(http.MethodPost, "/sessions", &env.student, "", &out)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "No hay casos disponibles", out["error"])

	resp = env.do(http.MethodPost, "/sessions", nil, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	caseID := env.createCase()
	var raw map[string]json.RawMessage
	resp = env.do(http.MethodPost, "/sessions", &env.student, "", &raw)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, raw, "sessionId")
	var pub map[string]any
	require.NoError(t, json.Unmarshal(raw["case"], &pub))
	assert.Equal(t, float64(caseID), pub["id"])
	assert.NotContains(t, pub, "ground_truth")
	assert.NotContains(t, string(raw["case"]), "olvido")
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)
	env.createCase()
	sessID := env.startSession(&env.student)

	var reply map[string]string
	resp := env.do(http.MethodPost, "/chat", &env.student, `{"sessionId": `+itoa(sessID)+`, "message": "Buenos días"}`, &reply)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Buenos días, venía a por lo mío.", reply["reply"])

	// Session ids sent as strings are accepted.
	resp = env.do(http.MethodPost, "/chat", &env.student, `{"sessionId": "`+itoa(sessID)+`", "message": "¿Qué toma?"}`, &reply)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		name       string
		user       *model.User
		body       string
		wantStatus int
	}{
		{"anonymous", nil, `{"sessionId": 1, "message": "hola"}`, http.StatusUnauthorized},
		{"missing message", &env.student, `{"sessionId": ` + itoa(sessID) + `}`, http.StatusBadRequest},
		{"bad session id", &env.student, `{"sessionId": "abc", "message": "hola"}`, http.StatusBadRequest},
		{"other student's session", &env.other, `{"sessionId": ` + itoa(sessID) + `, "message": "hola"}`, http.StatusNotFound},
		{"unknown session", &env.student, `{"sessionId": 9999, "message": "hola"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(http.MethodPost, "/chat", tt.user, tt.body, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	env.llm.err = errors.New("model timeout")
	var out map[string]string
	resp = env.do(http.MethodPost, "/chat", &env.student, `{"sessionId": `+itoa(sessID)+`, "message": "hola"}`, &out)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Error interno del servidor", out["error"])
}

func TestEvaluationFlow(t *testing.T) {
	env := newTestEnv(t)
	env.createCase()
	sessID := env.startSession(&env.student)
	sid := itoa(sessID)

	var ev evaluationResponse
	body := `{"sessionId": ` + sid + `, "tipo": "No Intencional", "barrera": " Olvido ", "intervenciones": ["pastillero"]}`
	resp := env.do(http.MethodPost, "/evaluations", &env.student, body, &ev)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, ev.Score)
	assert.True(t, ev.IsTipoOK)
	assert.True(t, ev.IsBarreraOK)
	assert.True(t, ev.IsIntervOK)

	// Original field name and an empty intervention list are accepted.
	body = `{"sessionId": ` + sid + `, "tipo_no_adherencia": "intencional", "barrera": "miedo", "intervenciones": []}`
	resp = env.do(http.MethodPost, "/evaluations", &env.student, body, &ev)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, ev.Score)
	assert.Contains(t, ev.Feedback, `El tipo de no adherencia correcto era: "no intencional".`)
	assert.Contains(t, ev.Feedback, "Pastillero, Alarmas en el móvil")

	var out map[string]string
	resp = env.do(http.MethodPost, "/chat", &env.student, `{"sessionId": `+sid+`, "message": "hola"}`, &out)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "La sesión ya está finalizada", out["error"])

	tests := []struct {
		name       string
		user       *model.User
		body       string
		wantStatus int
	}{
		{"missing interventions", &env.student, `{"sessionId": ` + sid + `, "tipo": "a", "barrera": "b"}`, http.StatusBadRequest},
		{"missing tipo", &env.student, `{"sessionId": ` + sid + `, "barrera": "b", "intervenciones": []}`, http.StatusBadRequest},
		{"other student", &env.other, `{"sessionId": ` + sid + `, "tipo": "a", "barrera": "b", "intervenciones": []}`, http.StatusForbidden},
		{"unknown session", &env.student, `{"sessionId": 9999, "tipo": "a", "barrera": "b", "intervenciones": []}`, http.StatusNotFound},
		{"anonymous", nil, `{"sessionId": ` + sid + `, "tipo": "a", "barrera": "b", "intervenciones": []}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(http.MethodPost, "/evaluations", tt.user, tt.body, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	var rows []model.FinishedSessionRow
	resp = env.do(http.MethodGet, "/sessions", &env.teacher, "", &rows)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, rows, 1)
	assert.Equal(t, sessID, rows[0].SessionID)
	require.NotNil(t, rows[0].Score)
	assert.Equal(t, 0, *rows[0].Score)

	resp = env.do(http.MethodGet, "/sessions?limit=zero", &env.teacher, "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var view model.SessionView
	resp = env.do(http.MethodGet, "/sessions/"+sid, &env.teacher, "", &view)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusFinished, view.Session.Status)
	require.NotNil(t, view.Evaluation)
	assert.Equal(t, "intencional", view.Evaluation.TipoNoAdherencia)

	resp = env.do(http.MethodGet, "/sessions/9999", &env.teacher, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	var out map[string]string
	resp := env.do(http.MethodGet, "/healthz", nil, "", &out)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
}

func TestEnglishErrors(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "en")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Not authenticated", out["error"])
}

func TestFlexID(t *testing.T) {
	tests := []struct {
		in      string
		want    flexID
		wantErr bool
	}{
		{`12`, 12, false},
		{`"12"`, 12, false},
		{`null`, 0, false},
		{`"x"`, 0, true},
		{`1.5`, 0, true},
	}
	for _, tt := range tests {
		var got flexID
		err := json.Unmarshal([]byte(tt.in), &got)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
