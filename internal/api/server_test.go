package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/org/secretprov/internal/audit"
	"github.com/org/secretprov/internal/auth"
	"github.com/org/secretprov/internal/backend"
	"github.com/org/secretprov/internal/backend/backendtest"
	apperrors "github.com/org/secretprov/internal/errors"
	"github.com/org/secretprov/internal/policy"
	"github.com/org/secretprov/internal/provision"
	"github.com/org/secretprov/internal/registry"
	"github.com/org/secretprov/internal/secret"
	"github.com/org/secretprov/internal/storage"
)

type testEnv struct {
	handler http.Handler
	fake    *backendtest.Server
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	fake := backendtest.NewServer(t)
	client, err := backend.NewClient(backend.Config{Address: fake.URL(), RootToken: backendtest.RootToken})
	require.NoError(t, err)

	store := storage.NewMemoryBackend()
	namer := policy.NewNamer("secret")
	mirror := secret.NewMirror(client, namer)
	journal := audit.NewJournal(store)
	prov := provision.New(provision.Config{
		Store:            store,
		Policies:         client,
		Tokens:           auth.NewTokenManager(client, registry.NewMemory()),
		Mirror:           mirror,
		Namer:            namer,
		Journal:          journal,
		EnvironmentTypes: []string{"dev", "qual", "preprod", "prod"},
	})
	srv := NewServer(prov, mirror, journal, cfg)
	return &testEnv{handler: srv.BuildRouter(), fake: fake}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// data decodes the "data" member of a response body.
func data(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

type errorBody struct {
	Errors        []string `json:"errors"`
	EnvironmentID int64    `json:"environment_id"`
	Completed     []string `json:"completed"`
	Failed        string   `json:"failed"`
	ClientToken   string   `json:"client_token"`
}

func errBody(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var b errorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b), rr.Body.String())
	return b
}

type envView struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Type     string `json:"type"`
	Path     string `json:"path"`
	Accessor string `json:"accessor"`
}

func (e *testEnv) createApp(t *testing.T, code string) int64 {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/applications", map[string]string{"code": code})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var app struct {
		ID int64 `json:"id"`
	}
	data(t, rr, &app)
	return app.ID
}

func (e *testEnv) createEnv(t *testing.T, appID int64, envType string) (envView, string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, fmt.Sprintf("/v1/applications/%d/environments", appID), map[string]string{"type": envType})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var out struct {
		Environment envView `json:"environment"`
		ClientToken string  `json:"client_token"`
	}
	data(t, rr, &out)
	return out.Environment, out.ClientToken
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, Config{})
	rr := e.do(t, http.MethodGet, "/v1/sys/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newTestEnv(t, Config{})
	rr := e.do(t, http.MethodGet, "/v1/sys/health", nil, "X-Request-ID", "req-42")
	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))
}

func TestEnvironmentLifecycle(t *testing.T) {
	e := newTestEnv(t, Config{})
	appID := e.createApp(t, "ACME")

	env, token := e.createEnv(t, appID, "prod")
	assert.Equal(t, "prod0", env.Code)
	assert.Equal(t, "secret/ACME/prod0", env.Path)
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, env.Accessor)
	_, ok := e.fake.Policy("acmeprod0")
	assert.True(t, ok)

	base := fmt.Sprintf("/v1/environments/%d", env.ID)

	rr := e.do(t, http.MethodPost, base+"/properties", map[string]string{"key": "DB_PASS", "value": "s3cret"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = e.do(t, http.MethodPost, base+"/properties", map[string]string{"key": "PORT", "value": "5432"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, base+"/properties/DB_PASS", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var prop propertyValue
	data(t, rr, &prop)
	assert.Equal(t, "s3cret", prop.Value)

	rr = e.do(t, http.MethodPut, base+"/properties/DB_PASS", map[string]string{"value": "rotated"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, base+"/properties", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var props []struct {
		ID    int    `json:"id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	data(t, rr, &props)
	require.Len(t, props, 2)
	assert.Equal(t, "DB_PASS", props[0].Key)
	assert.Equal(t, "rotated", props[0].Value)
	assert.Equal(t, 2, props[1].ID)

	rr = e.do(t, http.MethodGet, base+"/properties.env", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, "DB_PASS=\"rotated\"\nPORT=5432\n", rr.Body.String())

	rr = e.do(t, http.MethodDelete, base+"/properties/PORT", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = e.do(t, http.MethodGet, base+"/properties/PORT", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodGet, base+"/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st struct {
		PolicyPresent      bool `json:"policy_present"`
		PolicyCurrent      bool `json:"policy_current"`
		AccessorRegistered bool `json:"accessor_registered"`
		SecretCount        int  `json:"secret_count"`
	}
	data(t, rr, &st)
	assert.True(t, st.PolicyPresent)
	assert.True(t, st.PolicyCurrent)
	assert.True(t, st.AccessorRegistered)
	assert.Equal(t, 1, st.SecretCount)

	rr = e.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = e.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, e.fake.SecretPaths("secret/ACME/prod0"))
	assert.Empty(t, e.fake.LiveTokens())

	rr = e.do(t, http.MethodGet, fmt.Sprintf("/v1/audit/steps?environment_id=%d&operation=delete", env.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var steps []struct {
		Step    string `json:"step"`
		Outcome string `json:"outcome"`
	}
	data(t, rr, &steps)
	require.Len(t, steps, 4)
	assert.Equal(t, provision.StepDeleteRow, steps[0].Step)
	assert.Equal(t, provision.StepDeleteKeys, steps[3].Step)
}

func TestRegenerateTokenEndpoint(t *testing.T) {
	e := newTestEnv(t, Config{})
	env, first := e.createEnv(t, e.createApp(t, "ACME"), "dev")

	rr := e.do(t, http.MethodPost, fmt.Sprintf("/v1/environments/%d/token", env.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out struct {
		Environment envView `json:"environment"`
		ClientToken string  `json:"client_token"`
	}
	data(t, rr, &out)
	assert.NotEqual(t, first, out.ClientToken)
	assert.NotEqual(t, env.Accessor, out.Environment.Accessor)

	live := e.fake.LiveTokens()
	require.Len(t, live, 1)
	assert.Equal(t, out.Environment.Accessor, live[0].Accessor)
}

func TestRenameEndpoint(t *testing.T) {
	e := newTestEnv(t, Config{})
	env, _ := e.createEnv(t, e.createApp(t, "ACME"), "qual")
	base := fmt.Sprintf("/v1/environments/%d", env.ID)
	rr := e.do(t, http.MethodPost, base+"/properties", map[string]string{"key": "API_KEY", "value": "k"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = e.do(t, http.MethodPut, base, map[string]string{"code": "staging"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out struct {
		Environment envView `json:"environment"`
		ClientToken string  `json:"client_token"`
	}
	data(t, rr, &out)
	assert.Equal(t, "staging", out.Environment.Code)
	assert.NotEmpty(t, out.ClientToken)

	rr = e.do(t, http.MethodGet, base+"/properties/API_KEY", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	_, ok := e.fake.Policy("acmequal0")
	assert.False(t, ok)

	rr = e.do(t, http.MethodPut, base, map[string]string{"code": "bad/code"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRenameFailureReturnsIssuedToken(t *testing.T) {
	e := newTestEnv(t, Config{})
	env, _ := e.createEnv(t, e.createApp(t, "ACME"), "qual")
	e.fake.FailOn(http.MethodDelete, "sys/policy/acmequal0", http.StatusInternalServerError)

	rr := e.do(t, http.MethodPut, fmt.Sprintf("/v1/environments/%d", env.ID), map[string]string{"code": "staging"})
	require.Equal(t, http.StatusInternalServerError, rr.Code, rr.Body.String())
	b := errBody(t, rr)
	assert.Equal(t, provision.StepDeletePolicy, b.Failed)
	assert.NotEmpty(t, b.ClientToken)
}

func TestValidationErrors(t *testing.T) {
	e := newTestEnv(t, Config{})

	rr := e.do(t, http.MethodPost, "/v1/applications", map[string]string{"name": "no code"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, errBody(t, rr).Errors[0], "field 'code' is required")

	rr = e.do(t, http.MethodPost, "/v1/applications", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, errBody(t, rr).Errors[0], "invalid JSON format")

	rr = e.do(t, http.MethodPost, "/v1/applications", map[string]string{"code": "has space"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodGet, "/v1/applications/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	appID := e.createApp(t, "ACME")
	rr = e.do(t, http.MethodPost, fmt.Sprintf("/v1/applications/%d/environments", appID), map[string]string{"type": "sandbox"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	env, _ := e.createEnv(t, appID, "dev")
	rr = e.do(t, http.MethodPost, fmt.Sprintf("/v1/environments/%d/properties", env.ID), map[string]string{"key": "EMPTY"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestApplicationEndpoints(t *testing.T) {
	e := newTestEnv(t, Config{})
	id := e.createApp(t, "ACME")

	rr := e.do(t, http.MethodPost, "/v1/applications", map[string]string{"code": "ACME"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(t, http.MethodPut, fmt.Sprintf("/v1/applications/%d", id), map[string]string{"name": "Acme Corp", "code": "ACME"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodGet, "/v1/applications", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var apps []struct {
		Name string `json:"name"`
	}
	data(t, rr, &apps)
	require.Len(t, apps, 1)
	assert.Equal(t, "Acme Corp", apps[0].Name)

	e.createEnv(t, id, "dev")
	rr = e.do(t, http.MethodPut, fmt.Sprintf("/v1/applications/%d", id), map[string]string{"code": "ACME2"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(t, http.MethodGet, fmt.Sprintf("/v1/applications/%d/environments", id), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var envs []envView
	data(t, rr, &envs)
	require.Len(t, envs, 1)
	assert.Equal(t, "dev0", envs[0].Code)

	rr = e.do(t, http.MethodDelete, fmt.Sprintf("/v1/applications/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = e.do(t, http.MethodGet, fmt.Sprintf("/v1/applications/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, e.fake.LiveTokens())
}

func TestPartialCreateReportsSteps(t *testing.T) {
	e := newTestEnv(t, Config{})
	appID := e.createApp(t, "ACME")
	e.fake.FailOn(http.MethodPut, "sys/policy/", http.StatusInternalServerError)

	rr := e.do(t, http.MethodPost, fmt.Sprintf("/v1/applications/%d/environments", appID), map[string]string{"type": "prod"})
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	b := errBody(t, rr)
	assert.Equal(t, []string{provision.StepPersist}, b.Completed)
	assert.Equal(t, provision.StepPolicy, b.Failed)
	assert.NotZero(t, b.EnvironmentID)
	assert.Empty(t, b.ClientToken)
}

func TestBackendFailuresMapToGatewayStatuses(t *testing.T) {
	e := newTestEnv(t, Config{})
	env, _ := e.createEnv(t, e.createApp(t, "ACME"), "dev")
	path := fmt.Sprintf("/v1/environments/%d/properties/KEY", env.ID)

	e.fake.FailOn(http.MethodGet, "secret/", http.StatusForbidden)
	rr := e.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	e.fake.ClearFailures()
	e.fake.Close()
	rr = e.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestExportEndpoint(t *testing.T) {
	e := newTestEnv(t, Config{})
	env, _ := e.createEnv(t, e.createApp(t, "ACME"), "dev")
	path := fmt.Sprintf("/v1/environments/%d/properties.env", env.ID)

	rr := e.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Equal(t, `attachment; filename="ACME-dev0.env"`, rr.Header().Get("Content-Disposition"))

	e.fake.FailOn(http.MethodGet, "secret/", http.StatusForbidden)
	rr = e.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestApplicationCodeConflictIgnoresCase(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.createApp(t, "ACME")

	rr := e.do(t, http.MethodPost, "/v1/applications", map[string]string{"code": "acme"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestStatusFor(t *testing.T) {
	rejected := &apperrors.BackendError{Op: "write", Status: 403, Err: errors.New("denied")}
	down := &apperrors.BackendError{Op: "write", Err: errors.New("connection refused")}

	cases := []struct {
		err  error
		want int
	}{
		{apperrors.InvalidParameters("x"), http.StatusBadRequest},
		{fmt.Errorf("loading: %w", storage.ErrNotFound), http.StatusNotFound},
		{storage.ErrAlreadyExists, http.StatusConflict},
		{rejected, http.StatusBadGateway},
		{down, http.StatusServiceUnavailable},
		{&apperrors.PartialError{Operation: "create", Failed: "create_policy", Err: rejected}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}

func TestAdminToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("let-me-in"), bcrypt.MinCost)
	require.NoError(t, err)
	e := newTestEnv(t, Config{AdminTokenHash: string(hash)})

	rr := e.do(t, http.MethodGet, "/v1/applications", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = e.do(t, http.MethodGet, "/v1/applications", nil, "X-Admin-Token", "wrong")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = e.do(t, http.MethodGet, "/v1/applications", nil, "X-Admin-Token", "let-me-in")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = e.do(t, http.MethodGet, "/v1/sys/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/sys/health", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodGet, "/v1/sys/health", nil).Code)

	// other clients have their own bucket
	rr := e.do(t, http.MethodGet, "/v1/sys/health", nil, "X-Forwarded-For", "10.0.0.9, 10.0.0.1")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsUseRoutePattern(t *testing.T) {
	e := newTestEnv(t, Config{})
	e.do(t, http.MethodGet, "/v1/environments/12345/status", nil)

	rr := e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "secretprov_requests_total")
	assert.Contains(t, body, `route="/v1/environments/{envID}/status"`)
	assert.False(t, strings.Contains(body, `route="/v1/environments/12345`))
}
