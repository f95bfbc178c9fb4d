package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/robotpdf/devkeys/internal/audit"
	"github.com/robotpdf/devkeys/internal/config"
	"github.com/robotpdf/devkeys/internal/credential"
	"github.com/robotpdf/devkeys/internal/database"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/lifecycle"
	"github.com/robotpdf/devkeys/internal/metering"
	"github.com/robotpdf/devkeys/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testManagementToken = "mgmt-token-for-tests"
	testJWTSecret       = "jwt-secret-for-tests"
	testJWTIssuer       = "robotpdf"
	testSessionSecret   = "session-secret-for-tests-32bytes"
)

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memorySink) Log(e *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memorySink) byAction(action string) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, e := range m.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type testServer struct {
	srv  *Server
	db   *database.DB
	sink *memorySink
	cfg  *config.Config
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.DefaultConfig()
	cfg.ManagementToken = testManagementToken
	cfg.UserJWTSecret = testJWTSecret
	cfg.UserJWTIssuer = testJWTIssuer
	cfg.SessionSecret = testSessionSecret
	cfg.IPRateLimit = 0
	for _, fn := range mutate {
		fn(cfg)
	}

	m := metrics.New()
	sink := &memorySink{}
	window := metering.NewMemoryWindowLimiter()
	limiter := metering.NewLimiter(db, metering.LimiterConfig{Timeout: 5 * time.Second, Window: window, Metrics: m})
	recorder := metering.NewUsageRecorder(metering.RecorderConfig{Async: false}, db, m, nil)
	reporter := metering.NewUsageReporter(db, db, window)
	svc, err := lifecycle.NewService(db, db, limiter, reporter, lifecycle.Config{Audit: sink, Metrics: m})
	require.NoError(t, err)
	auth, err := developer.NewAuthenticator(db, developer.AuthenticatorConfig{Timeout: 5 * time.Second})
	require.NoError(t, err)

	srv, err := New(cfg, Options{
		Authenticator: auth,
		Limiter:       limiter,
		Recorder:      recorder,
		Reporter:      reporter,
		Lifecycle:     svc,
		Audit:         sink,
		Metrics:       m,
		Readiness:     db,
	})
	require.NoError(t, err)
	return &testServer{srv: srv, db: db, sink: sink, cfg: cfg}
}

type reqOpt func(*http.Request)

func withAdmin() reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testManagementToken) }
}

func withKeys(key, secret string) reqOpt {
	return func(r *http.Request) {
		r.Header.Set(HeaderAPIKey, key)
		r.Header.Set(HeaderAPISecret, secret)
	}
}

func withUser(t *testing.T, userID string) reqOpt {
	token := userToken(t, userID, testJWTIssuer, time.Hour)
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func userToken(t *testing.T, userID, issuer string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[ErrorResponse](t, rec).Code
}

// createDeveloper issues a developer through the admin API.
func (ts *testServer) createDeveloper(t *testing.T, body map[string]any) IssuedResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/developers", body, withAdmin())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[IssuedResponse](t, rec)
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
	_, err = New(config.DefaultConfig(), Options{})
	require.Error(t, err)
}

func TestAcmeQuotaEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	issued := ts.createDeveloper(t, map[string]any{"name": "Acme", "monthly_limit": 3, "rate_limit_per_minute": 100})
	require.NotNil(t, issued.Developer)
	assert.True(t, credential.IsValidKeyFormat(issued.APIKey))
	assert.True(t, credential.IsValidSecretFormat(issued.APISecret))
	assert.NotEmpty(t, issued.Warning)

	for i := 1; i <= 3; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/tools/echo", map[string]string{"page": "1"}, withKeys(issued.APIKey, issued.APISecret))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[ToolResponse](t, rec)
		assert.Equal(t, "echo", resp.Tool)
		assert.Equal(t, i, resp.Usage.CurrentMonthUsed)
		assert.Equal(t, fmt.Sprint(3-i), rec.Header().Get(HeaderQuotaRemaining))
	}

	rec := ts.do(t, http.MethodPost, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, developer.CodeQuotaExceeded, errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = ts.do(t, http.MethodGet, "/v1/usage", nil, withKeys(issued.APIKey, issued.APISecret))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[metering.UsageSummary](t, rec)
	assert.Equal(t, 3, summary.CurrentMonthUsed)
	assert.Equal(t, 0, summary.Remaining)
	require.Len(t, summary.PerTool, 1)
	assert.Equal(t, "echo", summary.PerTool[0].ToolName)
	assert.Equal(t, 3, summary.PerTool[0].UsageCount, "denied calls are not logged")

	denials := ts.sink.byAction(audit.ActionMeterDeny)
	require.Len(t, denials, 1)
	assert.Equal(t, issued.Developer.ID, denials[0].DeveloperID)
	assert.Equal(t, audit.ResultFailure, denials[0].Result)
	assert.NotContains(t, rec.Body.String(), issued.APISecret)
}

func TestTool_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	issued := ts.createDeveloper(t, map[string]any{"name": "Burst", "monthly_limit": 100, "rate_limit_per_minute": 2})

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodGet, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := ts.do(t, http.MethodGet, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, developer.CodeRateLimited, errorCode(t, rec))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = ts.do(t, http.MethodGet, "/v1/usage", nil, withKeys(issued.APIKey, issued.APISecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[metering.UsageSummary](t, rec).CurrentMonthUsed, "rate denials consume no quota")
}

func TestTool_AuthenticationFailures(t *testing.T) {
	ts := newTestServer(t)
	issued := ts.createDeveloper(t, map[string]any{"name": "Auth"})
	unknownKey, unknownSecret, err := credential.GenerateKeyPair(credential.EnvironmentLive)
	require.NoError(t, err)
	_, otherSecret, err := credential.GenerateKeyPair(credential.EnvironmentLive)
	require.NoError(t, err)

	tests := []struct {
		name   string
		opts   []reqOpt
		status int
		code   string
	}{
		{"no credentials", nil, http.StatusUnauthorized, developer.CodeMissingCredentials},
		{"key only", []reqOpt{func(r *http.Request) { r.Header.Set(HeaderAPIKey, issued.APIKey) }}, http.StatusUnauthorized, developer.CodeMissingCredentials},
		{"malformed", []reqOpt{withKeys("pk_live_short", "sk_live_short")}, http.StatusUnauthorized, developer.CodeMalformedCredential},
		{"unknown key", []reqOpt{withKeys(unknownKey, unknownSecret)}, http.StatusUnauthorized, developer.CodeInvalidKey},
		{"wrong secret", []reqOpt{withKeys(issued.APIKey, otherSecret)}, http.StatusUnauthorized, developer.CodeInvalidSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/tools/echo", nil, tt.opts...)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	rec := ts.do(t, http.MethodPut, "/developers/"+issued.Developer.ID, map[string]any{"is_active": false}, withAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPost, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, developer.CodeAccountInactive, errorCode(t, rec))
}

func TestTool_UnknownToolIsNotMetered(t *testing.T) {
	ts := newTestServer(t)
	issued := ts.createDeveloper(t, map[string]any{"name": "Lost", "monthly_limit": 1})

	rec := ts.do(t, http.MethodPost, "/v1/tools/compress", nil, withKeys(issued.APIKey, issued.APISecret))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, codeUnknownTool, errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTool_FailureIsLoggedAsError(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.srv.tools.Register("ocr", ToolFunc(func(_ context.Context, _ ToolRequest) (any, error) {
		return nil, fmt.Errorf("engine crashed")
	})))
	issued := ts.createDeveloper(t, map[string]any{"name": "OCR"})

	rec := ts.do(t, http.MethodPost, "/v1/tools/ocr", nil, withKeys(issued.APIKey, issued.APISecret))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, codeToolFailed, errorCode(t, rec))
	assert.NotContains(t, rec.Body.String(), "engine crashed")

	rec = ts.do(t, http.MethodGet, "/developers/"+issued.Developer.ID+"/logs", nil, withAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	logs := decode[ListResponse[developer.UsageLogEntry]](t, rec)
	require.Len(t, logs.Data, 1)
	assert.Equal(t, developer.OutcomeError, logs.Data[0].Outcome)
	assert.Equal(t, "ocr", logs.Data[0].ToolName)
}

func TestTool_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.MaxRequestSize = 16 })
	issued := ts.createDeveloperSmall(t)

	rec := ts.do(t, http.MethodPost, "/v1/tools/echo", strings.Repeat("x", 64), withKeys(issued.APIKey, issued.APISecret))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/usage", nil, withKeys(issued.APIKey, issued.APISecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[metering.UsageSummary](t, rec).CurrentMonthUsed)
}

// createDeveloperSmall creates a developer with a request body that fits a
// 16 byte limit.
func (ts *testServer) createDeveloperSmall(t *testing.T) IssuedResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/developers", `{"name":"tiny"}`, withAdmin())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[IssuedResponse](t, rec)
}

func TestTool_StoreUnavailableFailsClosed(t *testing.T) {
	ts := newTestServer(t)
	issued := ts.createDeveloper(t, map[string]any{"name": "Down"})
	require.NoError(t, ts.db.Close())

	rec := ts.do(t, http.MethodPost, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, developer.CodeStoreUnavailable, errorCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestManagementAuth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/developers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthenticated, errorCode(t, rec))

	rec = ts.do(t, http.MethodGet, "/developers", nil, func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/developers", nil, withUser(t, "user-a"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "user tokens do not grant admin access")

	rec = ts.do(t, http.MethodGet, "/developers", nil, withAdmin())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminLifecycle(t *testing.T) {
	ts := newTestServer(t)
	issued := ts.createDeveloper(t, map[string]any{
		"name":          "Partner",
		"email":         "ops@partner.example",
		"owner_user_id": "user-p",
		"metadata":      map[string]string{"source": "sales"},
	})
	id := issued.Developer.ID
	assert.Equal(t, "user-p", *issued.Developer.OwnerUserID)

	rec := ts.do(t, http.MethodGet, "/developers?owner_user_id=user-p", nil, withAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ListResponse[developer.Developer]](t, rec).Data, 1)

	rec = ts.do(t, http.MethodPut, "/developers/"+id+"/limits", map[string]any{"monthly_limit": 2}, withAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[developer.UsageLimit](t, rec).MonthlyLimit)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret)).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret)).Code)

	rec = ts.do(t, http.MethodPost, "/developers/"+id+"/reset-usage", nil, withAdmin())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[metering.UsageSummary](t, rec).Remaining)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret)).Code)

	rec = ts.do(t, http.MethodPost, "/developers/"+id+"/regenerate", nil, withAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	regenerated := decode[IssuedResponse](t, rec)
	assert.Equal(t, issued.APIKey, regenerated.APIKey)
	assert.NotEqual(t, issued.APISecret, regenerated.APISecret)

	rec = ts.do(t, http.MethodGet, "/v1/usage", nil, withKeys(issued.APIKey, issued.APISecret))
	assert.Equal(t, developer.CodeInvalidSecret, errorCode(t, rec))
	rec = ts.do(t, http.MethodGet, "/v1/usage", nil, withKeys(regenerated.APIKey, regenerated.APISecret))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/developers/"+id, nil, withAdmin())
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[lifecycle.DeveloperDetails](t, rec)
	assert.Equal(t, "Partner", details.Developer.Name)
	assert.Equal(t, 1, details.Usage.CurrentMonthUsed)
	assert.NotContains(t, rec.Body.String(), regenerated.APISecret)

	rec = ts.do(t, http.MethodDelete, "/developers/"+id, nil, withAdmin())
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/developers/"+id, nil, withAdmin())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, developer.CodeNotFound, errorCode(t, rec))
	rec = ts.do(t, http.MethodGet, "/developers/"+id+"/logs", nil, withAdmin())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_InvalidInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/developers", `{"name":`, withAdmin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, developer.CodeInvalidRequest, errorCode(t, rec))

	rec = ts.do(t, http.MethodPost, "/developers", map[string]any{"name": ""}, withAdmin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/developers", map[string]any{"name": "x", "rate_limit_per_minute": 0}, withAdmin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/developers?limit=-1", nil, withAdmin())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelfService_RequiresUser(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/keys", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, codeUnauthenticated, errorCode(t, rec))

	expired := userToken(t, "user-a", testJWTIssuer, -time.Minute)
	rec = ts.do(t, http.MethodGet, "/keys", nil, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	foreign := userToken(t, "user-a", "someone-else", time.Hour)
	rec = ts.do(t, http.MethodGet, "/keys", nil, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+foreign) })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/keys", nil, withAdmin())
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "the management token is not a user session")
}

func TestSelfService_KeyLifecycle(t *testing.T) {
	ts := newTestServer(t)
	user := withUser(t, "user-a")

	rec := ts.do(t, http.MethodPost, "/keys", map[string]any{"name": "laptop"}, user)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	issued := decode[IssuedResponse](t, rec)
	id := issued.Developer.ID
	assert.Equal(t, "user-a", *issued.Developer.OwnerUserID)

	rec = ts.do(t, http.MethodPost, "/keys", map[string]any{"name": "greedy", "monthly_limit": 1000000}, user)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, developer.CodeForbidden, errorCode(t, rec))

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret)).Code)

	rec = ts.do(t, http.MethodGet, "/usage", nil, user)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	usage := decode[ListResponse[metering.UsageSummary]](t, rec)
	require.Len(t, usage.Data, 1)
	assert.Equal(t, 1, usage.Data[0].CurrentMonthUsed)

	rec = ts.do(t, http.MethodGet, "/usage?developer_id="+id, nil, user)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode[metering.UsageSummary](t, rec).DeveloperID)

	rec = ts.do(t, http.MethodGet, "/logs", nil, user)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[ListResponse[developer.UsageLogEntry]](t, rec)
	require.Len(t, logs.Data, 1)
	assert.Equal(t, id, logs.Data[0].DeveloperID)

	rec = ts.do(t, http.MethodPost, "/keys/"+id+"/regenerate", nil, user)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, issued.APISecret, decode[IssuedResponse](t, rec).APISecret)

	rec = ts.do(t, http.MethodPatch, "/keys/"+id, map[string]any{"name": "old laptop", "is_active": false}, user)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[developer.Developer](t, rec).IsActive)

	rec = ts.do(t, http.MethodPatch, "/keys/"+id, map[string]any{"is_active": true}, user)
	assert.Equal(t, http.StatusForbidden, rec.Code, "only admins reactivate")

	rec = ts.do(t, http.MethodDelete, "/keys/"+id, nil, user)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/keys/"+id, nil, user)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelfService_OwnershipIsolation(t *testing.T) {
	ts := newTestServer(t)
	userA := withUser(t, "user-a")
	userB := withUser(t, "user-b")

	var wg sync.WaitGroup
	ids := map[string][]string{}
	var mu sync.Mutex
	for _, u := range []struct {
		name string
		opt  reqOpt
	}{{"user-a", userA}, {"user-b", userB}} {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(name string, opt reqOpt, i int) {
				defer wg.Done()
				rec := ts.do(t, http.MethodPost, "/keys", map[string]any{"name": fmt.Sprintf("%s-%d", name, i)}, opt)
				if rec.Code != http.StatusCreated {
					t.Errorf("create for %s: %d %s", name, rec.Code, rec.Body.String())
					return
				}
				var issued IssuedResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
					t.Errorf("decode: %v", err)
					return
				}
				mu.Lock()
				ids[name] = append(ids[name], issued.Developer.ID)
				mu.Unlock()
			}(u.name, u.opt, i)
		}
	}
	wg.Wait()
	require.Len(t, ids["user-a"], 3)
	require.Len(t, ids["user-b"], 3)

	rec := ts.do(t, http.MethodGet, "/keys", nil, userA)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []string
	for _, d := range decode[ListResponse[developer.Developer]](t, rec).Data {
		listed = append(listed, d.ID)
		assert.Equal(t, "user-a", *d.OwnerUserID)
	}
	assert.ElementsMatch(t, ids["user-a"], listed)

	target := ids["user-a"][0]
	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/keys/" + target, nil},
		{http.MethodPatch, "/keys/" + target, map[string]any{"name": "stolen"}},
		{http.MethodDelete, "/keys/" + target, nil},
		{http.MethodPost, "/keys/" + target + "/regenerate", nil},
		{http.MethodGet, "/usage?developer_id=" + target, nil},
		{http.MethodGet, "/logs?developer_id=" + target, nil},
	} {
		rec := ts.do(t, tc.method, tc.path, tc.body, userB)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, developer.CodeForbidden, errorCode(t, rec))
	}
}

func TestSelfService_KeyCap(t *testing.T) {
	ts := newTestServer(t)
	user := withUser(t, "user-cap")

	var first string
	for i := 0; i < 5; i++ {
		rec := ts.do(t, http.MethodPost, "/keys", map[string]any{"name": fmt.Sprintf("key-%d", i)}, user)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		if i == 0 {
			first = decode[IssuedResponse](t, rec).Developer.ID
		}
	}
	rec := ts.do(t, http.MethodPost, "/keys", map[string]any{"name": "key-6"}, user)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, developer.CodeLimitExceeded, errorCode(t, rec))

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/keys/"+first, nil, user).Code)
	rec = ts.do(t, http.MethodPost, "/keys", map[string]any{"name": "key-6"}, user)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSelfService_CookieSession(t *testing.T) {
	ts := newTestServer(t)

	// A login service sharing the session secret issues the cookie.
	login := gin.New()
	store := cookie.NewStore([]byte(testSessionSecret))
	login.Use(sessions.Sessions(ts.cfg.SessionName, store))
	login.GET("/login", func(c *gin.Context) {
		session := sessions.Default(c)
		session.Set(SessionUserKey, "user-cookie")
		require.NoError(t, session.Save())
		c.Status(http.StatusOK)
	})
	loginRec := httptest.NewRecorder()
	login.ServeHTTP(loginRec, httptest.NewRequest(http.MethodGet, "/login", nil))
	cookies := loginRec.Result().Cookies()
	require.NotEmpty(t, cookies)

	withCookie := func(r *http.Request) {
		for _, c := range cookies {
			r.AddCookie(c)
		}
	}
	rec := ts.do(t, http.MethodPost, "/keys", map[string]any{"name": "from-browser"}, withCookie)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "user-cookie", *decode[IssuedResponse](t, rec).Developer.OwnerUserID)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, Version, health.Version)
	assert.Equal(t, []string{"echo"}, health.Tools)

	rec = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	issued := ts.createDeveloper(t, map[string]any{"name": "Metered"})
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/tools/echo", nil, withKeys(issued.APIKey, issued.APISecret)).Code)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "devkeys_auth_attempts_total")
	assert.Contains(t, body, "devkeys_meter_decisions_total")
	assert.Contains(t, body, `route="/v1/tools/:tool"`)

	disabled := newTestServer(t, func(c *config.Config) { c.EnableMetrics = false })
	assert.Equal(t, http.StatusNotFound, disabled.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestIPThrottle(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.IPRateLimit = 1 })

	first := ts.do(t, http.MethodGet, "/v1/usage", nil)
	assert.Equal(t, http.StatusUnauthorized, first.Code)
	second := ts.do(t, http.MethodGet, "/v1/usage", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}
