package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"trust-service/internal/audit"
	"trust-service/internal/config"
	"trust-service/internal/encryption"
	"trust-service/internal/hashing"
	"trust-service/internal/metrics"
	"trust-service/internal/models"
	"trust-service/internal/repository/memory"
	"trust-service/internal/service"
	"trust-service/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func (s *captureSender) SendCode(_ context.Context, email, code string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[email] = code
	return nil
}

func (s *captureSender) code(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[email]
}

type apiFixture struct {
	router chi.Router
	trail  *audit.Trail
	alerts *service.AlertStore
	sender *captureSender
	clock  *util.FakeClock
}

func newAPIFixture(t *testing.T, verifyRPS float64, verifyBurst int) *apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := util.NewFakeClock(t0)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	trail, err := audit.NewTrail(config.AuditConfig{Dir: t.TempDir()}, clock, m, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = trail.Close() })

	hasher, err := hashing.NewHasher(config.HashingConfig{Argon2MemoryCost: 64, Argon2TimeCost: 1, Argon2Parallelism: 1})
	require.NoError(t, err)

	sender := &captureSender{codes: map[string]string{}}
	verifier := service.NewIdentityVerifier(
		config.VerificationConfig{TokenTTL: 30 * time.Minute, MaxAttempts: 5},
		memory.NewTokenRepository(),
		service.NewMemoryRateLimiter(5, time.Hour, clock),
		hasher,
		encryption.NewEncryptionManager(config.KMSConfig{}, nil),
		sender, trail, clock, m, logger,
	)
	data := memory.NewConversationStore(clock)
	data.AddSession(models.ConversationSession{ID: "s1", CreatedAt: t0})
	dsr := service.NewDSRService(config.DSRConfig{DueDays: 30}, memory.NewDSRRepository(), data, trail, clock, m, logger)
	alerts := service.NewAlertStore(config.AlertsConfig{FilePath: filepath.Join(t.TempDir(), "alerts.json")}, trail, nil, clock, m, logger)

	router := NewRouter(RouterConfig{
		Gatherer: reg,
		Metrics:  m,
		HealthChecks: map[string]HealthCheck{
			"audit": func(context.Context) error { return nil },
		},
	}, Handlers{
		DSR:      NewDSRHandler(verifier, dsr, verifyRPS, verifyBurst, logger),
		Security: NewSecurityHandler(alerts, trail, logger),
		Audit:    NewAuditHandler(trail, logger),
	}, logger)

	return &apiFixture{router: router, trail: trail, alerts: alerts, sender: sender, clock: clock}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    *Meta           `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

const email = "jane.doe@example.com"

// verify runs the request and confirm steps and returns the verified token id.
func (f *apiFixture) verify(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/dsr/verify/request", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		TokenID string `json:"tokenId"`
	}
	decodeEnvelope(t, rec, &out)

	rec = f.do(t, http.MethodPost, "/api/dsr/verify/confirm", map[string]string{"tokenId": out.TokenID, "code": f.sender.code(email)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return out.TokenID
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, 1000, 100)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trust_http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="/health"`)
}

func TestHealth_Unhealthy(t *testing.T) {
	router := NewRouter(RouterConfig{HealthChecks: map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}}, Handlers{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"unhealthy"`)
}

func TestRequireTLS(t *testing.T) {
	router := NewRouter(RouterConfig{RequireTLS: true}, Handlers{}, zaptest.NewLogger(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}

func TestVerificationFlow(t *testing.T) {
	f := newAPIFixture(t, 1000, 100)

	rec := f.do(t, http.MethodPost, "/api/dsr/verify/request", map[string]string{"email": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/dsr/verify/request", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, rec.Code)
	var issued struct {
		TokenID string `json:"tokenId"`
	}
	decodeEnvelope(t, rec, &issued)
	require.NotEmpty(t, issued.TokenID)

	code := f.sender.code(email)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	rec = f.do(t, http.MethodPost, "/api/dsr/verify/confirm", map[string]string{"tokenId": issued.TokenID, "code": wrong})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var failed service.VerifyResult
	env := decodeEnvelope(t, rec, &failed)
	assert.Equal(t, "INVALID_CODE", env.Error)
	assert.Equal(t, 4, failed.AttemptsRemaining)

	rec = f.do(t, http.MethodPost, "/api/dsr/verify/confirm", map[string]string{"tokenId": issued.TokenID, "code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	var ok service.VerifyResult
	decodeEnvelope(t, rec, &ok)
	assert.True(t, ok.Verified)
	assert.Equal(t, email, ok.Email)

	rec = f.do(t, http.MethodPost, "/api/dsr/verify/confirm", map[string]string{"tokenId": "missing", "code": "123456"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/dsr/verify/confirm", map[string]string{"tokenId": issued.TokenID, "code": "12ab"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerificationRateLimitedPerEmail(t *testing.T) {
	f := newAPIFixture(t, 1000, 100)
	for i := 0; i < 5; i++ {
		rec := f.do(t, http.MethodPost, "/api/dsr/verify/request", map[string]string{"email": email})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	f.clock.Advance(20 * time.Minute)

	rec := f.do(t, http.MethodPost, "/api/dsr/verify/request", map[string]string{"email": email})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2400", rec.Header().Get("Retry-After"))
}

func TestVerificationRateLimitedPerIP(t *testing.T) {
	f := newAPIFixture(t, 0.001, 1)
	rec := f.do(t, http.MethodPost, "/api/dsr/verify/request", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/dsr/verify/request", map[string]string{"email": "other@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestDSRLifecycle(t *testing.T) {
	f := newAPIFixture(t, 1000, 100)

	body := map[string]any{
		"type":          "ACCESS",
		"requesterInfo": map[string]string{"email": email, "name": "Jane"},
	}
	rec := f.do(t, http.MethodPost, "/api/dsr/requests", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "token id is required")

	body["verificationTokenId"] = "unverified"
	rec = f.do(t, http.MethodPost, "/api/dsr/requests", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body["verificationTokenId"] = f.verify(t)
	body["type"] = "DELETE_EVERYTHING"
	rec = f.do(t, http.MethodPost, "/api/dsr/requests", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body["type"] = "ACCESS"
	rec = f.do(t, http.MethodPost, "/api/dsr/requests", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.DSRRequest
	decodeEnvelope(t, rec, &created)
	assert.Equal(t, models.DSRPending, created.Status)
	assert.Equal(t, t0.Add(30*24*time.Hour), created.DueDate.UTC())

	rec = f.do(t, http.MethodPost, "/api/dsr/requests", body)
	assert.Equal(t, http.StatusForbidden, rec.Code, "a token is spent by one request")

	rec = f.do(t, http.MethodGet, "/api/dsr/requests?status=PENDING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Requests []models.DSRRequest `json:"requests"`
		Count    int                 `json:"count"`
	}
	decodeEnvelope(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = f.do(t, http.MethodGet, "/api/dsr/requests?overdue=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/dsr/requests/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/dsr/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/dsr/requests/"+created.ID+"/process", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var processed struct {
		Result models.DSRRequest `json:"result"`
	}
	decodeEnvelope(t, rec, &processed)
	assert.Equal(t, models.DSRCompleted, processed.Result.Status)
	assert.NotNil(t, processed.Result.ResponseData["data"])

	rec = f.do(t, http.MethodPatch, "/api/dsr/requests/"+created.ID, map[string]string{"status": "IN_PROGRESS"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPatch, "/api/dsr/requests/missing", map[string]string{"status": "IN_PROGRESS"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/dsr/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.DSRStats
	decodeEnvelope(t, rec, &stats)
	assert.Equal(t, 1, stats.ByStatus[models.DSRCompleted])
}

func TestCreateRequest_ConcurrentSubmissionsSpendTokenOnce(t *testing.T) {
	f := newAPIFixture(t, 1000, 100)
	payload, err := json.Marshal(map[string]any{
		"type":                "ERASURE",
		"requesterInfo":       map[string]string{"email": email},
		"verificationTokenId": f.verify(t),
	})
	require.NoError(t, err)

	const n = 16
	codes := make([]int, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			req := httptest.NewRequest(http.MethodPost, "/api/dsr/requests", bytes.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	close(start)
	wg.Wait()

	created := 0
	for _, code := range codes {
		if code == http.StatusCreated {
			created++
			continue
		}
		assert.Equal(t, http.StatusForbidden, code)
	}
	assert.Equal(t, 1, created)

	rec := f.do(t, http.MethodGet, "/api/dsr/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeEnvelope(t, rec, &list)
	assert.Equal(t, 1, list.Count)
}

func TestSecurityEndpoints(t *testing.T) {
	f := newAPIFixture(t, 1000, 100)
	alert, err := f.alerts.Create(context.Background(), models.AlertBruteForce, models.AlertCritical, "x", nil)
	require.NoError(t, err)
	_, err = f.alerts.Create(context.Background(), models.AlertAuditLogFailure, models.AlertHigh, "y", nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/security/alerts?severity=CRITICAL", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Alerts []models.SecurityAlert `json:"alerts"`
		Count  int                    `json:"count"`
	}
	decodeEnvelope(t, rec, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, alert.ID, list.Alerts[0].ID)

	rec = f.do(t, http.MethodGet, "/api/security/alerts?severity=URGENT", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/security/alerts/"+alert.ID+"/resolve", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/security/alerts/alert_0_missing/resolve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/security/alerts?resolved=false", nil)
	decodeEnvelope(t, rec, &list)
	assert.Equal(t, 1, list.Count)

	rec = f.do(t, http.MethodGet, "/api/security/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Alerts models.AlertStats `json:"alerts"`
		Audit  models.AuditStats `json:"audit"`
	}
	decodeEnvelope(t, rec, &summary)
	assert.Equal(t, 2, summary.Alerts.Total)
	assert.Equal(t, 1, summary.Alerts.Resolved)
	assert.Equal(t, 3, summary.Audit.Total, "two alerts and one resolution were audited")
}

func TestAuditEndpoints(t *testing.T) {
	f := newAPIFixture(t, 1000, 100)
	ctx := context.Background()
	f.trail.Append(ctx, models.AuditEvent{Type: models.EventAuthLoginFailed, Outcome: models.OutcomeFailure, Details: map[string]any{"ip": "10.0.0.1"}})
	f.clock.Advance(time.Minute)
	f.trail.Append(ctx, models.AuditEvent{Type: models.EventDataAccess, Outcome: models.OutcomeSuccess})
	f.clock.Advance(time.Minute)
	f.trail.Append(ctx, models.AuditEvent{Type: models.EventDataAccess, Outcome: models.OutcomeSuccess})

	rec := f.do(t, http.MethodGet, "/api/audit/logs?eventType=DATA_ACCESS&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Events []models.AuditEvent `json:"events"`
	}
	env := decodeEnvelope(t, rec, &logs)
	assert.Len(t, logs.Events, 1)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 2, env.Meta.Total)

	rec = f.do(t, http.MethodGet, "/api/audit/logs?result=FAILURE&searchTerm=10.0.0", nil)
	decodeEnvelope(t, rec, &logs)
	assert.Len(t, logs.Events, 1)

	rec = f.do(t, http.MethodGet, "/api/audit/logs?startDate=2024-05-01&endDate=2024-05-01", nil)
	env = decodeEnvelope(t, rec, &logs)
	assert.Equal(t, 3, env.Meta.Total)

	rec = f.do(t, http.MethodGet, "/api/audit/logs?startDate=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/audit/logs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/audit/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.AuditStats
	decodeEnvelope(t, rec, &stats)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.RecentFailures)

	rec = f.do(t, http.MethodGet, "/api/audit/export?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 4)

	rec = f.do(t, http.MethodGet, "/api/audit/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
