package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"intelvault/config"
	"intelvault/core"
	"intelvault/jobs"
	"intelvault/notify"
	"intelvault/quota"
	"intelvault/service"
	"intelvault/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const tenantHeader = "X-Tenant-ID"

type stubExporter struct{}

func (stubExporter) Export(ctx context.Context, scope service.ExportScope, progress jobs.ProgressFunc) (any, error) {
	return map[string]string{"path": "exports/" + scope.JobID}, nil
}

type stubScheduler struct {
	mu        sync.Mutex
	refreshed []string
	removed   []string
	syncErr   error
}

func (s *stubScheduler) SyncNow(ctx context.Context, tenantID, feedID string) (*service.IngestResult, error) {
	if s.syncErr != nil {
		return nil, s.syncErr
	}
	return &service.IngestResult{FeedID: feedID, Received: 4, Created: 4}, nil
}

func (s *stubScheduler) RefreshFeed(feed *core.IntelligenceFeed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed = append(s.refreshed, feed.ID)
	return nil
}

func (s *stubScheduler) RemoveFeed(tenantID, feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, feedID)
}

func (s *stubScheduler) NextSyncTime(tenantID, feedID string) (time.Time, bool) {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), true
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *core.ErrorInfo `json:"error"`
}

type testEnv struct {
	api   *API
	svc   *service.IntelligenceService
	sched *stubScheduler
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	hub, err := notify.NewHub(notify.DefaultConfig(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	svc, err := service.New(service.Deps{
		Stores:   store.NewStores(store.WithLogger(logger)),
		Guard:    quota.NewGuard(quota.Config{}, logger),
		Hub:      hub,
		Exporter: stubExporter{},
		Logger:   logger,
	})
	require.NoError(t, err)

	require.NoError(t, svc.ProvisionTenant(core.Tenant{
		ID:       "T1",
		Name:     "Unlimited",
		Quota:    core.UnlimitedQuota(),
		Features: core.TenantFeatures{RealTimeUpdates: true, AdvancedAnalytics: true, DataExport: true},
	}))
	limited := core.UnlimitedQuota()
	limited.MaxIndicators = 1
	limited.MaxAPIRequestsPerHour = 3
	require.NoError(t, svc.ProvisionTenant(core.Tenant{ID: "T2", Name: "Limited", Quota: limited}))

	cfg := &config.Config{}
	cfg.API.TenantHeader = tenantHeader
	cfg.API.AllowedOrigins = []string{"https://ui.example.com"}
	if mutate != nil {
		mutate(cfg)
	}

	sched := &stubScheduler{}
	a := NewAPI(svc, sched, cfg, logger)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return &testEnv{api: a, svc: svc, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, path, tenant string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(tenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func indicatorBody(value, typ, severity string) map[string]any {
	return map[string]any{"type": typ, "value": value, "severity": severity, "confidence": 0.8}
}

func TestAPI_RequiresTenantHeader(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := env.do(t, "GET", "/api/v1/indicators", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, core.CodeValidation, body.Error.Code)
}

func TestAPI_Health(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
}

func TestAPI_IndicatorLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := env.do(t, "POST", "/api/v1/indicators", "T1", indicatorBody("203.0.113.5", "ip", "high"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created core.Indicator
	require.NoError(t, json.Unmarshal(body.Data, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "T1", created.TenantID)

	rec, _ = env.do(t, "POST", "/api/v1/indicators", "T1", indicatorBody("evil.example", "domain", "low"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body = env.do(t, "GET", "/api/v1/indicators/"+created.ID, "T1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, "GET", "/api/v1/indicators/"+created.ID, "T2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "tenants are isolated")

	rec, body = env.do(t, "PATCH", "/api/v1/indicators/"+created.ID, "T1", map[string]any{"severity": "low"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated core.Indicator
	require.NoError(t, json.Unmarshal(body.Data, &updated))
	assert.Equal(t, core.SeverityLow, updated.Severity)

	rec, body = env.do(t, "PATCH", "/api/v1/indicators/"+created.ID, "T1", map[string]any{"tenant_id": "T2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.CodeImmutableField, body.Error.Code)

	rec, body = env.do(t, "GET", "/api/v1/indicators?type=domain", "T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page core.Page[*core.Indicator]
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, "evil.example", page.Items[0].Value)

	rec, body = env.do(t, "GET", "/api/v1/indicators/search?q=203.0.113", "T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.Equal(t, 1, page.Total)

	rec, _ = env.do(t, "DELETE", "/api/v1/indicators/"+created.ID, "T1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body = env.do(t, "DELETE", "/api/v1/indicators/"+created.ID, "T1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.CodeNotFound, body.Error.Code)
}

func TestAPI_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"malformed json", "POST", "/api/v1/indicators", `{"type":`},
		{"unknown field", "POST", "/api/v1/indicators", `{"type":"ip","value":"203.0.113.5","colour":"red"}`},
		{"invalid indicator", "POST", "/api/v1/indicators", indicatorBody("not-an-ip", "ip", "high")},
		{"bad offset", "GET", "/api/v1/indicators?offset=abc", nil},
		{"negative offset", "GET", "/api/v1/indicators?offset=-1", nil},
		{"bad confidence", "GET", "/api/v1/indicators?min_confidence=2", nil},
		{"analytics range", "POST", "/api/v1/analytics", map[string]any{
			"from": "2026-02-01T00:00:00Z", "to": "2026-01-01T00:00:00Z", "types": []string{"trend"},
		}},
		{"export format", "POST", "/api/v1/exports", map[string]any{"kinds": []string{"indicator"}, "format": "xml"}},
		{"export kind", "POST", "/api/v1/exports", map[string]any{"kinds": []string{"alert"}, "format": "json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := env.do(t, tt.method, tt.path, "T1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.NotNil(t, body.Error)
			assert.Equal(t, core.CodeValidation, body.Error.Code)
		})
	}
}

func TestAPI_EntityQuota(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, _ := env.do(t, "POST", "/api/v1/indicators", "T2", indicatorBody("203.0.113.5", "ip", "high"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := env.do(t, "POST", "/api/v1/indicators", "T2", indicatorBody("203.0.113.6", "ip", "high"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, core.CodeQuotaExceeded, body.Error.Code)
}

func TestAPI_RequestQuota(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 3; i++ {
		rec, _ := env.do(t, "GET", "/api/v1/usage", "T2", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := env.do(t, "GET", "/api/v1/usage", "T2", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, core.CodeQuotaExceeded, body.Error.Code)
	assert.Equal(t, "3", rec.Header().Get("X-Quota-Limit"))

	rec, _ = env.do(t, "GET", "/api/v1/usage", "T1", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "other tenants are unaffected")

	rec, body = env.do(t, "GET", "/api/v1/usage", "nobody", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, core.CodeQuotaExceeded, body.Error.Code)
}

func TestAPI_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.API.RateLimit.RequestsPerSecond = 0.001
		cfg.API.RateLimit.Burst = 1
	})

	rec, _ := env.do(t, "GET", "/api/v1/features", "T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, body := env.do(t, "GET", "/api/v1/features", "T1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, core.CodeQuotaExceeded, body.Error.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestAPI_FeatureGates(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := env.do(t, "POST", "/api/v1/exports", "T2", map[string]any{"kinds": []string{"indicator"}, "format": "json"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, core.CodeFeatureDisabled, body.Error.Code)

	rec, body = env.do(t, "POST", "/api/v1/analytics", "T1", map[string]any{
		"from": "2026-01-01T00:00:00Z", "to": "2026-02-01T00:00:00Z", "types": []string{"trend"},
	})
	assert.Equal(t, http.StatusNotImplemented, rec.Code, "no analytics engine is configured")
	assert.Equal(t, core.CodeInternal, body.Error.Code)
}

func TestAPI_ExportJobs(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := env.do(t, "POST", "/api/v1/exports", "T1", map[string]any{"kinds": []string{"indicator", "report"}, "format": "csv"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job jobs.Job
	require.NoError(t, json.Unmarshal(body.Data, &job))
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Equal(t, jobs.TypeExport, job.Type)

	rec, body = env.do(t, "GET", "/api/v1/jobs", "T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []jobs.Job
	require.NoError(t, json.Unmarshal(body.Data, &list))
	assert.Len(t, list, 1)

	rec, _ = env.do(t, "GET", "/api/v1/jobs/"+job.ID, "T2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "jobs are tenant scoped")

	rec, body = env.do(t, "POST", "/api/v1/jobs/"+job.ID+"/cancel", "T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(body.Data, &job))
	assert.Equal(t, jobs.StatusCancelled, job.Status)

	rec, body = env.do(t, "POST", "/api/v1/jobs/"+job.ID+"/cancel", "T1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeInvalidState, body.Error.Code)
}

func TestAPI_FeedRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := env.do(t, "POST", "/api/v1/feeds", "T1", map[string]any{
		"name":       "blocklist",
		"source_url": "https://feeds.example.com/list.txt",
		"format":     "txt",
		"enabled":    true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var feed core.IntelligenceFeed
	require.NoError(t, json.Unmarshal(body.Data, &feed))
	assert.Equal(t, []string{feed.ID}, env.sched.refreshed)

	rec, body = env.do(t, "POST", "/api/v1/feeds/"+feed.ID+"/ingest", "T1", map[string]any{
		"indicators": []map[string]any{indicatorBody("203.0.113.5", "ip", "high"), indicatorBody("evil.example", "domain", "low")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res service.IngestResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, 2, res.Created)

	rec, _ = env.do(t, "POST", "/api/v1/feeds/"+feed.ID+"/ingest", "T1", map[string]any{"indicators": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = env.do(t, "POST", "/api/v1/feeds/"+feed.ID+"/sync", "T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, 4, res.Received)

	rec, body = env.do(t, "GET", "/api/v1/feeds/"+feed.ID+"/schedule", "T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body.Data), `"next_sync":"2026-01-01T00:00:00Z"`)

	rec, _ = env.do(t, "DELETE", "/api/v1/feeds/"+feed.ID, "T1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{feed.ID}, env.sched.removed)
}

func TestAPI_FeedSyncWithoutScheduler(t *testing.T) {
	env := newTestEnv(t, nil)
	env.api.scheduler = nil

	rec, body := env.do(t, "POST", "/api/v1/feeds/any/sync", "T1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Service Unavailable", body.Error.Message, "internal details are not exposed")
}

func TestAPI_CORS(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("OPTIONS", "/api/v1/indicators", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	rec := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAPI_Stream(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.api.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set(tenantHeader, "T1")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream?channel=indicators&min_severity=high"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	ctx := context.Background()
	_, err = env.svc.CreateIndicator(ctx, "T1", &core.Indicator{Type: core.IndicatorDomain, Value: "quiet.example", Severity: core.SeverityLow})
	require.NoError(t, err)
	loud, err := env.svc.CreateIndicator(ctx, "T1", &core.Indicator{Type: core.IndicatorIP, Value: "203.0.113.5", Severity: core.SeverityHigh})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev core.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, core.ChannelIndicators, ev.Channel)
	assert.Equal(t, loud.ID, ev.EntityID, "low severity events are filtered")
}

func TestAPI_StreamRequiresRealTimeFeature(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.api.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set(tenantHeader, "T2")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
