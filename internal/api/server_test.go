package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/alerts"
	"github.com/devpulse/devpulse/internal/common/config"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/conflicts"
	"github.com/devpulse/devpulse/internal/derive"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/events/bus"
	"github.com/devpulse/devpulse/internal/processor"
	"github.com/devpulse/devpulse/internal/retention"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/streaming"
	"github.com/devpulse/devpulse/internal/webhooks"
)

type fixture struct {
	router *gin.Engine
	store  *store.Store
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{IngestTimeout: 5},
		Conflicts: config.ConflictConfig{WindowMinutes: 30},
		Alerts: config.AlertConfig{
			ErrorRateThreshold:   0.3,
			ErrorRateCritical:    0.5,
			MinSampleSize:        10,
			StuckMinutes:         10,
			WaitingMinutes:       5,
			CriticalAfterMinutes: 30,
		},
		Webhooks: config.WebhookConfig{QueueSize: 8, AttemptTimeout: 2, MaxAttempts: 1},
		Retention: config.RetentionConfig{
			EventsDays:           1,
			DevLogsDays:          90,
			SessionsDays:         30,
			ArchiveEnabled:       true,
			ArchiveDirectory:     t.TempDir(),
			CleanupIntervalHours: 24,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := testConfig(t)
	b := bus.NewMemoryBus(log)
	t.Cleanup(b.Close)

	detector := conflicts.NewDetector(st, cfg.Conflicts.Window(), log)
	engine := alerts.NewEngine(cfg.Alerts, log)
	dispatcher := webhooks.NewDispatcher(st, cfg.Webhooks, log)
	t.Cleanup(dispatcher.Stop)
	proc := processor.New(st, b, detector, engine, dispatcher, log)

	hub, err := streaming.NewHub(st, engine, b, cfg.Conflicts.Window(), log)
	require.NoError(t, err)

	manager := retention.NewManager(st, cfg.Retention, log)
	require.NoError(t, manager.SeedSettings())

	srv := NewServer(Deps{
		Store:     st,
		Processor: proc,
		Hub:       hub,
		Webhooks:  dispatcher,
		Retention: manager,
		Bus:       b,
		Pricing:   derive.DefaultPricing(),
		Config:    cfg,
		Logger:    log,
	})
	return &fixture{router: srv.Router(), store: st}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) ingest(t *testing.T, e map[string]interface{}) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/events", e)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIngestAndRecentRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "SessionStart",
		"payload":         map[string]interface{}{"project_name": "api"},
	})

	w := f.do(t, http.MethodGet, "/events/recent?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[[]events.HookEvent](t, w)
	require.Len(t, rows, 1)
	assert.Equal(t, "app1", rows[0].SourceApp)
	assert.NotZero(t, rows[0].ID)
	assert.NotZero(t, rows[0].Timestamp)
}

func TestIngestMalformedReturns400(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/events", map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "NotAThing",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsToolSuccessRate(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 8; i++ {
		f.ingest(t, map[string]interface{}{
			"source_app": "app1", "session_id": "s1",
			"hook_event_type": "PostToolUse",
			"payload":         map[string]interface{}{"project_name": "P", "tool_name": "Bash"},
		})
	}
	for i := 0; i < 2; i++ {
		f.ingest(t, map[string]interface{}{
			"source_app": "app1", "session_id": "s1",
			"hook_event_type": "PostToolUseFailure",
			"payload":         map[string]interface{}{"project_name": "P", "tool_name": "Bash"},
		})
	}

	w := f.do(t, http.MethodGet, "/api/metrics?group=session&project=P", nil)
	require.Equal(t, http.StatusOK, w.Code)
	metrics := decode[[]derive.SessionMetrics](t, w)
	require.Len(t, metrics, 1)
	assert.InDelta(t, 80.0, metrics[0].ToolSuccessRate, 0.001)
}

func TestConflictEscalation(t *testing.T) {
	f := newFixture(t)
	write := func(app, session string) map[string]interface{} {
		return map[string]interface{}{
			"source_app": app, "session_id": session,
			"hook_event_type": "PreToolUse",
			"payload": map[string]interface{}{
				"project_name": "P", "tool_name": "Write", "file_path": "src/a.ts",
			},
		}
	}
	f.ingest(t, write("app1", "a"))
	f.ingest(t, write("app2", "b"))

	w := f.do(t, http.MethodGet, "/api/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[[]store.FileConflict](t, w)
	require.Len(t, rows, 1)
	assert.Equal(t, store.SeverityHigh, rows[0].Severity)
	assert.Len(t, rows[0].Accesses(), 2)
}

func TestDismissConflictNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/conflicts/nope/dismiss", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionContextHealth(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UnixMilli()
	for _, offset := range []int64{6, 4, 2} {
		f.ingest(t, map[string]interface{}{
			"source_app": "app1", "session_id": "s1",
			"hook_event_type": "Compaction",
			"payload":         map[string]interface{}{"project_name": "P"},
			"timestamp":       now - offset*60_000,
		})
	}

	w := f.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessions := decode[[]store.Session](t, w)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(3), sessions[0].CompactionCount)
	assert.Equal(t, derive.ContextRed, sessions[0].ContextHealth)
}

func TestSessionEventsRequiresSourceApp(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/sessions/s1/events", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "SessionStart", "payload": map[string]interface{}{},
	})
	w = f.do(t, http.MethodGet, "/api/sessions/s1/events?source_app=app1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[[]events.HookEvent](t, w)
	assert.Len(t, rows, 1)
}

func TestProjectsIncludeHealth(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "SessionStart",
		"payload": map[string]interface{}{
			"project_name": "P", "test_status": "passing",
		},
	})

	w := f.do(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	projects := decode[[]store.Project](t, w)
	require.Len(t, projects, 1)

	var health derive.Health
	require.NoError(t, json.Unmarshal(projects[0].Health, &health))
	assert.Greater(t, health.Score, 0)

	w = f.do(t, http.MethodGet, "/api/projects/P", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/api/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSummariesValidation(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/summaries?period=hourly", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	date := time.Now().Format("2006-01-02")
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "SessionStart",
		"payload":         map[string]interface{}{"project_name": "P"},
	})
	w = f.do(t, http.MethodGet, "/api/summaries?period=daily&date="+date, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summaries := decode[[]derive.ProjectSummary](t, w)
	require.Len(t, summaries, 1)
	assert.Equal(t, "P", summaries[0].ProjectName)
}

func TestCostsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "PostToolUse",
		"model_name":      "claude-sonnet-4",
		"payload":         map[string]interface{}{"project_name": "P"},
	})

	w := f.do(t, http.MethodGet, "/api/costs?group=project", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Group string                `json:"group"`
		Costs []derive.CostEstimate `json:"costs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Costs, 1)
	assert.Equal(t, "P", body.Costs[0].GroupKey)

	w = f.do(t, http.MethodGet, "/api/costs?group=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHeatmapEndpoint(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "SessionStart",
		"payload":         map[string]interface{}{"project_name": "P"},
	})

	w := f.do(t, http.MethodGet, "/api/analytics/heatmap?days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hm := decode[derive.Heatmap](t, w)
	assert.Equal(t, int64(1), hm.MaxCount)
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "Stop",
		"summary":         "refactored the billing pipeline",
		"payload":         map[string]interface{}{"project_name": "P"},
	})

	w := f.do(t, http.MethodGet, "/api/search?q=billing&type=events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	results := decode[store.SearchResults](t, w)
	assert.Len(t, results.Events, 1)
}

func TestWebhookCRUD(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{"url": "http://example.com/hook"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/webhooks", map[string]interface{}{
		"name": "ci", "url": "http://example.com/hook", "event_types": []string{"Stop"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[store.Webhook](t, w)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Active)

	w = f.do(t, http.MethodGet, "/api/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]store.Webhook](t, w), 1)

	// Stale precondition is rejected.
	w = f.do(t, http.MethodPut, "/api/webhooks/"+created.ID, map[string]interface{}{
		"name": "ci2", "url": created.URL, "updated_at": 1,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPut, "/api/webhooks/"+created.ID, map[string]interface{}{
		"name": "ci2", "url": created.URL, "updated_at": created.UpdatedAt,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ci2", decode[store.Webhook](t, w).Name)

	w = f.do(t, http.MethodDelete, "/api/webhooks/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodDelete, "/api/webhooks/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminCleanup(t *testing.T) {
	f := newFixture(t)

	// Rows past the threshold enter through the back door; ingest clamps
	// timestamps into the last 24 hours.
	old := &events.HookEvent{
		SourceApp: "app1", SessionID: "s1", Type: events.TypeSessionStart,
		Payload: []byte(`{}`), Timestamp: time.Now().Add(-48 * time.Hour).UnixMilli(),
	}
	require.NoError(t, f.store.AppendEvent(old))
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "Stop", "payload": map[string]interface{}{},
	})

	w := f.do(t, http.MethodPost, "/api/admin/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[retention.Report](t, w)
	assert.Equal(t, int64(1), report.EventsDeleted)
	assert.Equal(t, int64(1), report.EventsArchived)

	w = f.do(t, http.MethodGet, "/events/recent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[[]events.HookEvent](t, w)
	require.Len(t, rows, 1)
	assert.Equal(t, events.TypeStop, rows[0].Type)
}

func TestAdminSettings(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/admin/settings", map[string]string{
		store.SettingEventsDays: "7",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/admin/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings := decode[map[string]string](t, w)
	assert.Equal(t, "7", settings[store.SettingEventsDays])
}

func TestAdminStats(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "SessionStart", "payload": map[string]interface{}{},
	})

	w := f.do(t, http.MethodGet, "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Store       store.AdminStats `json:"store"`
		Subscribers int              `json:"subscribers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Store.TableCounts["events"])
}

func TestExportReport(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "SessionStart",
		"payload":         map[string]interface{}{"project_name": "P"},
	})

	w := f.do(t, http.MethodGet, "/api/export/report?project=P", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "DevPulse Activity Report")
	assert.Contains(t, w.Body.String(), fmt.Sprintf("<td>%s</td>", "P"))
}

func TestFilterOptionsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, map[string]interface{}{
		"source_app": "app1", "session_id": "s1",
		"hook_event_type": "SessionStart", "payload": map[string]interface{}{},
	})

	w := f.do(t, http.MethodGet, "/events/filter-options", nil)
	require.Equal(t, http.StatusOK, w.Code)
	opts := decode[store.FilterOptions](t, w)
	assert.Equal(t, []string{"app1"}, opts.SourceApps)
	assert.Equal(t, []string{"SessionStart"}, opts.EventTypes)
}
