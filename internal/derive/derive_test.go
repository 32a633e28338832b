package derive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

func TestMedian(t *testing.T) {
	assert.Equal(t, 3.0, Median([]float64{1, 2, 3, 4, 5}))
	assert.Equal(t, 2.5, Median([]float64{1, 2, 3, 4}))
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 80.0, SuccessRate(8, 2))
	assert.Equal(t, 0.0, SuccessRate(0, 0))
	assert.Equal(t, 100.0, SuccessRate(5, 0))
}

func TestTurnDurations(t *testing.T) {
	evts := []events.HookEvent{
		{Type: events.TypeUserPromptSubmit, Timestamp: 1000},
		{Type: events.TypePostToolUse, Timestamp: 2000},
		{Type: events.TypeStop, Timestamp: 4000},
		{Type: events.TypeUserPromptSubmit, Timestamp: 10_000},
		{Type: events.TypeNotification, Timestamp: 12_000},
		// Unpaired prompt at the tail is ignored.
		{Type: events.TypeUserPromptSubmit, Timestamp: 20_000},
	}
	turns := TurnDurations(evts)
	require.Len(t, turns, 2)
	assert.Equal(t, 3.0, turns[0])
	assert.Equal(t, 2.0, turns[1])
}

func TestSessionMetricsFor(t *testing.T) {
	sess := &store.Session{
		SourceApp:        "app1",
		SessionID:        "s1",
		ProjectName:      "api",
		Status:           store.StatusActive,
		StartedAt:        0,
		ToolUseCount:     8,
		ToolFailureCount: 2,
	}
	var evts []events.HookEvent
	for i := int64(0); i < 4; i++ {
		evts = append(evts, events.HookEvent{
			Type:      events.TypePostToolUse,
			Timestamp: i * 30_000,
		})
	}

	m := SessionMetricsFor(sess, evts)
	assert.Equal(t, 80.0, m.ToolSuccessRate)
	// 4 events over 1.5 minutes.
	assert.InDelta(t, 4.0/1.5, m.EventsPerMinute, 0.001)
	require.Len(t, m.Timeline, 2)
	assert.Equal(t, int64(2), m.Timeline[0].Count)
	assert.Equal(t, int64(2), m.Timeline[1].Count)
}

func TestProjectMetricsFor(t *testing.T) {
	sessions := []store.Session{
		{StartedAt: 0, LastEventAt: 120_000},
		{StartedAt: 0, LastEventAt: 60_000},
	}
	metrics := []SessionMetrics{
		{ToolUseCount: 8, ToolFailureCount: 2, ToolSuccessRate: 80},
		{ToolUseCount: 10, ToolFailureCount: 0, ToolSuccessRate: 100},
	}
	p := ProjectMetricsFor("api", sessions, metrics)
	assert.Equal(t, 2, p.SessionCount)
	assert.Equal(t, int64(18), p.ToolUseCount)
	assert.Equal(t, 90.0, p.ToolSuccessRate)
	assert.Equal(t, 3.0, p.TotalDurationMinutes)
}

func TestContextHealth(t *testing.T) {
	now := time.Now().UnixMilli()
	min := int64(60_000)

	red := []int64{now - 2*min, now - 4*min, now - 6*min}
	assert.Equal(t, ContextRed, ContextHealth(red, now))

	yellow := []int64{now - 20*min}
	assert.Equal(t, ContextYellow, ContextHealth(yellow, now))

	green := []int64{now - 45*min}
	assert.Equal(t, ContextGreen, ContextHealth(green, now))
	assert.Equal(t, ContextGreen, ContextHealth(nil, now))
}

func TestHealthScore(t *testing.T) {
	h := HealthScore("passing", 100, 0, 5, 2)
	assert.Equal(t, 100, h.Score)
	assert.Equal(t, 1, h.Trend)

	h = HealthScore("failing", 0, 0, 0, 3)
	// 0.4*0 + 0.3*0 + 0.3*100
	assert.Equal(t, 30, h.Score)
	assert.Equal(t, -1, h.Trend)

	h = HealthScore("unknown", 50, 25, 1, 1)
	// 0.4*60 + 0.3*50 + 0.3*50
	assert.Equal(t, 54, h.Score)
	assert.Equal(t, 0, h.Trend)
}

func TestDayRange(t *testing.T) {
	start, end, err := DayRange("2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, int64(24*60*60*1000), end-start)

	_, _, err = DayRange("not-a-date")
	assert.Error(t, err)
}

func TestWeekRange(t *testing.T) {
	start, end, err := WeekRange("2026-W11")
	require.NoError(t, err)
	assert.Equal(t, int64(7*24*60*60*1000), end-start)

	monday := time.UnixMilli(start)
	assert.Equal(t, time.Monday, monday.Weekday())
	year, week := monday.ISOWeek()
	assert.Equal(t, 2026, year)
	assert.Equal(t, 11, week)

	_, _, err = WeekRange("2026-11")
	assert.Error(t, err)
	_, _, err = WeekRange("2026-W60")
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	mkEvent := func(session string, typ events.Type, ts int64, payload string) store.ProjectEvent {
		return store.ProjectEvent{
			HookEvent: events.HookEvent{
				SourceApp: "app1",
				SessionID: session,
				Type:      typ,
				Payload:   []byte(payload),
				Timestamp: ts,
			},
			ProjectName: "api",
		}
	}
	evts := []store.ProjectEvent{
		mkEvent("s1", events.TypeSessionStart, 0, `{}`),
		mkEvent("s1", events.TypePostToolUse, 60_000, `{"tool_name":"Edit","file_path":"src/a.ts"}`),
		mkEvent("s1", events.TypePostToolUse, 120_000, `{"tool_name":"Bash","command":"git commit -m fix"}`),
		mkEvent("s2", events.TypePostToolUse, 30_000, `{"tool_name":"Edit","file_path":"src/a.ts"}`),
	}

	summaries := Summarize(evts)
	require.Len(t, summaries, 1)
	s := summaries[0]
	assert.Equal(t, "api", s.ProjectName)
	assert.Equal(t, 2, s.SessionCount)
	assert.Equal(t, 4, s.EventCount)
	assert.Equal(t, 2.0, s.TotalDurationMinutes)
	assert.Equal(t, int64(2), s.ToolBreakdown["Edit"])
	assert.Equal(t, []string{"src/a.ts"}, s.FilesChanged)
	assert.Equal(t, 1, s.CommitCount)
}

func TestEstimateCosts(t *testing.T) {
	pricing := &PricingTable{
		Default: ModelRate{InputPerMtok: 2, OutputPerMtok: 2},
		Models: map[string]ModelRate{
			"claude-sonnet": {InputPerMtok: 4, OutputPerMtok: 4},
		},
	}
	rows := []store.CostRow{
		{GroupKey: "api", ModelName: "claude-sonnet", EventCount: 10, PayloadBytes: 8_000_000},
		{GroupKey: "api", ModelName: "", EventCount: 5, PayloadBytes: 4_000_000},
		{GroupKey: "web", ModelName: "claude-sonnet-4", EventCount: 1, PayloadBytes: 400},
	}

	out := EstimateCosts(rows, pricing)
	require.Len(t, out, 2)
	api := out[0]
	assert.Equal(t, "api", api.GroupKey)
	assert.Equal(t, int64(15), api.EventCount)
	// 2M tokens at $4/Mtok plus 1M tokens at $2/Mtok.
	assert.Equal(t, int64(3_000_000), api.EstimatedTokens)
	assert.InDelta(t, 10.0, api.EstimatedCost, 0.001)

	// Versioned model names resolve by prefix.
	web := out[1]
	assert.Equal(t, int64(100), web.EstimatedTokens)
	assert.InDelta(t, 100.0/1_000_000*4, web.EstimatedCost, 1e-9)
}

func TestDefaultPricingLoads(t *testing.T) {
	table := DefaultPricing()
	assert.NotZero(t, table.Default.InputPerMtok)
	assert.NotEmpty(t, table.Models)

	rate := table.Rate("claude-sonnet-4-20250514")
	assert.Equal(t, table.Models["claude-sonnet"], rate)
	assert.Equal(t, table.Default, table.Rate("unknown-model"))
}

func TestBuildHeatmap(t *testing.T) {
	h := BuildHeatmap([]store.HeatmapCell{
		{Day: "2026-03-10", Hour: 9, Count: 4},
		{Day: "2026-03-10", Hour: 10, Count: 7},
	})
	assert.Equal(t, int64(7), h.MaxCount)

	empty := BuildHeatmap(nil)
	assert.NotNil(t, empty.Cells)
	assert.Zero(t, empty.MaxCount)
}
