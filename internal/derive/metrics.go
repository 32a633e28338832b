package derive

import (
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

// TimelineBucket is one minute of session activity, offset from
// started_at.
type TimelineBucket struct {
	Minute int64 `json:"minute"`
	Count  int64 `json:"count"`
}

// SessionMetrics is the per-session performance rollup.
type SessionMetrics struct {
	SourceApp         string           `json:"source_app"`
	SessionID         string           `json:"session_id"`
	ProjectName       string           `json:"project_name"`
	Status            string           `json:"status"`
	ToolUseCount      int64            `json:"tool_use_count"`
	ToolFailureCount  int64            `json:"tool_failure_count"`
	ToolSuccessRate   float64          `json:"tool_success_rate"`
	TurnCount         int              `json:"turn_count"`
	AvgTurnSeconds    float64          `json:"avg_turn_seconds"`
	MedianTurnSeconds float64          `json:"median_turn_seconds"`
	EventsPerMinute   float64          `json:"events_per_minute"`
	Timeline          []TimelineBucket `json:"timeline"`
}

// SessionMetricsFor computes metrics for one session from its full
// event history. The events must be in commit order.
func SessionMetricsFor(sess *store.Session, evts []events.HookEvent) SessionMetrics {
	m := SessionMetrics{
		SourceApp:        sess.SourceApp,
		SessionID:        sess.SessionID,
		ProjectName:      sess.ProjectName,
		Status:           sess.Status,
		ToolUseCount:     sess.ToolUseCount,
		ToolFailureCount: sess.ToolFailureCount,
		ToolSuccessRate:  SuccessRate(sess.ToolUseCount, sess.ToolFailureCount),
		Timeline:         []TimelineBucket{},
	}

	turns := TurnDurations(evts)
	m.TurnCount = len(turns)
	m.AvgTurnSeconds = Mean(turns)
	m.MedianTurnSeconds = Median(turns)

	if len(evts) > 0 {
		span := evts[len(evts)-1].Timestamp - evts[0].Timestamp
		minutes := float64(span) / 60_000
		if minutes < 1 {
			minutes = 1
		}
		m.EventsPerMinute = float64(len(evts)) / minutes
	}

	buckets := map[int64]int64{}
	for _, e := range evts {
		offset := (e.Timestamp - sess.StartedAt) / 60_000
		if offset < 0 {
			offset = 0
		}
		buckets[offset]++
	}
	var maxMinute int64 = -1
	for minute := range buckets {
		if minute > maxMinute {
			maxMinute = minute
		}
	}
	for minute := int64(0); minute <= maxMinute; minute++ {
		m.Timeline = append(m.Timeline, TimelineBucket{Minute: minute, Count: buckets[minute]})
	}
	return m
}

// SuccessRate returns 100 * uses / (uses + failures), or 0 when there
// were no tool calls at all.
func SuccessRate(uses, failures int64) float64 {
	total := uses + failures
	if total == 0 {
		return 0
	}
	return 100 * float64(uses) / float64(total)
}

// TurnDurations pairs each UserPromptSubmit with the next Stop or
// Notification of the same session and returns the gaps in seconds.
// Unpaired prompts are ignored.
func TurnDurations(evts []events.HookEvent) []float64 {
	var turns []float64
	var promptAt int64 = -1
	for _, e := range evts {
		switch e.Type {
		case events.TypeUserPromptSubmit:
			promptAt = e.Timestamp
		case events.TypeStop, events.TypeNotification:
			if promptAt >= 0 {
				turns = append(turns, float64(e.Timestamp-promptAt)/1000)
				promptAt = -1
			}
		}
	}
	return turns
}

// ProjectMetrics is the cross-session rollup for one project.
type ProjectMetrics struct {
	ProjectName          string  `json:"project_name"`
	SessionCount         int     `json:"session_count"`
	ToolUseCount         int64   `json:"tool_use_count"`
	ToolFailureCount     int64   `json:"tool_failure_count"`
	ToolSuccessRate      float64 `json:"tool_success_rate"`
	TotalDurationMinutes float64 `json:"total_duration_minutes"`
	EventsPerMinute      float64 `json:"events_per_minute"`
}

// ProjectMetricsFor rolls session metrics up into a project view: sums
// of counts, means of rates, total duration.
func ProjectMetricsFor(projectName string, sessions []store.Session, metrics []SessionMetrics) ProjectMetrics {
	p := ProjectMetrics{ProjectName: projectName, SessionCount: len(metrics)}

	var rates, epm []float64
	for _, m := range metrics {
		p.ToolUseCount += m.ToolUseCount
		p.ToolFailureCount += m.ToolFailureCount
		rates = append(rates, m.ToolSuccessRate)
		epm = append(epm, m.EventsPerMinute)
	}
	p.ToolSuccessRate = Mean(rates)
	p.EventsPerMinute = Mean(epm)

	for _, s := range sessions {
		if s.LastEventAt > s.StartedAt {
			p.TotalDurationMinutes += float64(s.LastEventAt-s.StartedAt) / 60_000
		}
	}
	return p
}
