package derive

// Context health levels reported on sessions.
const (
	ContextGreen  = "green"
	ContextYellow = "yellow"
	ContextRed    = "red"
)

// Activity caps at this many events in 24h for a full activity score.
const activityCap = 100

// HealthComponents breaks a project health score into its weighted
// parts, each on a 0..100 scale before weighting.
type HealthComponents struct {
	Tests     float64 `json:"tests"`
	Activity  float64 `json:"activity"`
	ErrorRate float64 `json:"error_rate"`
}

// Health is the 0..100 composite project score. Trend is the sign of
// (events today - events yesterday): -1, 0, or 1.
type Health struct {
	Score      int              `json:"score"`
	Components HealthComponents `json:"components"`
	Trend      int              `json:"trend"`
}

// HealthScore blends test status (40%), recent activity (30%), and tool
// error rate (30%).
func HealthScore(testStatus string, events24h, failures24h, eventsToday, eventsYesterday int64) Health {
	var h Health

	switch testStatus {
	case "passing":
		h.Components.Tests = 100
	case "failing":
		h.Components.Tests = 0
	default:
		h.Components.Tests = 60
	}

	activity := float64(events24h) / activityCap * 100
	if activity > 100 {
		activity = 100
	}
	h.Components.Activity = activity

	if events24h > 0 {
		h.Components.ErrorRate = 100 * (1 - float64(failures24h)/float64(events24h))
	} else {
		h.Components.ErrorRate = 100
	}

	score := 0.4*h.Components.Tests + 0.3*h.Components.Activity + 0.3*h.Components.ErrorRate
	h.Score = int(score + 0.5)

	switch {
	case eventsToday > eventsYesterday:
		h.Trend = 1
	case eventsToday < eventsYesterday:
		h.Trend = -1
	}
	return h
}

// ContextHealth grades context pressure from a session's compaction
// timestamps: red for 3+ compactions in the last 10 minutes, yellow for
// any compaction in the last 30 minutes, green otherwise.
func ContextHealth(compactions []int64, now int64) string {
	var last10, last30 int
	for _, ts := range compactions {
		age := now - ts
		if age < 0 {
			continue
		}
		if age <= 10*60_000 {
			last10++
		}
		if age <= 30*60_000 {
			last30++
		}
	}
	switch {
	case last10 >= 3:
		return ContextRed
	case last30 >= 1:
		return ContextYellow
	default:
		return ContextGreen
	}
}
