package derive

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

// Summary periods.
const (
	PeriodDaily  = "daily"
	PeriodWeekly = "weekly"
)

// ProjectSummary is the per-project rollup for one day or one ISO week.
type ProjectSummary struct {
	ProjectName          string           `json:"project_name"`
	SessionCount         int              `json:"session_count"`
	EventCount           int              `json:"event_count"`
	TotalDurationMinutes float64          `json:"total_duration_minutes"`
	ToolBreakdown        map[string]int64 `json:"tool_breakdown"`
	FilesChanged         []string         `json:"files_changed"`
	Commits              []string         `json:"commits"`
	CommitCount          int              `json:"commit_count"`
}

// DayRange resolves a local calendar date (YYYY-MM-DD) into the
// half-open unix-ms range [start, end).
func DayRange(date string) (int64, int64, error) {
	day, err := time.ParseInLocation("2006-01-02", date, time.Local)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return day.UnixMilli(), day.AddDate(0, 0, 1).UnixMilli(), nil
}

// WeekRange resolves an ISO-8601 week (YYYY-Www, Monday through Sunday)
// into the half-open unix-ms range [start, end).
func WeekRange(week string) (int64, int64, error) {
	parts := strings.SplitN(week, "-W", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid week %q: expected YYYY-Www", week)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid week %q: %w", week, err)
	}
	num, err := strconv.Atoi(parts[1])
	if err != nil || num < 1 || num > 53 {
		return 0, 0, fmt.Errorf("invalid week %q: week number out of range", week)
	}

	// January 4th always falls in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.Local)
	weekday := int(jan4.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := jan4.AddDate(0, 0, 1-weekday).AddDate(0, 0, (num-1)*7)
	return monday.UnixMilli(), monday.AddDate(0, 0, 7).UnixMilli(), nil
}

// Summarize rolls events in a period up per project. Events are assumed
// to be in commit order; those without a project group under "".
func Summarize(evts []store.ProjectEvent) []ProjectSummary {
	type sessionSpan struct{ first, last int64 }
	type acc struct {
		summary  *ProjectSummary
		sessions map[string]*sessionSpan
		files    map[string]bool
		commits  map[string]bool
	}

	byProject := map[string]*acc{}
	for _, pe := range evts {
		a, ok := byProject[pe.ProjectName]
		if !ok {
			a = &acc{
				summary: &ProjectSummary{
					ProjectName:   pe.ProjectName,
					ToolBreakdown: map[string]int64{},
					FilesChanged:  []string{},
					Commits:       []string{},
				},
				sessions: map[string]*sessionSpan{},
				files:    map[string]bool{},
				commits:  map[string]bool{},
			}
			byProject[pe.ProjectName] = a
		}
		a.summary.EventCount++

		key := pe.AgentID()
		span, ok := a.sessions[key]
		if !ok {
			a.sessions[key] = &sessionSpan{first: pe.Timestamp, last: pe.Timestamp}
		} else {
			if pe.Timestamp < span.first {
				span.first = pe.Timestamp
			}
			if pe.Timestamp > span.last {
				span.last = pe.Timestamp
			}
		}

		fields := pe.Fields()
		switch pe.Type {
		case events.TypePostToolUse:
			if fields.ToolName != "" {
				a.summary.ToolBreakdown[fields.ToolName]++
			}
			if fields.FilePath != "" && (fields.ToolName == "Write" || fields.ToolName == "Edit") {
				a.files[fields.FilePath] = true
			}
			if strings.Contains(fields.Command, "git commit") {
				a.commits[fields.Command] = true
			}
		case events.TypePostToolUseFailure:
			if fields.ToolName != "" {
				a.summary.ToolBreakdown[fields.ToolName]++
			}
		}
	}

	out := make([]ProjectSummary, 0, len(byProject))
	for _, a := range byProject {
		a.summary.SessionCount = len(a.sessions)
		for _, span := range a.sessions {
			a.summary.TotalDurationMinutes += float64(span.last-span.first) / 60_000
		}
		for f := range a.files {
			a.summary.FilesChanged = append(a.summary.FilesChanged, f)
		}
		for c := range a.commits {
			a.summary.Commits = append(a.summary.Commits, c)
		}
		sort.Strings(a.summary.FilesChanged)
		sort.Strings(a.summary.Commits)
		a.summary.CommitCount = len(a.summary.Commits)
		out = append(out, *a.summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectName < out[j].ProjectName })
	return out
}
