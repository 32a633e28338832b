// Package export renders activity reports as standalone HTML pages.
package export

import (
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

// reportData is the template context for one rendered report.
type reportData struct {
	GeneratedAt string
	Project     string
	SessionID   string
	From        string
	To          string

	Projects []store.Project
	Sessions []store.Session
	DevLogs  []store.DevLog
	Events   []events.HookEvent
}

// Handler returns the gin handler for GET /api/export/report.
func Handler(st *store.Store, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		project := c.Query("project")
		sessionID := c.Query("sessionId")
		from := parseMs(c.Query("from"))
		to := parseMs(c.Query("to"))

		data, err := build(st, project, sessionID, from, to)
		if err != nil {
			log.WithError(err).Error("failed to build export report")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Status(http.StatusOK)
		if err := reportTemplate.Execute(c.Writer, data); err != nil {
			log.WithError(err).Error("failed to render export report")
		}
	}
}

func parseMs(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func build(st *store.Store, project, sessionID string, from, to int64) (*reportData, error) {
	data := &reportData{
		GeneratedAt: time.Now().Format(time.RFC1123),
		Project:     project,
		SessionID:   sessionID,
	}
	if from > 0 {
		data.From = time.UnixMilli(from).Format(time.RFC1123)
	}
	if to > 0 {
		data.To = time.UnixMilli(to).Format(time.RFC1123)
	}

	projects, err := st.ListProjects()
	if err != nil {
		return nil, err
	}
	if project != "" {
		for i := range projects {
			if projects[i].Name == project {
				data.Projects = append(data.Projects, projects[i])
			}
		}
	} else {
		data.Projects = projects
	}

	sessions, err := st.ListSessions(project)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessionID != "" && sessions[i].SessionID != sessionID {
			continue
		}
		data.Sessions = append(data.Sessions, sessions[i])
	}

	devlogs, err := st.ListDevLogs(project, 100)
	if err != nil {
		return nil, err
	}
	for i := range devlogs {
		if sessionID != "" && devlogs[i].SessionID != sessionID {
			continue
		}
		data.DevLogs = append(data.DevLogs, devlogs[i])
	}

	filter := store.EventFilter{Since: from, Until: to, Limit: 500}
	if sessionID != "" {
		filter.SessionID = sessionID
	}
	evts, err := st.ListEvents(filter)
	if err != nil {
		return nil, err
	}
	data.Events = evts
	return data, nil
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"millis": func(ms int64) string {
		if ms == 0 {
			return ""
		}
		return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>DevPulse Activity Report</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #1a1a2e; }
h1 { border-bottom: 2px solid #4361ee; padding-bottom: 0.5rem; }
h2 { margin-top: 2rem; color: #3a0ca3; }
table { border-collapse: collapse; width: 100%; margin-top: 0.5rem; }
th, td { text-align: left; padding: 0.4rem 0.8rem; border-bottom: 1px solid #ddd; font-size: 0.9rem; }
th { background: #f0f2f8; }
.meta { color: #666; font-size: 0.85rem; }
.status-active { color: #2d6a4f; font-weight: 600; }
.status-stopped { color: #999; }
</style>
</head>
<body>
<h1>DevPulse Activity Report</h1>
<p class="meta">
Generated {{.GeneratedAt}}
{{if .Project}} · project {{.Project}}{{end}}
{{if .SessionID}} · session {{.SessionID}}{{end}}
{{if .From}} · from {{.From}}{{end}}
{{if .To}} · to {{.To}}{{end}}
</p>

<h2>Projects ({{len .Projects}})</h2>
<table>
<tr><th>Name</th><th>Branch</th><th>Active Sessions</th><th>Last Activity</th><th>Tests</th></tr>
{{range .Projects}}
<tr><td>{{.Name}}</td><td>{{.CurrentBranch}}</td><td>{{.ActiveSessions}}</td><td>{{millis .LastActivity}}</td><td>{{.TestStatus}}</td></tr>
{{end}}
</table>

<h2>Sessions ({{len .Sessions}})</h2>
<table>
<tr><th>Agent</th><th>Project</th><th>Status</th><th>Started</th><th>Last Event</th><th>Events</th><th>Model</th></tr>
{{range .Sessions}}
<tr>
<td>{{.SourceApp}}:{{.SessionID}}</td><td>{{.ProjectName}}</td>
<td class="status-{{.Status}}">{{.Status}}</td>
<td>{{millis .StartedAt}}</td><td>{{millis .LastEventAt}}</td>
<td>{{.EventCount}}</td><td>{{.ModelName}}</td>
</tr>
{{end}}
</table>

<h2>Dev Logs ({{len .DevLogs}})</h2>
<table>
<tr><th>Session</th><th>Project</th><th>Branch</th><th>Duration (min)</th><th>Events</th><th>Summary</th></tr>
{{range .DevLogs}}
<tr>
<td>{{.SourceApp}}:{{.SessionID}}</td><td>{{.ProjectName}}</td><td>{{.Branch}}</td>
<td>{{printf "%.1f" .DurationMinutes}}</td><td>{{.EventCount}}</td><td>{{.Summary}}</td>
</tr>
{{end}}
</table>

<h2>Events ({{len .Events}})</h2>
<table>
<tr><th>Time</th><th>Agent</th><th>Type</th><th>Summary</th></tr>
{{range .Events}}
<tr><td>{{millis .Timestamp}}</td><td>{{.SourceApp}}:{{.SessionID}}</td><td>{{.Type}}</td><td>{{.Summary}}</td></tr>
{{end}}
</table>
</body>
</html>
`))
