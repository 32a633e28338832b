package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devpulse/devpulse/internal/derive"
	"github.com/devpulse/devpulse/internal/store"
)

const maxHeatmapDays = 365

func (s *Server) handleSummaries(c *gin.Context) {
	var (
		since, until int64
		err          error
	)
	switch period := c.Query("period"); period {
	case derive.PeriodDaily:
		since, until, err = derive.DayRange(c.Query("date"))
	case derive.PeriodWeekly:
		since, until, err = derive.WeekRange(c.Query("week"))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown period %q", period)})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evts, err := s.store.EventsWithProject(since, until, c.Query("project"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, derive.Summarize(evts))
}

func (s *Server) handleCosts(c *gin.Context) {
	group := c.DefaultQuery("group", store.CostGroupProject)
	if group == "daily" {
		group = store.CostGroupDay
	}

	since := queryInt64(c, "start", 0)
	until := queryInt64(c, "end", 0)
	if days := queryInt(c, "days", 0); days > 0 && since == 0 {
		since = time.Now().AddDate(0, 0, -days).UnixMilli()
	}

	rows, err := s.store.CostInputs(group, since, until, c.Query("project"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"group": group,
		"costs": derive.EstimateCosts(rows, s.pricing),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	since := queryInt64(c, "start", 0)
	until := queryInt64(c, "end", 0)
	projectName := c.Query("project")

	sessions, err := s.store.ListSessions(projectName)
	if err != nil {
		respondError(c, err)
		return
	}

	metrics := make([]derive.SessionMetrics, 0, len(sessions))
	for i := range sessions {
		evts, err := s.store.EventsForSession(sessions[i].SourceApp, sessions[i].SessionID)
		if err != nil {
			respondError(c, err)
			return
		}
		if since > 0 || until > 0 {
			filtered := evts[:0]
			for _, e := range evts {
				if since > 0 && e.Timestamp < since {
					continue
				}
				if until > 0 && e.Timestamp >= until {
					continue
				}
				filtered = append(filtered, e)
			}
			evts = filtered
		}
		metrics = append(metrics, derive.SessionMetricsFor(&sessions[i], evts))
	}

	switch group := c.DefaultQuery("group", "session"); group {
	case "session":
		c.JSON(http.StatusOK, metrics)
	case "project":
		byProject := map[string][]derive.SessionMetrics{}
		sessionsByProject := map[string][]store.Session{}
		for i, m := range metrics {
			byProject[m.ProjectName] = append(byProject[m.ProjectName], m)
			sessionsByProject[m.ProjectName] = append(sessionsByProject[m.ProjectName], sessions[i])
		}
		out := make([]derive.ProjectMetrics, 0, len(byProject))
		for name, ms := range byProject {
			out = append(out, derive.ProjectMetricsFor(name, sessionsByProject[name], ms))
		}
		c.JSON(http.StatusOK, out)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown group %q", group)})
	}
}

func (s *Server) handleHeatmap(c *gin.Context) {
	days := queryInt(c, "days", 30)
	if days <= 0 {
		days = 30
	}
	if days > maxHeatmapDays {
		days = maxHeatmapDays
	}

	now := time.Now()
	cells, err := s.store.Heatmap(now.AddDate(0, 0, -days).UnixMilli(), now.UnixMilli(), c.Query("project"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, derive.BuildHeatmap(cells))
}
