package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devpulse/devpulse/internal/derive"
	"github.com/devpulse/devpulse/internal/store"
)

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.store.ListProjects()
	if err != nil {
		respondError(c, err)
		return
	}
	now := time.Now()
	for i := range projects {
		s.attachHealth(&projects[i], now)
	}
	if projects == nil {
		projects = []store.Project{}
	}
	c.JSON(http.StatusOK, projects)
}

func (s *Server) handleGetProject(c *gin.Context) {
	p, err := s.store.GetProject(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	s.attachHealth(p, time.Now())
	c.JSON(http.StatusOK, p)
}

// attachHealth computes the derived health block for a project row.
// Failures here degrade to a missing health field rather than a 500.
func (s *Server) attachHealth(p *store.Project, now time.Time) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	nowMs := now.UnixMilli()

	total24h, failures24h, err := s.store.ProjectEventCounts(p.Name, now.Add(-24*time.Hour).UnixMilli(), nowMs)
	if err != nil {
		s.log.WithError(err).Warn("failed to compute project health window")
		return
	}
	today, _, err := s.store.ProjectEventCounts(p.Name, dayStart.UnixMilli(), nowMs)
	if err != nil {
		return
	}
	yesterday, _, err := s.store.ProjectEventCounts(p.Name, dayStart.Add(-24*time.Hour).UnixMilli(), dayStart.UnixMilli())
	if err != nil {
		return
	}

	health := derive.HealthScore(p.TestStatus, total24h, failures24h, today, yesterday)
	raw, err := json.Marshal(health)
	if err != nil {
		return
	}
	p.Health = raw
}
