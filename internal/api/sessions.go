package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devpulse/devpulse/internal/derive"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

// handleListSessions materializes idle transitions first so the
// returned statuses reflect the idle threshold, then derives
// context_health per row.
func (s *Server) handleListSessions(c *gin.Context) {
	if err := s.proc.MarkIdle(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}

	sessions, err := s.store.ListSessions(c.Query("project"))
	if err != nil {
		respondError(c, err)
		return
	}
	now := time.Now().UnixMilli()
	for i := range sessions {
		sessions[i].ContextHealth = derive.ContextHealth(sessions[i].Compactions(), now)
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

// handleSessionEvents returns the full event stream of one session.
// Session ids are only unique per source app, so source_app is required.
func (s *Server) handleSessionEvents(c *gin.Context) {
	sourceApp := c.Query("source_app")
	if sourceApp == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_app query parameter is required"})
		return
	}

	rows, err := s.store.EventsForSession(sourceApp, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if rows == nil {
		rows = []events.HookEvent{}
	}
	c.JSON(http.StatusOK, rows)
}
