package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devpulse/devpulse/internal/events/bus"
	"github.com/devpulse/devpulse/internal/store"
)

func (s *Server) conflictWindow(c *gin.Context) time.Duration {
	minutes := queryInt(c, "window", s.cfg.Conflicts.WindowMinutes)
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Server) handleListConflicts(c *gin.Context) {
	since := time.Now().Add(-s.conflictWindow(c)).UnixMilli()
	rows, err := s.store.ListActiveConflicts(since)
	if err != nil {
		respondError(c, err)
		return
	}
	if rows == nil {
		rows = []store.FileConflict{}
	}
	c.JSON(http.StatusOK, rows)
}

// handleDismissConflict hides a conflict until its severity escalates
// again, then pushes the refreshed active list to stream subscribers.
func (s *Server) handleDismissConflict(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DismissConflict(id); err != nil {
		respondError(c, err)
		return
	}

	since := time.Now().Add(-s.conflictWindow(c)).UnixMilli()
	if rows, err := s.store.ListActiveConflicts(since); err == nil {
		if n, err := bus.NewNotification(bus.KindConflicts, "", rows); err == nil {
			if err := s.bus.Publish(c.Request.Context(), n); err != nil {
				s.log.WithError(err).Warn("failed to publish conflict dismissal")
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"dismissed": id})
}
