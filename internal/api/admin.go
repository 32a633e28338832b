package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleAdminStats(c *gin.Context) {
	stats, err := s.store.Stats()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"store":          stats,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"subscribers":    s.hub.ClientCount(),
	})
}

func (s *Server) handleAdminCleanup(c *gin.Context) {
	report, err := s.retention.Cleanup()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.store.ListSettings()
	if err != nil {
		respondError(c, err)
		return
	}
	out := map[string]string{}
	for _, kv := range settings {
		out[kv.Key] = kv.Value
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePutSettings(c *gin.Context) {
	var body map[string]string
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no settings provided"})
		return
	}

	for key, value := range body {
		if err := s.store.SetSetting(key, value); err != nil {
			respondError(c, err)
			return
		}
	}
	s.handleGetSettings(c)
}
