package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

const (
	defaultRecentLimit = 100
	maxRecentLimit     = 500
)

// handleIngest accepts one hook event, runs the full ingest pipeline
// under the configured deadline, and returns the stored row.
func (s *Server) handleIngest(c *gin.Context) {
	var e events.HookEvent
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Server.IngestTimeoutDuration())
	defer cancel()

	stored, err := s.proc.Ingest(ctx, &e)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	limit := queryInt(c, "limit", defaultRecentLimit)
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := s.store.RecentEvents(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if rows == nil {
		rows = []events.HookEvent{}
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleFilterOptions(c *gin.Context) {
	opts, err := s.store.EventFilterOptions()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

func (s *Server) handleSearch(c *gin.Context) {
	scope := c.DefaultQuery("type", "all")
	limit := queryInt(c, "limit", 0)

	results, err := s.store.Search(c.Query("q"), scope, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleListDevLogs(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	logs, err := s.store.ListDevLogs(c.Query("project"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if logs == nil {
		logs = []store.DevLog{}
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) handleTopology(c *gin.Context) {
	edges, err := s.store.ListTopologyEdges(c.Query("project"))
	if err != nil {
		respondError(c, err)
		return
	}
	if edges == nil {
		edges = []store.TopologyEdge{}
	}
	c.JSON(http.StatusOK, edges)
}

// queryInt parses an integer query parameter, returning fallback on
// absence or garbage.
func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// queryInt64 is queryInt for unix-millisecond parameters.
func queryInt64(c *gin.Context, key string, fallback int64) int64 {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
