// Package api exposes the HTTP surface: event ingest, query endpoints,
// admin operations, and the websocket stream. Handlers stay thin over
// the store, processor, and derivation helpers.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/common/config"
	"github.com/devpulse/devpulse/internal/common/httpmw"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/derive"
	"github.com/devpulse/devpulse/internal/events/bus"
	"github.com/devpulse/devpulse/internal/export"
	"github.com/devpulse/devpulse/internal/processor"
	"github.com/devpulse/devpulse/internal/retention"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/streaming"
	"github.com/devpulse/devpulse/internal/webhooks"
)

// Server wires the HTTP handlers to their dependencies.
type Server struct {
	store     *store.Store
	proc      *processor.Processor
	hub       *streaming.Hub
	webhooks  *webhooks.Dispatcher
	retention *retention.Manager
	bus       bus.Bus
	pricing   *derive.PricingTable
	cfg       *config.Config
	log       *logger.Logger
	startedAt time.Time
}

// Deps carries the server's collaborators.
type Deps struct {
	Store     *store.Store
	Processor *processor.Processor
	Hub       *streaming.Hub
	Webhooks  *webhooks.Dispatcher
	Retention *retention.Manager
	Bus       bus.Bus
	Pricing   *derive.PricingTable
	Config    *config.Config
	Logger    *logger.Logger
}

// NewServer builds the HTTP server.
func NewServer(d Deps) *Server {
	return &Server{
		store:     d.Store,
		proc:      d.Processor,
		hub:       d.Hub,
		webhooks:  d.Webhooks,
		retention: d.Retention,
		bus:       d.Bus,
		pricing:   d.Pricing,
		cfg:       d.Config,
		log:       d.Logger.WithFields(zap.String("component", "api")),
		startedAt: time.Now(),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(s.log, "devpulse"))
	r.Use(httpmw.OtelTracing("devpulse"))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/stream", s.hub.HandleStream)

	r.POST("/events", s.handleIngest)
	r.GET("/events/recent", s.handleRecentEvents)
	r.GET("/events/filter-options", s.handleFilterOptions)

	api := r.Group("/api")
	{
		api.GET("/projects", s.handleListProjects)
		api.GET("/projects/:name", s.handleGetProject)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id/events", s.handleSessionEvents)
		api.GET("/devlogs", s.handleListDevLogs)
		api.GET("/topology", s.handleTopology)
		api.GET("/summaries", s.handleSummaries)
		api.GET("/costs", s.handleCosts)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/conflicts", s.handleListConflicts)
		api.POST("/conflicts/:id/dismiss", s.handleDismissConflict)
		api.GET("/search", s.handleSearch)
		api.GET("/analytics/heatmap", s.handleHeatmap)

		api.GET("/webhooks", s.handleListWebhooks)
		api.POST("/webhooks", s.handleCreateWebhook)
		api.PUT("/webhooks/:id", s.handleUpdateWebhook)
		api.DELETE("/webhooks/:id", s.handleDeleteWebhook)
		api.POST("/webhooks/:id/test", s.handleTestWebhook)

		api.GET("/admin/stats", s.handleAdminStats)
		api.POST("/admin/cleanup", s.handleAdminCleanup)
		api.GET("/admin/settings", s.handleGetSettings)
		api.PUT("/admin/settings", s.handlePutSettings)

		api.GET("/export/report", export.Handler(s.store, s.log))
	}

	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// respondError maps the store error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrMalformed):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, store.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
