package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/devpulse/devpulse/internal/store"
)

// webhookRequest is the mutable subset of a webhook row accepted on
// create and update.
type webhookRequest struct {
	Name          string   `json:"name"`
	URL           string   `json:"url"`
	Secret        string   `json:"secret"`
	EventTypes    []string `json:"event_types"`
	ProjectFilter string   `json:"project_filter"`
	Active        *bool    `json:"active"`

	// UpdatedAt is the optimistic concurrency precondition on updates.
	UpdatedAt int64 `json:"updated_at"`
}

func (r *webhookRequest) validate() string {
	if r.Name == "" {
		return "name is required"
	}
	if r.URL == "" {
		return "url is required"
	}
	return ""
}

func (s *Server) handleListWebhooks(c *gin.Context) {
	hooks, err := s.store.ListWebhooks()
	if err != nil {
		respondError(c, err)
		return
	}
	if hooks == nil {
		hooks = []store.Webhook{}
	}
	c.JSON(http.StatusOK, hooks)
}

func (s *Server) handleCreateWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	now := time.Now().UnixMilli()
	w := &store.Webhook{
		ID:            uuid.NewString(),
		Name:          req.Name,
		URL:           req.URL,
		Secret:        req.Secret,
		ProjectFilter: req.ProjectFilter,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Active != nil {
		w.Active = *req.Active
	}
	w.SetTypes(req.EventTypes)

	if err := s.store.InsertWebhook(w); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleUpdateWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}

	existing, err := s.store.GetWebhook(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.URL != "" {
		existing.URL = req.URL
	}
	if req.Secret != "" {
		existing.Secret = req.Secret
	}
	if req.EventTypes != nil {
		existing.SetTypes(req.EventTypes)
	}
	existing.ProjectFilter = req.ProjectFilter
	if req.Active != nil {
		existing.Active = *req.Active
	}

	expected := req.UpdatedAt
	if expected == 0 {
		expected = existing.UpdatedAt
	}
	existing.UpdatedAt = time.Now().UnixMilli()

	if err := s.store.UpdateWebhook(existing, expected); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, existing)
}

func (s *Server) handleDeleteWebhook(c *gin.Context) {
	if err := s.store.DeleteWebhook(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleTestWebhook posts a synthetic payload and reports the endpoint's
// response inline.
func (s *Server) handleTestWebhook(c *gin.Context) {
	w, err := s.store.GetWebhook(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	status, err := s.webhooks.Test(w)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"status": status, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
