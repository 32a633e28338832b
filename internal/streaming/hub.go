// Package streaming fans change notifications out to websocket
// subscribers, each of which receives an initial snapshot on connect.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/alerts"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/derive"
	"github.com/devpulse/devpulse/internal/events/bus"
	"github.com/devpulse/devpulse/internal/processor"
	"github.com/devpulse/devpulse/internal/store"
)

// MessageTypeInitial opens every subscription; the delta types reuse
// the bus kind names.
const MessageTypeInitial = "initial"

// Events included in the initial snapshot.
const snapshotEventCount = 150

// Message is one frame of the subscriber stream.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Snapshot is the state a subscriber receives on connect.
type Snapshot struct {
	Events    []interface{}        `json:"events"`
	Projects  []store.Project      `json:"projects"`
	Sessions  []store.Session      `json:"sessions"`
	Topology  []store.TopologyEdge `json:"topology"`
	Conflicts []store.FileConflict `json:"conflicts"`
	Alerts    []alerts.Alert       `json:"alerts"`
}

// Hub owns the subscriber set. It subscribes to the notification bus
// and forwards each notification to every matching client.
type Hub struct {
	store          *store.Store
	alerts         *alerts.Engine
	log            *logger.Logger
	conflictWindow time.Duration

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Notification

	mu      sync.RWMutex
	clients map[*Client]bool

	done chan struct{}
}

// NewHub builds a hub and wires it to the bus.
func NewHub(st *store.Store, al *alerts.Engine, b bus.Bus, conflictWindow time.Duration, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		store:          st,
		alerts:         al,
		log:            log.WithFields(zap.String("component", "streaming")),
		conflictWindow: conflictWindow,
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *bus.Notification, 256),
		clients:        make(map[*Client]bool),
		done:           make(chan struct{}),
	}
	_, err := b.Subscribe(bus.KindAll, func(ctx context.Context, n *bus.Notification) error {
		select {
		case h.broadcast <- n:
		default:
			// The hub loop is behind; drop rather than stall ingest.
			h.log.Warn("broadcast queue full, dropping notification", zap.String("kind", n.Kind))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Info("subscriber connected", zap.String("remote", c.remote), zap.String("project", c.projectFilter))
		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			h.log.Info("subscriber disconnected", zap.String("remote", c.remote))
		case n := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.wants(n) {
					c.enqueue(Message{Type: n.Kind, Data: json.RawMessage(n.Data)})
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// buildSnapshot assembles the initial state for one subscriber.
func (h *Hub) buildSnapshot(projectFilter string) (*Snapshot, error) {
	snap := &Snapshot{
		Events:    []interface{}{},
		Projects:  []store.Project{},
		Sessions:  []store.Session{},
		Topology:  []store.TopologyEdge{},
		Conflicts: []store.FileConflict{},
		Alerts:    h.alerts.Active(),
	}
	if snap.Alerts == nil {
		snap.Alerts = []alerts.Alert{}
	}

	recent, err := h.store.RecentEvents(snapshotEventCount)
	if err != nil {
		return nil, err
	}
	for i := range recent {
		snap.Events = append(snap.Events, recent[i])
	}

	projects, err := h.store.ListProjects()
	if err != nil {
		return nil, err
	}
	sessions, err := h.store.ListSessions(projectFilter)
	if err != nil {
		return nil, err
	}
	topology, err := h.store.ListTopologyEdges(projectFilter)
	if err != nil {
		return nil, err
	}
	since := time.Now().Add(-h.conflictWindow).UnixMilli()
	conflicts, err := h.store.ListActiveConflicts(since)
	if err != nil {
		return nil, err
	}

	if projectFilter != "" {
		for i := range projects {
			if projects[i].Name == projectFilter {
				snap.Projects = append(snap.Projects, projects[i])
			}
		}
	} else {
		snap.Projects = projects
	}
	// Stale statuses are overlaid on read so subscribers see the same
	// idle transitions the REST listing reports, even before the next
	// idle sweep persists them.
	now := time.Now().UnixMilli()
	idleCutoff := time.Now().Add(-processor.IdleAfter).UnixMilli()
	for i := range sessions {
		switch sessions[i].Status {
		case store.StatusActive, store.StatusWaiting:
			if sessions[i].LastEventAt < idleCutoff {
				sessions[i].Status = store.StatusIdle
			}
		}
		sessions[i].ContextHealth = derive.ContextHealth(sessions[i].Compactions(), now)
	}

	snap.Sessions = sessions
	snap.Topology = topology
	snap.Conflicts = conflicts
	return snap, nil
}
