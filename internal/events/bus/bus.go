// Package bus provides the in-process notification bus that carries
// stream change notifications from the event processor to its consumers
// (the websocket hub and the optional NATS mirror).
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stream notification kinds. These match the {type} values of the
// subscriber stream protocol.
const (
	KindEvent     = "event"
	KindProjects  = "projects"
	KindSessions  = "sessions"
	KindDevLogs   = "devlogs"
	KindTopology  = "topology"
	KindConflicts = "conflicts"
	KindAlerts    = "alerts"
)

// Notification is one change notice published after a commit.
type Notification struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`

	// ProjectName scopes the notification for project-filtered
	// subscribers; empty means unscoped (sent to everyone).
	ProjectName string `json:"project_name,omitempty"`
}

// NewNotification creates a notification with a fresh ID and timestamp.
// The data is marshalled immediately so every subscriber sees the state
// as of publish time.
func NewNotification(kind, projectName string, data interface{}) (*Notification, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Notification{
		ID:          uuid.New().String(),
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
		Data:        raw,
		ProjectName: projectName,
	}, nil
}

// Handler consumes a notification. Handlers are invoked synchronously in
// publish order and must not block; slow consumers buffer internally.
type Handler func(ctx context.Context, n *Notification) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the notification fan-out contract.
type Bus interface {
	// Publish delivers a notification to every subscriber of its kind,
	// in publish order.
	Publish(ctx context.Context, n *Notification) error

	// Subscribe registers a handler for a kind; KindAll receives every
	// notification.
	Subscribe(kind string, handler Handler) (Subscription, error)

	// Close tears the bus down; further publishes fail.
	Close()
}

// KindAll subscribes to every notification kind.
const KindAll = "*"
