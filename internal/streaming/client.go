package streaming

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devpulse/devpulse/internal/events/bus"
)

const (
	// A write that stays blocked this long disconnects the subscriber.
	writeWait = 30 * time.Second

	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxReadSize = 512

	// Pending messages per subscriber before coalescing kicks in.
	sendBufferSize = 256
)

// Client is one websocket subscriber. Outbound messages queue in a
// bounded buffer; when it fills, a new delta replaces the oldest queued
// delta of the same kind, so slow subscribers keep the freshest state.
// Raw event messages are never coalesced, only dropped oldest first.
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	remote        string
	projectFilter string

	mu     sync.Mutex
	queue  []Message
	closed bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, projectFilter string) *Client {
	c := &Client{
		hub:           h,
		conn:          conn,
		projectFilter: projectFilter,
		notify:        make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	if conn != nil {
		c.remote = conn.RemoteAddr().String()
	}
	return c
}

// wants reports whether a notification passes this subscriber's project
// filter. Unscoped notifications go to everyone.
func (c *Client) wants(n *bus.Notification) bool {
	if c.projectFilter == "" || n.ProjectName == "" {
		return true
	}
	return n.ProjectName == c.projectFilter
}

func (c *Client) enqueue(msg Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= sendBufferSize {
		dropped := false
		if msg.Type != bus.KindEvent {
			for i := range c.queue {
				if c.queue[i].Type == msg.Type {
					c.queue = append(c.queue[:i], c.queue[i+1:]...)
					dropped = true
					break
				}
			}
		}
		if !dropped {
			c.queue = c.queue[1:]
		}
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) next() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Message{}, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

func (c *Client) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
		c.close()
	}
}

// writePump drains the queue to the connection and keeps the ping cycle
// alive. It owns all writes on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.detach()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			for {
				msg, ok := c.next()
				if !ok {
					break
				}
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(msg); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one way, but the read
// loop is what services pong frames and surfaces disconnects.
func (c *Client) readPump() {
	defer c.detach()

	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
