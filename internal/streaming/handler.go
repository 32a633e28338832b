package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards connect from arbitrary local origins.
		return true
	},
}

// HandleStream upgrades the request and attaches the subscriber. The
// initial snapshot is queued before registration so it always precedes
// the first delta.
func (h *Hub) HandleStream(c *gin.Context) {
	projectFilter := c.Query("project")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient(h, conn, projectFilter)

	snap, err := h.buildSnapshot(projectFilter)
	if err != nil {
		h.log.WithError(err).Error("failed to build stream snapshot")
		client.close()
		return
	}
	client.enqueue(Message{Type: MessageTypeInitial, Data: snap})

	select {
	case h.register <- client:
	case <-h.done:
		client.close()
		return
	}

	go client.writePump()
	go client.readPump()
}
