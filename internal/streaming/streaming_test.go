package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/alerts"
	"github.com/devpulse/devpulse/internal/common/config"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/events/bus"
	"github.com/devpulse/devpulse/internal/store"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type fixture struct {
	hub   *Hub
	store *store.Store
	bus   *bus.MemoryBus
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.NewMemoryBus(logger.Default())
	t.Cleanup(b.Close)

	engine := alerts.NewEngine(config.AlertConfig{}, logger.Default())
	hub, err := NewHub(st, engine, b, 30*time.Minute, logger.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/stream", hub.HandleStream)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &fixture{hub: hub, store: st, bus: b, srv: srv}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var fr frame
	require.NoError(t, conn.ReadJSON(&fr))
	return fr
}

func TestInitialSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.AppendEvent(&events.HookEvent{
		SourceApp: "app1", SessionID: "s1", Type: events.TypeSessionStart,
		Payload: []byte(`{}`), Timestamp: time.Now().UnixMilli(),
	}))

	conn := f.dial(t, "")
	fr := readFrame(t, conn)
	assert.Equal(t, MessageTypeInitial, fr.Type)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(fr.Data, &snap))
	assert.Len(t, snap.Events, 1)
	assert.NotNil(t, snap.Projects)
	assert.NotNil(t, snap.Alerts)
}

func TestInitialSnapshotShowsStaleSessionsIdle(t *testing.T) {
	f := newFixture(t)

	stale := time.Now().Add(-5 * time.Minute).UnixMilli()
	sess := &store.Session{
		SourceApp: "app1", SessionID: "s1",
		Status: store.StatusActive, StartedAt: stale, LastEventAt: stale,
		TaskContext: []byte(`null`), CompactionHistory: []byte(`[]`), ToolBreakdown: []byte(`{}`),
	}
	require.NoError(t, f.store.WithTx(func(tx *sqlx.Tx) error {
		return f.store.UpsertSessionTx(tx, sess)
	}))

	conn := f.dial(t, "")
	fr := readFrame(t, conn)
	require.Equal(t, MessageTypeInitial, fr.Type)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(fr.Data, &snap))
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, store.StatusIdle, snap.Sessions[0].Status)
}

func TestDeltaFollowsSnapshot(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	require.Equal(t, MessageTypeInitial, readFrame(t, conn).Type)

	// The hub registers asynchronously; wait for it to see the client.
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	n, err := bus.NewNotification(bus.KindSessions, "", []store.Session{{SourceApp: "app1", SessionID: "s1"}})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), n))

	fr := readFrame(t, conn)
	assert.Equal(t, bus.KindSessions, fr.Type)

	var sessions []store.Session
	require.NoError(t, json.Unmarshal(fr.Data, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
}

func TestProjectFilterSkipsOtherProjects(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "?project=api")
	require.Equal(t, MessageTypeInitial, readFrame(t, conn).Type)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	other, err := bus.NewNotification(bus.KindSessions, "web", []store.Session{{SessionID: "other"}})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), other))

	mine, err := bus.NewNotification(bus.KindSessions, "api", []store.Session{{SessionID: "mine"}})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), mine))

	fr := readFrame(t, conn)
	require.Equal(t, bus.KindSessions, fr.Type)
	var sessions []store.Session
	require.NoError(t, json.Unmarshal(fr.Data, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "mine", sessions[0].SessionID)
}

func TestUnscopedNotificationReachesFilteredClient(t *testing.T) {
	c := newClient(nil, nil, "api")
	assert.True(t, c.wants(&bus.Notification{Kind: bus.KindAlerts}))
	assert.True(t, c.wants(&bus.Notification{Kind: bus.KindSessions, ProjectName: "api"}))
	assert.False(t, c.wants(&bus.Notification{Kind: bus.KindSessions, ProjectName: "web"}))
}

func TestEnqueueCoalescesDerivedKinds(t *testing.T) {
	c := newClient(nil, nil, "")
	for i := 0; i < sendBufferSize; i++ {
		c.enqueue(Message{Type: bus.KindEvent, Data: i})
	}
	require.Equal(t, sendBufferSize, c.pending())

	// A derived delta displaces the oldest message of its own kind when
	// present, otherwise the oldest overall.
	c.enqueue(Message{Type: bus.KindSessions, Data: "first"})
	assert.Equal(t, sendBufferSize, c.pending())

	c.enqueue(Message{Type: bus.KindSessions, Data: "second"})
	assert.Equal(t, sendBufferSize, c.pending())

	var sessionFrames []Message
	for {
		msg, ok := c.next()
		if !ok {
			break
		}
		if msg.Type == bus.KindSessions {
			sessionFrames = append(sessionFrames, msg)
		}
	}
	require.Len(t, sessionFrames, 1)
	assert.Equal(t, "second", sessionFrames[0].Data)
}

func TestEnqueueDropsOldestEvent(t *testing.T) {
	c := newClient(nil, nil, "")
	for i := 0; i < sendBufferSize+10; i++ {
		c.enqueue(Message{Type: bus.KindEvent, Data: fmt.Sprintf("e%d", i)})
	}
	require.Equal(t, sendBufferSize, c.pending())

	first, ok := c.next()
	require.True(t, ok)
	assert.Equal(t, "e10", first.Data)
}
