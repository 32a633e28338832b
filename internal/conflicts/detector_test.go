package conflicts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

func newDetector(t *testing.T, window time.Duration) (*Detector, *store.Store) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewDetector(st, window, logger.Default()), st
}

func toolEvent(sourceApp, sessionID, tool, path string, ts int64) *events.HookEvent {
	payload, _ := json.Marshal(map[string]string{"tool_name": tool, "file_path": path})
	return &events.HookEvent{
		SourceApp: sourceApp,
		SessionID: sessionID,
		Type:      events.TypePreToolUse,
		Payload:   payload,
		Timestamp: ts,
	}
}

func observe(t *testing.T, d *Detector, st *store.Store, e *events.HookEvent) bool {
	t.Helper()
	var changed bool
	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		var err error
		changed, err = d.Observe(tx, e, "api")
		return err
	}))
	return changed
}

func TestTwoWritersEscalateToHigh(t *testing.T) {
	d, st := newDetector(t, 30*time.Minute)
	now := time.Now().UnixMilli()

	changed := observe(t, d, st, toolEvent("app1", "a", "Write", "src/a.ts", now))
	assert.False(t, changed)

	changed = observe(t, d, st, toolEvent("app2", "b", "Write", "src/a.ts", now+5000))
	assert.True(t, changed)

	active, err := st.ListActiveConflicts(0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	c := active[0]
	assert.Equal(t, store.SeverityHigh, c.Severity)
	assert.Equal(t, "src/a.ts", c.FilePath)

	accesses := c.Accesses()
	require.Len(t, accesses, 2)
	agents := map[string]bool{}
	for _, a := range accesses {
		agents[a.AgentID] = true
		assert.Equal(t, AccessWrite, a.AccessType)
	}
	assert.True(t, agents["app1:a"])
	assert.True(t, agents["app2:b"])
}

func TestWriterPlusReaderIsMedium(t *testing.T) {
	d, st := newDetector(t, 30*time.Minute)
	now := time.Now().UnixMilli()

	observe(t, d, st, toolEvent("app1", "a", "Edit", "src/a.ts", now))
	changed := observe(t, d, st, toolEvent("app2", "b", "Read", "src/a.ts", now+1000))
	assert.True(t, changed)

	active, err := st.ListActiveConflicts(0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, store.SeverityMedium, active[0].Severity)
}

func TestReadersOnlyIsLowAndEmitsOnce(t *testing.T) {
	d, st := newDetector(t, 30*time.Minute)
	now := time.Now().UnixMilli()

	observe(t, d, st, toolEvent("app1", "a", "Read", "src/a.ts", now))
	changed := observe(t, d, st, toolEvent("app2", "b", "Read", "src/a.ts", now+1000))
	assert.True(t, changed)

	// Further reads by the same pair do not re-emit.
	changed = observe(t, d, st, toolEvent("app1", "a", "Read", "src/a.ts", now+2000))
	assert.False(t, changed)

	active, err := st.ListActiveConflicts(0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, store.SeverityLow, active[0].Severity)
}

func TestEscalationRevivesDismissed(t *testing.T) {
	d, st := newDetector(t, 30*time.Minute)
	now := time.Now().UnixMilli()

	observe(t, d, st, toolEvent("app1", "a", "Write", "src/a.ts", now))
	observe(t, d, st, toolEvent("app2", "b", "Read", "src/a.ts", now+1000))

	active, err := st.ListActiveConflicts(0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NoError(t, st.DismissConflict(active[0].ID))

	active, err = st.ListActiveConflicts(0)
	require.NoError(t, err)
	assert.Empty(t, active)

	// A second writer escalates medium -> high and un-dismisses.
	changed := observe(t, d, st, toolEvent("app2", "b", "Write", "src/a.ts", now+2000))
	assert.True(t, changed)

	active, err = st.ListActiveConflicts(0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, store.SeverityHigh, active[0].Severity)
	assert.False(t, active[0].Dismissed)
}

func TestWindowPruningDowngrades(t *testing.T) {
	d, st := newDetector(t, time.Minute)
	now := time.Now().UnixMilli()

	observe(t, d, st, toolEvent("app1", "a", "Write", "src/a.ts", now))
	observe(t, d, st, toolEvent("app2", "b", "Write", "src/a.ts", now+1000))

	// The first writer ages out; the remaining single writer is no
	// conflict, so the row keeps its last severity as history.
	changed := observe(t, d, st, toolEvent("app2", "b", "Write", "src/a.ts", now+120_000))
	assert.False(t, changed)

	c, err := st.ListActiveConflicts(0)
	require.NoError(t, err)
	require.Len(t, c, 1)
	assert.Equal(t, store.SeverityHigh, c[0].Severity)
}

func TestZeroWindowNeverEmits(t *testing.T) {
	d, st := newDetector(t, 0)
	now := time.Now().UnixMilli()

	changed := observe(t, d, st, toolEvent("app1", "a", "Write", "src/a.ts", now))
	assert.False(t, changed)
	changed = observe(t, d, st, toolEvent("app2", "b", "Write", "src/a.ts", now+1000))
	assert.False(t, changed)

	active, err := st.ListActiveConflicts(0)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestManifestTagging(t *testing.T) {
	d, st := newDetector(t, 30*time.Minute)
	now := time.Now().UnixMilli()

	observe(t, d, st, toolEvent("app1", "a", "Write", "web/package.json", now))
	observe(t, d, st, toolEvent("app2", "b", "Write", "web/package.json", now+1000))

	active, err := st.ListActiveConflicts(0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].PackageManifest)
}

func TestRebuildRestoresWindow(t *testing.T) {
	d, st := newDetector(t, 30*time.Minute)
	now := time.Now().UnixMilli()

	history := []events.HookEvent{
		*toolEvent("app1", "a", "Write", "src/a.ts", now-60_000),
	}
	d.Rebuild(history, func(*events.HookEvent) string { return "api" })

	// The replayed writer plus a live writer makes the conflict fire on
	// the first post-restart event.
	changed := observe(t, d, st, toolEvent("app2", "b", "Write", "src/a.ts", now))
	assert.True(t, changed)
}
