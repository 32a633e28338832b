package retention

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/common/config"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/events"
	"github.com/devpulse/devpulse/internal/store"
)

func newManager(t *testing.T, cfg config.RetentionConfig) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(st, cfg, logger.Default()), st
}

func TestCleanupArchivesAndDeletes(t *testing.T) {
	dir := t.TempDir()
	m, st := newManager(t, config.RetentionConfig{
		EventsDays:           1,
		DevLogsDays:          90,
		SessionsDays:         30,
		ArchiveEnabled:       true,
		ArchiveDirectory:     dir,
		CleanupIntervalHours: 24,
	})
	require.NoError(t, m.SeedSettings())

	now := time.Now()
	old := &events.HookEvent{
		SourceApp: "app1", SessionID: "s1", Type: events.TypeSessionStart,
		Payload: []byte(`{}`), Timestamp: now.Add(-48 * time.Hour).UnixMilli(),
	}
	fresh := &events.HookEvent{
		SourceApp: "app1", SessionID: "s1", Type: events.TypeStop,
		Payload: []byte(`{}`), Timestamp: now.UnixMilli(),
	}
	require.NoError(t, st.AppendEvent(old))
	require.NoError(t, st.AppendEvent(fresh))

	report, err := m.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.EventsArchived)
	assert.Equal(t, int64(1), report.EventsDeleted)
	assert.Empty(t, report.Errors)
	require.Len(t, report.ArchiveFiles, 1)

	// The archive holds exactly the deleted row.
	raw, err := os.ReadFile(report.ArchiveFiles[0])
	require.NoError(t, err)
	var archived []events.HookEvent
	require.NoError(t, json.Unmarshal(raw, &archived))
	require.Len(t, archived, 1)
	assert.Equal(t, old.ID, archived[0].ID)

	remaining, err := st.ListEvents(store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.ID, remaining[0].ID)

	// The run was recorded.
	runs, err := st.ListArchiveRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "events", runs[0].Table)
	assert.Equal(t, int64(1), runs[0].RowCount)
	assert.Equal(t, filepath.Dir(report.ArchiveFiles[0]), dir)
}

func TestCleanupHonorsSettingsOverride(t *testing.T) {
	dir := t.TempDir()
	m, st := newManager(t, config.RetentionConfig{
		EventsDays:       30,
		DevLogsDays:      90,
		SessionsDays:     30,
		ArchiveEnabled:   false,
		ArchiveDirectory: dir,
	})
	require.NoError(t, m.SeedSettings())
	// Operator tightened the threshold at runtime.
	require.NoError(t, st.SetSetting(store.SettingEventsDays, "1"))

	old := &events.HookEvent{
		SourceApp: "app1", SessionID: "s1", Type: events.TypeSessionStart,
		Payload: []byte(`{}`), Timestamp: time.Now().Add(-48 * time.Hour).UnixMilli(),
	}
	require.NoError(t, st.AppendEvent(old))

	report, err := m.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.EventsDeleted)
	assert.Zero(t, report.EventsArchived)
	assert.Empty(t, report.ArchiveFiles)
}

func TestCleanupRemovesOnlyStoppedSessions(t *testing.T) {
	m, st := newManager(t, config.RetentionConfig{
		EventsDays:     30,
		DevLogsDays:    90,
		SessionsDays:   1,
		ArchiveEnabled: false,
	})
	require.NoError(t, m.SeedSettings())

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	stopped := &store.Session{
		SourceApp: "app1", SessionID: "stopped", Status: store.StatusStopped,
		StartedAt: old, LastEventAt: old,
		TaskContext: []byte(`null`), CompactionHistory: []byte(`[]`), ToolBreakdown: []byte(`{}`),
	}
	idle := &store.Session{
		SourceApp: "app1", SessionID: "idle", Status: store.StatusIdle,
		StartedAt: old, LastEventAt: old,
		TaskContext: []byte(`null`), CompactionHistory: []byte(`[]`), ToolBreakdown: []byte(`{}`),
	}
	require.NoError(t, st.WithTx(func(tx *sqlx.Tx) error {
		if err := st.UpsertSessionTx(tx, stopped); err != nil {
			return err
		}
		return st.UpsertSessionTx(tx, idle)
	}))

	report, err := m.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.SessionsDeleted)

	_, err = st.GetSession("app1", "stopped")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSession("app1", "idle")
	assert.NoError(t, err)
}

func TestCleanupNoExpiredRowsIsClean(t *testing.T) {
	m, st := newManager(t, config.RetentionConfig{
		EventsDays: 30, DevLogsDays: 90, SessionsDays: 30, ArchiveEnabled: true,
		ArchiveDirectory: t.TempDir(),
	})
	require.NoError(t, m.SeedSettings())

	fresh := &events.HookEvent{
		SourceApp: "app1", SessionID: "s1", Type: events.TypeStop,
		Payload: []byte(`{}`), Timestamp: time.Now().UnixMilli(),
	}
	require.NoError(t, st.AppendEvent(fresh))

	report, err := m.Cleanup()
	require.NoError(t, err)
	assert.Zero(t, report.EventsDeleted)
	assert.Empty(t, report.ArchiveFiles)
	assert.Empty(t, report.Errors)
}
