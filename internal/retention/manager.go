// Package retention archives and deletes aged rows on a schedule, then
// compacts the database file.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/devpulse/devpulse/internal/common/config"
	"github.com/devpulse/devpulse/internal/common/logger"
	"github.com/devpulse/devpulse/internal/store"
)

// Rows removed per delete transaction; keeps the writer from stalling
// behind one huge cleanup.
const deleteChunk = 500

// Report is the outcome of one cleanup run.
type Report struct {
	RunAt            int64    `json:"run_at"`
	EventsArchived   int64    `json:"events_archived"`
	EventsDeleted    int64    `json:"events_deleted"`
	DevLogsArchived  int64    `json:"devlogs_archived"`
	DevLogsDeleted   int64    `json:"devlogs_deleted"`
	SessionsArchived int64    `json:"sessions_archived"`
	SessionsDeleted  int64    `json:"sessions_deleted"`
	ArchiveFiles     []string `json:"archive_files"`
	DBSizeBefore     int64    `json:"db_size_before"`
	DBSizeAfter      int64    `json:"db_size_after"`
	Errors           []string `json:"errors,omitempty"`
}

// Manager runs the cleanup cycle. Thresholds live in the settings table
// so operators can change them at runtime; the config only seeds them.
type Manager struct {
	store *store.Store
	cfg   config.RetentionConfig
	log   *logger.Logger
	now   func() time.Time
}

// NewManager builds a retention manager.
func NewManager(st *store.Store, cfg config.RetentionConfig, log *logger.Logger) *Manager {
	return &Manager{
		store: st,
		cfg:   cfg,
		log:   log.WithFields(zap.String("component", "retention")),
		now:   time.Now,
	}
}

// SeedSettings writes the config defaults into the settings table
// without clobbering operator overrides.
func (m *Manager) SeedSettings() error {
	seeds := map[string]string{
		store.SettingEventsDays:       fmt.Sprintf("%d", m.cfg.EventsDays),
		store.SettingDevLogsDays:      fmt.Sprintf("%d", m.cfg.DevLogsDays),
		store.SettingSessionsDays:     fmt.Sprintf("%d", m.cfg.SessionsDays),
		store.SettingArchiveEnabled:   fmt.Sprintf("%t", m.cfg.ArchiveEnabled),
		store.SettingArchiveDirectory: m.cfg.ArchiveDirectory,
		store.SettingCleanupInterval:  fmt.Sprintf("%d", m.cfg.CleanupIntervalHours),
	}
	for key, value := range seeds {
		if err := m.store.SeedSetting(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Run ticks until the context is cancelled. Manual cleanups through the
// admin API are equivalent to a tick.
func (m *Manager) Run(ctx context.Context) error {
	for {
		hours := m.store.GetSettingInt(store.SettingCleanupInterval, m.cfg.CleanupIntervalHours)
		if hours <= 0 {
			hours = 24
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(hours) * time.Hour):
			if _, err := m.Cleanup(); err != nil {
				m.log.WithError(err).Error("scheduled cleanup failed")
			}
		}
	}
}

// Cleanup archives and deletes expired rows from every retained table,
// then compacts the file. Partial failures are reported, not fatal.
func (m *Manager) Cleanup() (*Report, error) {
	now := m.now()
	report := &Report{
		RunAt:        now.UnixMilli(),
		ArchiveFiles: []string{},
	}
	if size, err := m.store.FileSize(); err == nil {
		report.DBSizeBefore = size
	}

	archive := m.store.GetSettingBool(store.SettingArchiveEnabled, m.cfg.ArchiveEnabled)
	dir, err := m.store.GetSetting(store.SettingArchiveDirectory)
	if err != nil || dir == "" {
		dir = m.cfg.ArchiveDirectory
	}
	stamp := now.Format("20060102-150405")

	eventsCutoff := m.cutoff(now, store.SettingEventsDays, m.cfg.EventsDays)
	devlogsCutoff := m.cutoff(now, store.SettingDevLogsDays, m.cfg.DevLogsDays)
	sessionsCutoff := m.cutoff(now, store.SettingSessionsDays, m.cfg.SessionsDays)

	m.cleanTable(report, "events", archive, dir, stamp,
		func() (interface{}, int64, error) {
			rows, err := m.collectEvents(eventsCutoff)
			return rows, int64(len(rows)), err
		},
		func() (int64, error) { return m.store.DeleteEventsOlderThan(eventsCutoff, deleteChunk) },
		&report.EventsArchived, &report.EventsDeleted)

	m.cleanTable(report, "devlogs", archive, dir, stamp,
		func() (interface{}, int64, error) {
			rows, err := m.collectDevLogs(devlogsCutoff)
			return rows, int64(len(rows)), err
		},
		func() (int64, error) { return m.store.DeleteDevLogsOlderThan(devlogsCutoff, deleteChunk) },
		&report.DevLogsArchived, &report.DevLogsDeleted)

	m.cleanTable(report, "sessions", archive, dir, stamp,
		func() (interface{}, int64, error) {
			rows, err := m.collectSessions(sessionsCutoff)
			return rows, int64(len(rows)), err
		},
		func() (int64, error) {
			return m.store.DeleteStoppedSessionsOlderThan(sessionsCutoff, deleteChunk)
		},
		&report.SessionsArchived, &report.SessionsDeleted)

	if err := m.store.Vacuum(); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("vacuum: %v", err))
	}
	if size, err := m.store.FileSize(); err == nil {
		report.DBSizeAfter = size
	}

	m.log.Info("cleanup finished",
		zap.Int64("events_deleted", report.EventsDeleted),
		zap.Int64("devlogs_deleted", report.DevLogsDeleted),
		zap.Int64("sessions_deleted", report.SessionsDeleted),
		zap.Int("archive_files", len(report.ArchiveFiles)))
	return report, nil
}

func (m *Manager) cutoff(now time.Time, key string, fallbackDays int) int64 {
	days := m.store.GetSettingInt(key, fallbackDays)
	return now.AddDate(0, 0, -days).UnixMilli()
}

// cleanTable runs the archive-then-delete sequence for one table. When
// archiving is on and the file cannot be written, the rows stay in the
// store so the archive never claims rows it does not hold.
func (m *Manager) cleanTable(
	report *Report, table string, archive bool, dir, stamp string,
	collect func() (interface{}, int64, error),
	deleteChunked func() (int64, error),
	archived, deleted *int64,
) {
	rows, count, err := collect()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("%s: select: %v", table, err))
		return
	}
	if count == 0 {
		return
	}

	if archive {
		path, err := m.writeArchive(dir, stamp, table, rows)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: archive: %v", table, err))
			return
		}
		report.ArchiveFiles = append(report.ArchiveFiles, path)
		*archived = count

		run := &store.ArchiveRun{
			RunAt:    report.RunAt,
			Table:    table,
			RowCount: count,
			FilePath: path,
		}
		if err := m.store.InsertArchiveRun(run); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: record archive: %v", table, err))
		}
	}

	for {
		n, err := deleteChunked()
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: delete: %v", table, err))
			return
		}
		if n == 0 {
			return
		}
		*deleted += n
	}
}

func (m *Manager) collectEvents(cutoff int64) ([]interface{}, error) {
	rows, err := m.store.EventsOlderThan(cutoff, 1_000_000)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i])
	}
	return out, nil
}

func (m *Manager) collectDevLogs(cutoff int64) ([]interface{}, error) {
	rows, err := m.store.DevLogsOlderThan(cutoff, 1_000_000)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i])
	}
	return out, nil
}

func (m *Manager) collectSessions(cutoff int64) ([]interface{}, error) {
	rows, err := m.store.StoppedSessionsOlderThan(cutoff, 1_000_000)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i])
	}
	return out, nil
}

// writeArchive appends one table's expired rows to a timestamped JSON
// file and returns its path.
func (m *Manager) writeArchive(dir, stamp, table string, rows interface{}) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.json", stamp, table))
	raw, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
