package store

import (
	"fmt"

	"github.com/devpulse/devpulse/internal/events"
	"github.com/jmoiron/sqlx"
)

// EventsOlderThan returns events with timestamp < cutoff, oldest first,
// up to limit rows. The retention manager archives these before deleting.
func (s *Store) EventsOlderThan(cutoff int64, limit int) ([]events.HookEvent, error) {
	var rows []events.HookEvent
	err := s.ro.Select(&rows,
		"SELECT * FROM events WHERE timestamp < ? ORDER BY timestamp, id LIMIT ?",
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired events: %w", err)
	}
	return rows, nil
}

// DevLogsOlderThan returns devlogs with ended_at < cutoff, oldest first.
func (s *Store) DevLogsOlderThan(cutoff int64, limit int) ([]DevLog, error) {
	var rows []DevLog
	err := s.ro.Select(&rows,
		"SELECT * FROM devlogs WHERE ended_at < ? ORDER BY ended_at, id LIMIT ?",
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired devlogs: %w", err)
	}
	return rows, nil
}

// StoppedSessionsOlderThan returns stopped sessions whose last event is
// older than cutoff. Sessions in any other status are never expired.
func (s *Store) StoppedSessionsOlderThan(cutoff int64, limit int) ([]Session, error) {
	var rows []Session
	err := s.ro.Select(&rows,
		`SELECT * FROM sessions WHERE status = ? AND last_event_at < ?
		 ORDER BY last_event_at LIMIT ?`,
		StatusStopped, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired sessions: %w", err)
	}
	return rows, nil
}

// DeleteEventsOlderThan removes up to limit expired events in one
// transaction and reports how many rows went away. Callers loop until
// the count comes back zero so a large backlog never holds the write
// lock for long.
func (s *Store) DeleteEventsOlderThan(cutoff int64, limit int) (int64, error) {
	var deleted int64
	err := s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM events WHERE id IN (
				SELECT id FROM events WHERE timestamp < ? ORDER BY timestamp, id LIMIT ?
			)`,
			cutoff, limit)
		if err != nil {
			return fmt.Errorf("%w: failed to delete expired events: %v", ErrStoreUnavailable, err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// DeleteDevLogsOlderThan removes up to limit expired devlogs.
func (s *Store) DeleteDevLogsOlderThan(cutoff int64, limit int) (int64, error) {
	var deleted int64
	err := s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM devlogs WHERE id IN (
				SELECT id FROM devlogs WHERE ended_at < ? ORDER BY ended_at, id LIMIT ?
			)`,
			cutoff, limit)
		if err != nil {
			return fmt.Errorf("%w: failed to delete expired devlogs: %v", ErrStoreUnavailable, err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// DeleteStoppedSessionsOlderThan removes up to limit expired stopped
// sessions, keyed by rowid because the table has a composite primary key.
func (s *Store) DeleteStoppedSessionsOlderThan(cutoff int64, limit int) (int64, error) {
	var deleted int64
	err := s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM sessions WHERE rowid IN (
				SELECT rowid FROM sessions WHERE status = ? AND last_event_at < ?
				ORDER BY last_event_at LIMIT ?
			)`,
			StatusStopped, cutoff, limit)
		if err != nil {
			return fmt.Errorf("%w: failed to delete expired sessions: %v", ErrStoreUnavailable, err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// InsertArchiveRun records one table's archive output for a cleanup run.
func (s *Store) InsertArchiveRun(run *ArchiveRun) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.NamedExec(`
			INSERT INTO archive_runs (run_at, table_name, row_count, file_path)
			VALUES (:run_at, :table_name, :row_count, :file_path)`,
			run)
		if err != nil {
			return fmt.Errorf("%w: failed to record archive run: %v", ErrStoreUnavailable, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read archive run id: %w", err)
		}
		run.ID = id
		return nil
	})
}

// ListArchiveRuns returns the most recent archive runs, newest first.
func (s *Store) ListArchiveRuns(limit int) ([]ArchiveRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ArchiveRun
	err := s.ro.Select(&rows,
		"SELECT * FROM archive_runs ORDER BY run_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive runs: %w", err)
	}
	return rows, nil
}
