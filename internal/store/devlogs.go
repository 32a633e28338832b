package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertDevLogTx writes a dev log row inside a transaction and assigns
// its id.
func (s *Store) InsertDevLogTx(tx *sqlx.Tx, d *DevLog) error {
	res, err := tx.NamedExec(`
		INSERT INTO devlogs (
			session_id, source_app, project_name, branch, started_at,
			ended_at, duration_minutes, event_count, summary,
			files_changed, commits, tool_breakdown
		) VALUES (
			:session_id, :source_app, :project_name, :branch, :started_at,
			:ended_at, :duration_minutes, :event_count, :summary,
			:files_changed, :commits, :tool_breakdown
		)`,
		d)
	if err != nil {
		return fmt.Errorf("%w: failed to insert devlog: %v", ErrStoreUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: failed to read devlog id: %v", ErrStoreUnavailable, err)
	}
	d.ID = id
	return nil
}

// HasDevLogTx reports whether a dev log already exists for a session key.
// Sessions may emit Stop more than once; only the first stop produces a
// dev log.
func (s *Store) HasDevLogTx(tx *sqlx.Tx, sourceApp, sessionID string) (bool, error) {
	var n int64
	err := tx.Get(&n,
		"SELECT COUNT(*) FROM devlogs WHERE source_app = ? AND session_id = ?",
		sourceApp, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to check devlog existence: %w", err)
	}
	return n > 0, nil
}

// ListDevLogs returns dev logs, newest first. An optional project filter
// narrows the list.
func (s *Store) ListDevLogs(projectName string, limit int) ([]DevLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []DevLog
	var err error
	if projectName != "" {
		err = s.ro.Select(&rows,
			"SELECT * FROM devlogs WHERE project_name = ? ORDER BY ended_at DESC LIMIT ?",
			projectName, limit)
	} else {
		err = s.ro.Select(&rows,
			"SELECT * FROM devlogs ORDER BY ended_at DESC LIMIT ?", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list devlogs: %w", err)
	}
	return rows, nil
}

// GetDevLog loads one dev log, or ErrNotFound.
func (s *Store) GetDevLog(id int64) (*DevLog, error) {
	var d DevLog
	if err := s.ro.Get(&d, "SELECT * FROM devlogs WHERE id = ?", id); err != nil {
		return nil, isNoRows(err)
	}
	return &d, nil
}
