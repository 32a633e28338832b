package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetSessionTx loads a session row inside a transaction, or ErrNotFound.
func (s *Store) GetSessionTx(tx *sqlx.Tx, sourceApp, sessionID string) (*Session, error) {
	var sess Session
	err := tx.Get(&sess,
		"SELECT * FROM sessions WHERE source_app = ? AND session_id = ?",
		sourceApp, sessionID)
	if err != nil {
		return nil, isNoRows(err)
	}
	return &sess, nil
}

// UpsertSessionTx writes a session row inside a transaction.
func (s *Store) UpsertSessionTx(tx *sqlx.Tx, sess *Session) error {
	_, err := tx.NamedExec(`
		INSERT INTO sessions (
			source_app, session_id, project_name, status, current_branch,
			started_at, last_event_at, event_count, model_name, cwd,
			task_context, compaction_count, last_compaction_at,
			compaction_history, parent_id, tool_use_count,
			tool_failure_count, tool_breakdown
		) VALUES (
			:source_app, :session_id, :project_name, :status, :current_branch,
			:started_at, :last_event_at, :event_count, :model_name, :cwd,
			:task_context, :compaction_count, :last_compaction_at,
			:compaction_history, :parent_id, :tool_use_count,
			:tool_failure_count, :tool_breakdown
		)
		ON CONFLICT (source_app, session_id) DO UPDATE SET
			project_name = excluded.project_name,
			status = excluded.status,
			current_branch = excluded.current_branch,
			last_event_at = excluded.last_event_at,
			event_count = excluded.event_count,
			model_name = excluded.model_name,
			cwd = excluded.cwd,
			task_context = excluded.task_context,
			compaction_count = excluded.compaction_count,
			last_compaction_at = excluded.last_compaction_at,
			compaction_history = excluded.compaction_history,
			parent_id = excluded.parent_id,
			tool_use_count = excluded.tool_use_count,
			tool_failure_count = excluded.tool_failure_count,
			tool_breakdown = excluded.tool_breakdown`,
		sess)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert session: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetSession loads a session row, or ErrNotFound.
func (s *Store) GetSession(sourceApp, sessionID string) (*Session, error) {
	var sess Session
	err := s.ro.Get(&sess,
		"SELECT * FROM sessions WHERE source_app = ? AND session_id = ?",
		sourceApp, sessionID)
	if err != nil {
		return nil, isNoRows(err)
	}
	return &sess, nil
}

// ListSessions returns all sessions, most recently active first. An
// optional project filter narrows the list.
func (s *Store) ListSessions(projectName string) ([]Session, error) {
	var rows []Session
	var err error
	if projectName != "" {
		err = s.ro.Select(&rows,
			"SELECT * FROM sessions WHERE project_name = ? ORDER BY last_event_at DESC",
			projectName)
	} else {
		err = s.ro.Select(&rows,
			"SELECT * FROM sessions ORDER BY last_event_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return rows, nil
}

// ListSessionsByStatus returns sessions currently in one of the given
// statuses.
func (s *Store) ListSessionsByStatus(statuses ...string) ([]Session, error) {
	query, args, err := sqlx.In(
		"SELECT * FROM sessions WHERE status IN (?) ORDER BY last_event_at DESC", statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build status query: %w", err)
	}
	var rows []Session
	if err := s.ro.Select(&rows, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	return rows, nil
}

// MarkSessionsIdleTx materializes the lazy idle transition: any active or
// waiting session whose last event is older than the cutoff becomes idle.
// Returns the keys that changed.
func (s *Store) MarkSessionsIdleTx(tx *sqlx.Tx, cutoff int64) ([]Session, error) {
	var stale []Session
	err := tx.Select(&stale,
		`SELECT * FROM sessions
		 WHERE status IN (?, ?) AND last_event_at < ?`,
		StatusActive, StatusWaiting, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale sessions: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}
	_, err = tx.Exec(
		`UPDATE sessions SET status = ? WHERE status IN (?, ?) AND last_event_at < ?`,
		StatusIdle, StatusActive, StatusWaiting, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to mark sessions idle: %v", ErrStoreUnavailable, err)
	}
	for i := range stale {
		stale[i].Status = StatusIdle
	}
	return stale, nil
}

// CountActiveSessionsTx counts non-stopped sessions of a project inside a
// transaction. Keeps Project.active_sessions consistent with the rows it
// is derived from.
func (s *Store) CountActiveSessionsTx(tx *sqlx.Tx, projectName string) (int64, error) {
	var n int64
	err := tx.Get(&n,
		"SELECT COUNT(*) FROM sessions WHERE project_name = ? AND status != ?",
		projectName, StatusStopped)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

// SessionEventCountTx returns the number of persisted events for a key,
// inside a transaction.
func (s *Store) SessionEventCountTx(tx *sqlx.Tx, sourceApp, sessionID string) (int64, error) {
	var n int64
	err := tx.Get(&n,
		"SELECT COUNT(*) FROM events WHERE source_app = ? AND session_id = ?",
		sourceApp, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to count session events: %w", err)
	}
	return n, nil
}
