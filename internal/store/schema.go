package store

import "github.com/devpulse/devpulse/internal/common/sqlite"

// initSchema creates the tables if they don't exist and applies additive
// column migrations.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_app TEXT NOT NULL,
		session_id TEXT NOT NULL,
		hook_event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		summary TEXT NOT NULL DEFAULT '',
		model_name TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_session_timestamp ON events(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_key ON events(source_app, session_id);

	CREATE TABLE IF NOT EXISTS sessions (
		source_app TEXT NOT NULL,
		session_id TEXT NOT NULL,
		project_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		current_branch TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		last_event_at INTEGER NOT NULL,
		event_count INTEGER NOT NULL DEFAULT 0,
		model_name TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		task_context TEXT NOT NULL DEFAULT 'null',
		compaction_count INTEGER NOT NULL DEFAULT 0,
		last_compaction_at INTEGER NOT NULL DEFAULT 0,
		compaction_history TEXT NOT NULL DEFAULT '[]',
		parent_id TEXT NOT NULL DEFAULT '',
		tool_use_count INTEGER NOT NULL DEFAULT 0,
		tool_failure_count INTEGER NOT NULL DEFAULT 0,
		tool_breakdown TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (source_app, session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_name);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS projects (
		name TEXT PRIMARY KEY,
		current_branch TEXT NOT NULL DEFAULT '',
		active_sessions INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL DEFAULT 0,
		test_status TEXT NOT NULL DEFAULT 'unknown',
		test_summary TEXT NOT NULL DEFAULT '',
		dev_servers TEXT NOT NULL DEFAULT '[]',
		deployment_status TEXT NOT NULL DEFAULT 'null',
		github_status TEXT NOT NULL DEFAULT 'null'
	);

	CREATE TABLE IF NOT EXISTS devlogs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		source_app TEXT NOT NULL,
		project_name TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		duration_minutes REAL NOT NULL DEFAULT 0,
		event_count INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		files_changed TEXT NOT NULL DEFAULT '[]',
		commits TEXT NOT NULL DEFAULT '[]',
		tool_breakdown TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_devlogs_project_ended ON devlogs(project_name, ended_at);
	CREATE INDEX IF NOT EXISTS idx_devlogs_session ON devlogs(session_id, source_app);

	CREATE TABLE IF NOT EXISTS topology_edges (
		parent_id TEXT NOT NULL,
		child_id TEXT NOT NULL,
		project_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (parent_id, child_id)
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL,
		severity TEXT NOT NULL,
		detected_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		participants TEXT NOT NULL DEFAULT '[]',
		dismissed INTEGER NOT NULL DEFAULT 0,
		package_manifest INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_path ON conflicts(file_path);

	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		event_types TEXT NOT NULL DEFAULT '[]',
		project_filter TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		trigger_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_status INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_triggered_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS archive_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_at INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		row_count INTEGER NOT NULL DEFAULT 0,
		file_path TEXT NOT NULL DEFAULT ''
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Additive migrations for columns introduced after the first release.
	if err := sqlite.EnsureColumn(s.db.DB, "sessions", "parent_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := sqlite.EnsureColumn(s.db.DB, "conflicts", "package_manifest", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return nil
}
