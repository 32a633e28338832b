package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetProjectTx loads a project row inside a transaction, or ErrNotFound.
func (s *Store) GetProjectTx(tx *sqlx.Tx, name string) (*Project, error) {
	var p Project
	if err := tx.Get(&p, "SELECT * FROM projects WHERE name = ?", name); err != nil {
		return nil, isNoRows(err)
	}
	return &p, nil
}

// UpsertProjectTx writes a project row inside a transaction.
func (s *Store) UpsertProjectTx(tx *sqlx.Tx, p *Project) error {
	_, err := tx.NamedExec(`
		INSERT INTO projects (
			name, current_branch, active_sessions, last_activity,
			test_status, test_summary, dev_servers, deployment_status, github_status
		) VALUES (
			:name, :current_branch, :active_sessions, :last_activity,
			:test_status, :test_summary, :dev_servers, :deployment_status, :github_status
		)
		ON CONFLICT (name) DO UPDATE SET
			current_branch = excluded.current_branch,
			active_sessions = excluded.active_sessions,
			last_activity = excluded.last_activity,
			test_status = excluded.test_status,
			test_summary = excluded.test_summary,
			dev_servers = excluded.dev_servers,
			deployment_status = excluded.deployment_status,
			github_status = excluded.github_status`,
		p)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert project: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetProject loads a project row, or ErrNotFound.
func (s *Store) GetProject(name string) (*Project, error) {
	var p Project
	if err := s.ro.Get(&p, "SELECT * FROM projects WHERE name = ?", name); err != nil {
		return nil, isNoRows(err)
	}
	return &p, nil
}

// ListProjects returns all projects, most recently active first.
func (s *Store) ListProjects() ([]Project, error) {
	var rows []Project
	if err := s.ro.Select(&rows, "SELECT * FROM projects ORDER BY last_activity DESC"); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return rows, nil
}
