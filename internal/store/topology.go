package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertTopologyEdgeTx records a parent→child edge inside a transaction.
// Re-inserting an existing edge is a no-op; history is preserved.
func (s *Store) UpsertTopologyEdgeTx(tx *sqlx.Tx, e *TopologyEdge) error {
	_, err := tx.Exec(`
		INSERT INTO topology_edges (parent_id, child_id, project_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (parent_id, child_id) DO NOTHING`,
		e.ParentID, e.ChildID, e.ProjectName, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert topology edge: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ListTopologyEdges returns edges, optionally filtered by project.
func (s *Store) ListTopologyEdges(projectName string) ([]TopologyEdge, error) {
	var rows []TopologyEdge
	var err error
	if projectName != "" {
		err = s.ro.Select(&rows,
			"SELECT * FROM topology_edges WHERE project_name = ? ORDER BY created_at",
			projectName)
	} else {
		err = s.ro.Select(&rows, "SELECT * FROM topology_edges ORDER BY created_at")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list topology edges: %w", err)
	}
	return rows, nil
}
