package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetConflictByPathTx loads the most recent conflict row for a file path
// inside a transaction, or ErrNotFound.
func (s *Store) GetConflictByPathTx(tx *sqlx.Tx, filePath string) (*FileConflict, error) {
	var c FileConflict
	err := tx.Get(&c,
		"SELECT * FROM conflicts WHERE file_path = ? ORDER BY updated_at DESC LIMIT 1",
		filePath)
	if err != nil {
		return nil, isNoRows(err)
	}
	return &c, nil
}

// InsertConflictTx writes a new conflict row inside a transaction.
func (s *Store) InsertConflictTx(tx *sqlx.Tx, c *FileConflict) error {
	_, err := tx.NamedExec(`
		INSERT INTO conflicts (
			id, file_path, severity, detected_at, updated_at,
			participants, dismissed, package_manifest
		) VALUES (
			:id, :file_path, :severity, :detected_at, :updated_at,
			:participants, :dismissed, :package_manifest
		)`,
		c)
	if err != nil {
		return fmt.Errorf("%w: failed to insert conflict: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// UpdateConflictTx rewrites an existing conflict row inside a transaction.
func (s *Store) UpdateConflictTx(tx *sqlx.Tx, c *FileConflict) error {
	res, err := tx.NamedExec(`
		UPDATE conflicts SET
			severity = :severity,
			updated_at = :updated_at,
			participants = :participants,
			dismissed = :dismissed
		WHERE id = :id`,
		c)
	if err != nil {
		return fmt.Errorf("%w: failed to update conflict: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DismissConflict marks a conflict dismissed.
func (s *Store) DismissConflict(id string) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec("UPDATE conflicts SET dismissed = 1 WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("%w: failed to dismiss conflict: %v", ErrStoreUnavailable, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read dismiss result: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetConflict loads a conflict row, or ErrNotFound.
func (s *Store) GetConflict(id string) (*FileConflict, error) {
	var c FileConflict
	if err := s.ro.Get(&c, "SELECT * FROM conflicts WHERE id = ?", id); err != nil {
		return nil, isNoRows(err)
	}
	return &c, nil
}

// ListActiveConflicts returns non-dismissed conflicts touched within the
// window (updated_at >= since), newest first.
func (s *Store) ListActiveConflicts(since int64) ([]FileConflict, error) {
	var rows []FileConflict
	err := s.ro.Select(&rows,
		`SELECT * FROM conflicts WHERE dismissed = 0 AND updated_at >= ?
		 ORDER BY updated_at DESC`,
		since)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return rows, nil
}
