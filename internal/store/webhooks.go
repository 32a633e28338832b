package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertWebhook persists a new webhook registration.
func (s *Store) InsertWebhook(w *Webhook) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		_, err := tx.NamedExec(`
			INSERT INTO webhooks (
				id, name, url, secret, event_types, project_filter, active,
				trigger_count, failure_count, last_status, last_error,
				last_triggered_at, created_at, updated_at
			) VALUES (
				:id, :name, :url, :secret, :event_types, :project_filter, :active,
				:trigger_count, :failure_count, :last_status, :last_error,
				:last_triggered_at, :created_at, :updated_at
			)`,
			w)
		if err != nil {
			return fmt.Errorf("%w: failed to insert webhook: %v", ErrStoreUnavailable, err)
		}
		return nil
	})
}

// UpdateWebhook rewrites a webhook row. The expectedUpdatedAt precondition
// guards against concurrent updates; a mismatch returns ErrConflict.
func (s *Store) UpdateWebhook(w *Webhook, expectedUpdatedAt int64) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE webhooks SET
				name = ?, url = ?, secret = ?, event_types = ?,
				project_filter = ?, active = ?, updated_at = ?
			WHERE id = ? AND updated_at = ?`,
			w.Name, w.URL, w.Secret, w.EventTypes,
			w.ProjectFilter, w.Active, w.UpdatedAt,
			w.ID, expectedUpdatedAt)
		if err != nil {
			return fmt.Errorf("%w: failed to update webhook: %v", ErrStoreUnavailable, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if n == 0 {
			// Distinguish a missing row from a stale precondition.
			var exists int64
			if err := tx.Get(&exists, "SELECT COUNT(*) FROM webhooks WHERE id = ?", w.ID); err != nil {
				return fmt.Errorf("failed to check webhook existence: %w", err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return nil
	})
}

// DeleteWebhook removes a webhook registration.
func (s *Store) DeleteWebhook(id string) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec("DELETE FROM webhooks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("%w: failed to delete webhook: %v", ErrStoreUnavailable, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read delete result: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetWebhook loads a webhook, or ErrNotFound.
func (s *Store) GetWebhook(id string) (*Webhook, error) {
	var w Webhook
	if err := s.ro.Get(&w, "SELECT * FROM webhooks WHERE id = ?", id); err != nil {
		return nil, isNoRows(err)
	}
	return &w, nil
}

// ListWebhooks returns all webhook registrations.
func (s *Store) ListWebhooks() ([]Webhook, error) {
	var rows []Webhook
	if err := s.ro.Select(&rows, "SELECT * FROM webhooks ORDER BY created_at"); err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return rows, nil
}

// ListActiveWebhooks returns the webhooks the dispatcher should consider.
func (s *Store) ListActiveWebhooks() ([]Webhook, error) {
	var rows []Webhook
	if err := s.ro.Select(&rows, "SELECT * FROM webhooks WHERE active = 1 ORDER BY created_at"); err != nil {
		return nil, fmt.Errorf("failed to list active webhooks: %w", err)
	}
	return rows, nil
}

// RecordWebhookDelivery updates delivery bookkeeping after an attempt
// sequence finishes.
func (s *Store) RecordWebhookDelivery(id string, success bool, status int, lastErr string, at int64) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		var query string
		if success {
			query = `UPDATE webhooks SET trigger_count = trigger_count + 1,
				last_status = ?, last_error = ?, last_triggered_at = ? WHERE id = ?`
		} else {
			query = `UPDATE webhooks SET failure_count = failure_count + 1,
				last_status = ?, last_error = ?, last_triggered_at = ? WHERE id = ?`
		}
		if _, err := tx.Exec(query, status, lastErr, at, id); err != nil {
			return fmt.Errorf("%w: failed to record webhook delivery: %v", ErrStoreUnavailable, err)
		}
		return nil
	})
}

// RecordWebhookAttempt updates the last-delivery fields after a single
// attempt without moving the outcome counters.
func (s *Store) RecordWebhookAttempt(id string, status int, lastErr string, at int64) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(
			"UPDATE webhooks SET last_status = ?, last_error = ?, last_triggered_at = ? WHERE id = ?",
			status, lastErr, at, id); err != nil {
			return fmt.Errorf("%w: failed to record webhook attempt: %v", ErrStoreUnavailable, err)
		}
		return nil
	})
}

// IncrementWebhookFailures bumps the failure counter without touching the
// last-delivery fields (queue overflow drops).
func (s *Store) IncrementWebhookFailures(id string, n int64) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(
			"UPDATE webhooks SET failure_count = failure_count + ? WHERE id = ?", n, id); err != nil {
			return fmt.Errorf("%w: failed to bump webhook failures: %v", ErrStoreUnavailable, err)
		}
		return nil
	})
}
