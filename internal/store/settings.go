package store

import (
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
)

// Setting keys used by the retention manager.
const (
	SettingEventsDays       = "retention.events.days"
	SettingDevLogsDays      = "retention.devlogs.days"
	SettingSessionsDays     = "retention.sessions.days"
	SettingArchiveEnabled   = "retention.archive.enabled"
	SettingArchiveDirectory = "retention.archive.directory"
	SettingCleanupInterval  = "retention.cleanup.interval.hours"
)

// GetSetting returns the value for key, or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	if err := s.ro.Get(&value, "SELECT value FROM settings WHERE key = ?", key); err != nil {
		return "", isNoRows(err)
	}
	return value, nil
}

// GetSettingInt returns the integer value for key, or fallback when the
// key is absent or not numeric.
func (s *Store) GetSettingInt(key string, fallback int) int {
	value, err := s.GetSetting(key)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// GetSettingBool returns the boolean value for key, or fallback.
func (s *Store) GetSettingBool(key string, fallback bool) bool {
	value, err := s.GetSetting(key)
	if err != nil {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

// SetSetting upserts a settings row.
func (s *Store) SetSetting(key, value string) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			key, value)
		if err != nil {
			return fmt.Errorf("%w: failed to set setting: %v", ErrStoreUnavailable, err)
		}
		return nil
	})
}

// SeedSetting writes a settings row only when the key is absent. Startup
// uses it so config defaults never clobber operator changes.
func (s *Store) SeedSetting(key, value string) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING",
			key, value)
		if err != nil {
			return fmt.Errorf("%w: failed to seed setting: %v", ErrStoreUnavailable, err)
		}
		return nil
	})
}

// ListSettings returns all settings rows.
func (s *Store) ListSettings() ([]Setting, error) {
	var rows []Setting
	if err := s.ro.Select(&rows, "SELECT * FROM settings ORDER BY key"); err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return rows, nil
}
