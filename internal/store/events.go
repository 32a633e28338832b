package store

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/devpulse/devpulse/internal/events"
)

// EventFilter narrows event list queries. Zero values mean "no filter".
type EventFilter struct {
	SourceApp string
	SessionID string
	Types     []string
	Since     int64 // inclusive, unix ms
	Until     int64 // exclusive, unix ms
	Limit     int
}

// AppendEventTx persists e inside an open transaction and assigns its id.
// The store re-checks required fields; full validation happens upstream.
func (s *Store) AppendEventTx(tx *sqlx.Tx, e *events.HookEvent) error {
	if e.SourceApp == "" || e.SessionID == "" || !e.Type.Valid() {
		return fmt.Errorf("%w: event is missing required fields", ErrMalformed)
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := tx.Exec(
		`INSERT INTO events (source_app, session_id, hook_event_type, payload, summary, model_name, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SourceApp, e.SessionID, string(e.Type), payload, e.Summary, e.ModelName, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to append event: %v", ErrStoreUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: failed to read event id: %v", ErrStoreUnavailable, err)
	}
	e.ID = id
	return nil
}

// AppendEvent persists a single event outside the ingest pipeline (used
// by archive re-ingest and tests).
func (s *Store) AppendEvent(e *events.HookEvent) error {
	return s.WithTx(func(tx *sqlx.Tx) error {
		return s.AppendEventTx(tx, e)
	})
}

// ListEvents returns events matching the filter in (timestamp, id) order.
func (s *Store) ListEvents(f EventFilter) ([]events.HookEvent, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.SourceApp != "" {
		conds = append(conds, "source_app = ?")
		args = append(args, f.SourceApp)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",")
		conds = append(conds, fmt.Sprintf("hook_event_type IN (%s)", placeholders))
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.Since > 0 {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.Until)
	}

	query := "SELECT * FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []events.HookEvent
	if err := s.ro.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return rows, nil
}

// RecentEvents returns the newest limit events in chronological order.
func (s *Store) RecentEvents(limit int) ([]events.HookEvent, error) {
	var rows []events.HookEvent
	err := s.ro.Select(&rows,
		"SELECT * FROM events ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent events: %w", err)
	}
	// Reverse into ascending commit order.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// EventsForSession returns all events of one session key in commit order.
func (s *Store) EventsForSession(sourceApp, sessionID string) ([]events.HookEvent, error) {
	var rows []events.HookEvent
	err := s.ro.Select(&rows,
		`SELECT * FROM events WHERE source_app = ? AND session_id = ?
		 ORDER BY timestamp, id`,
		sourceApp, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	return rows, nil
}

// EventsForSessionTx is EventsForSession inside an open transaction, so
// the row being ingested is visible to derivations in the same commit.
func (s *Store) EventsForSessionTx(tx *sqlx.Tx, sourceApp, sessionID string) ([]events.HookEvent, error) {
	var rows []events.HookEvent
	err := tx.Select(&rows,
		`SELECT * FROM events WHERE source_app = ? AND session_id = ?
		 ORDER BY timestamp, id`,
		sourceApp, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	return rows, nil
}

// EventsSince returns events with timestamp >= since (unix ms) in commit
// order. The alert engine uses it to rebuild rolling counters on startup.
func (s *Store) EventsSince(since int64) ([]events.HookEvent, error) {
	return s.ListEvents(EventFilter{Since: since})
}

// CountEvents returns the total number of stored events.
func (s *Store) CountEvents() (int64, error) {
	var n int64
	if err := s.ro.Get(&n, "SELECT COUNT(*) FROM events"); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// FilterOptions lists the distinct values clients can filter the event
// feed by.
type FilterOptions struct {
	SourceApps []string `json:"source_apps"`
	SessionIDs []string `json:"session_ids"`
	EventTypes []string `json:"hook_event_types"`
}

// EventFilterOptions returns the distinct source apps, session ids, and
// event types present in the store.
func (s *Store) EventFilterOptions() (*FilterOptions, error) {
	opts := &FilterOptions{
		SourceApps: []string{},
		SessionIDs: []string{},
		EventTypes: []string{},
	}
	if err := s.ro.Select(&opts.SourceApps,
		"SELECT DISTINCT source_app FROM events ORDER BY source_app"); err != nil {
		return nil, fmt.Errorf("failed to list source apps: %w", err)
	}
	if err := s.ro.Select(&opts.SessionIDs,
		"SELECT DISTINCT session_id FROM events ORDER BY session_id"); err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}
	if err := s.ro.Select(&opts.EventTypes,
		"SELECT DISTINCT hook_event_type FROM events ORDER BY hook_event_type"); err != nil {
		return nil, fmt.Errorf("failed to list event types: %w", err)
	}
	return opts, nil
}
