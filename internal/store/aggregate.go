package store

import (
	"fmt"
	"strings"

	"github.com/devpulse/devpulse/internal/events"
)

// Cost grouping keys.
const (
	CostGroupProject = "project"
	CostGroupSession = "session"
	CostGroupDay     = "day"
)

// HeatmapCell is one day x hour bucket of event counts. Day is a local
// calendar date in YYYY-MM-DD form.
type HeatmapCell struct {
	Day   string `db:"day" json:"day"`
	Hour  int    `db:"hour" json:"hour"`
	Count int64  `db:"count" json:"count"`
}

// Heatmap aggregates event counts into local day x hour cells for the
// half-open range [since, until). Cells with no events are omitted.
func (s *Store) Heatmap(since, until int64, projectName string) ([]HeatmapCell, error) {
	query := `
		SELECT
			strftime('%Y-%m-%d', e.timestamp / 1000, 'unixepoch', 'localtime') AS day,
			CAST(strftime('%H', e.timestamp / 1000, 'unixepoch', 'localtime') AS INTEGER) AS hour,
			COUNT(*) AS count
		FROM events e`
	args := []interface{}{}
	if projectName != "" {
		query += `
		JOIN sessions s ON s.source_app = e.source_app AND s.session_id = e.session_id
		WHERE s.project_name = ? AND e.timestamp >= ? AND e.timestamp < ?`
		args = append(args, projectName, since, until)
	} else {
		query += `
		WHERE e.timestamp >= ? AND e.timestamp < ?`
		args = append(args, since, until)
	}
	query += `
		GROUP BY day, hour
		ORDER BY day, hour`

	var cells []HeatmapCell
	if err := s.ro.Select(&cells, query, args...); err != nil {
		return nil, fmt.Errorf("heatmap aggregation failed: %w", err)
	}
	return cells, nil
}

// CostRow is the raw material for cost estimation: per group and model,
// the event count and total payload size in bytes.
type CostRow struct {
	GroupKey     string `db:"group_key" json:"group_key"`
	ModelName    string `db:"model_name" json:"model_name"`
	EventCount   int64  `db:"event_count" json:"event_count"`
	PayloadBytes int64  `db:"payload_bytes" json:"payload_bytes"`
}

// CostInputs aggregates events by the requested grouping (project,
// session, or local day) and by model. A zero bound leaves that side of
// the range open. Events whose session has no project row group under an
// empty key when grouping by project.
func (s *Store) CostInputs(group string, since, until int64, projectName string) ([]CostRow, error) {
	var keyExpr string
	switch group {
	case CostGroupProject:
		keyExpr = "COALESCE(s.project_name, '')"
	case CostGroupSession:
		keyExpr = "e.source_app || ':' || e.session_id"
	case CostGroupDay:
		keyExpr = "strftime('%Y-%m-%d', e.timestamp / 1000, 'unixepoch', 'localtime')"
	default:
		return nil, fmt.Errorf("%w: unknown cost grouping %q", ErrMalformed, group)
	}

	query := fmt.Sprintf(`
		SELECT
			%s AS group_key,
			e.model_name AS model_name,
			COUNT(*) AS event_count,
			SUM(LENGTH(e.payload)) AS payload_bytes
		FROM events e
		LEFT JOIN sessions s ON s.source_app = e.source_app AND s.session_id = e.session_id`, keyExpr)
	var (
		conds []string
		args  []interface{}
	)
	if since > 0 {
		conds = append(conds, "e.timestamp >= ?")
		args = append(args, since)
	}
	if until > 0 {
		conds = append(conds, "e.timestamp < ?")
		args = append(args, until)
	}
	if projectName != "" {
		conds = append(conds, "s.project_name = ?")
		args = append(args, projectName)
	}
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	query += `
		GROUP BY group_key, e.model_name
		ORDER BY group_key, e.model_name`

	var rows []CostRow
	if err := s.ro.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("cost aggregation failed: %w", err)
	}
	return rows, nil
}

// ProjectEvent is an event with its session's project attached, used by
// the summary derivations.
type ProjectEvent struct {
	events.HookEvent
	ProjectName string `db:"project_name" json:"project_name"`
}

// EventsWithProject returns events in [since, until) joined to their
// session's project name, in canonical order.
func (s *Store) EventsWithProject(since, until int64, projectName string) ([]ProjectEvent, error) {
	query := `
		SELECT e.*, COALESCE(s.project_name, '') AS project_name
		FROM events e
		LEFT JOIN sessions s ON s.source_app = e.source_app AND s.session_id = e.session_id
		WHERE e.timestamp >= ? AND e.timestamp < ?`
	args := []interface{}{since, until}
	if projectName != "" {
		query += " AND s.project_name = ?"
		args = append(args, projectName)
	}
	query += " ORDER BY e.timestamp, e.id"

	var rows []ProjectEvent
	if err := s.ro.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("event range query failed: %w", err)
	}
	return rows, nil
}

// ProjectEventCounts returns the total event count and the tool failure
// count for a project in [since, until). Health scoring reads these.
func (s *Store) ProjectEventCounts(projectName string, since, until int64) (total, failures int64, err error) {
	row := struct {
		Total    int64 `db:"total"`
		Failures int64 `db:"failures"`
	}{}
	err = s.ro.Get(&row, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN e.hook_event_type = ? THEN 1 ELSE 0 END), 0) AS failures
		FROM events e
		JOIN sessions s ON s.source_app = e.source_app AND s.session_id = e.session_id
		WHERE s.project_name = ? AND e.timestamp >= ? AND e.timestamp < ?`,
		string(events.TypePostToolUseFailure), projectName, since, until)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count project events: %w", err)
	}
	return row.Total, row.Failures, nil
}

// AdminStats is the operator-facing snapshot of the database.
type AdminStats struct {
	TableCounts   map[string]int64 `json:"table_counts"`
	DBSizeBytes   int64            `json:"db_size_bytes"`
	OldestEventAt int64            `json:"oldest_event_at"`
	NewestEventAt int64            `json:"newest_event_at"`
}

// Stats collects row counts per table plus database file size and the
// event time range.
func (s *Store) Stats() (*AdminStats, error) {
	stats := &AdminStats{TableCounts: map[string]int64{}}
	tables := []string{
		"events", "sessions", "projects", "devlogs",
		"topology_edges", "conflicts", "webhooks", "archive_runs",
	}
	for _, table := range tables {
		var count int64
		if err := s.ro.Get(&count, "SELECT COUNT(*) FROM "+table); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats.TableCounts[table] = count
	}
	if stats.TableCounts["events"] > 0 {
		row := struct {
			Oldest int64 `db:"oldest"`
			Newest int64 `db:"newest"`
		}{}
		err := s.ro.Get(&row,
			"SELECT MIN(timestamp) AS oldest, MAX(timestamp) AS newest FROM events")
		if err != nil {
			return nil, fmt.Errorf("failed to read event time range: %w", err)
		}
		stats.OldestEventAt = row.Oldest
		stats.NewestEventAt = row.Newest
	}
	size, err := s.FileSize()
	if err == nil {
		stats.DBSizeBytes = size
	}
	return stats, nil
}
