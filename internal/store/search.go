package store

import (
	"fmt"
	"strings"

	"github.com/devpulse/devpulse/internal/events"
)

// Search scopes.
const (
	ScopeEvents   = "events"
	ScopeSessions = "sessions"
	ScopeDevLogs  = "devlogs"
	ScopeAll      = "all"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// SearchResults groups per-scope matches.
type SearchResults struct {
	Events   []events.HookEvent `json:"events"`
	Sessions []Session          `json:"sessions"`
	DevLogs  []DevLog           `json:"devlogs"`
}

// Search performs a LIKE scan over the indexed text columns of each
// requested scope. Results are capped per scope and ordered by recency;
// there is no ranking. An empty query returns empty result sets.
func (s *Store) Search(query, scope string, limit int) (*SearchResults, error) {
	results := &SearchResults{
		Events:   []events.HookEvent{},
		Sessions: []Session{},
		DevLogs:  []DevLog{},
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return results, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	pattern := "%" + escapeLike(query) + "%"

	if scope == ScopeAll || scope == ScopeEvents || scope == "" {
		err := s.ro.Select(&results.Events, `
			SELECT * FROM events
			WHERE source_app LIKE ? ESCAPE '\'
			   OR session_id LIKE ? ESCAPE '\'
			   OR hook_event_type LIKE ? ESCAPE '\'
			   OR summary LIKE ? ESCAPE '\'
			   OR payload LIKE ? ESCAPE '\'
			ORDER BY timestamp DESC, id DESC LIMIT ?`,
			pattern, pattern, pattern, pattern, pattern, limit)
		if err != nil {
			return nil, fmt.Errorf("event search failed: %w", err)
		}
	}

	if scope == ScopeAll || scope == ScopeSessions {
		err := s.ro.Select(&results.Sessions, `
			SELECT * FROM sessions
			WHERE session_id LIKE ? ESCAPE '\'
			   OR source_app LIKE ? ESCAPE '\'
			   OR project_name LIKE ? ESCAPE '\'
			   OR current_branch LIKE ? ESCAPE '\'
			   OR cwd LIKE ? ESCAPE '\'
			ORDER BY last_event_at DESC LIMIT ?`,
			pattern, pattern, pattern, pattern, pattern, limit)
		if err != nil {
			return nil, fmt.Errorf("session search failed: %w", err)
		}
	}

	if scope == ScopeAll || scope == ScopeDevLogs {
		err := s.ro.Select(&results.DevLogs, `
			SELECT * FROM devlogs
			WHERE project_name LIKE ? ESCAPE '\'
			   OR session_id LIKE ? ESCAPE '\'
			   OR branch LIKE ? ESCAPE '\'
			   OR summary LIKE ? ESCAPE '\'
			   OR files_changed LIKE ? ESCAPE '\'
			   OR commits LIKE ? ESCAPE '\'
			ORDER BY ended_at DESC LIMIT ?`,
			pattern, pattern, pattern, pattern, pattern, pattern, limit)
		if err != nil {
			return nil, fmt.Errorf("devlog search failed: %w", err)
		}
	}

	return results, nil
}

func escapeLike(q string) string {
	q = strings.ReplaceAll(q, `\`, `\\`)
	q = strings.ReplaceAll(q, "%", `\%`)
	q = strings.ReplaceAll(q, "_", `\_`)
	return q
}
