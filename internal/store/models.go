package store

import (
	"encoding/json"

	"github.com/jmoiron/sqlx/types"
)

// Session statuses.
const (
	StatusActive  = "active"
	StatusWaiting = "waiting"
	StatusIdle    = "idle"
	StatusStopped = "stopped"
)

// Conflict severities.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Session is the derived per-(source_app, session_id) row. It is mutated
// by every event of its key.
type Session struct {
	SourceApp         string         `db:"source_app" json:"source_app"`
	SessionID         string         `db:"session_id" json:"session_id"`
	ProjectName       string         `db:"project_name" json:"project_name"`
	Status            string         `db:"status" json:"status"`
	CurrentBranch     string         `db:"current_branch" json:"current_branch,omitempty"`
	StartedAt         int64          `db:"started_at" json:"started_at"`
	LastEventAt       int64          `db:"last_event_at" json:"last_event_at"`
	EventCount        int64          `db:"event_count" json:"event_count"`
	ModelName         string         `db:"model_name" json:"model_name,omitempty"`
	CWD               string         `db:"cwd" json:"cwd,omitempty"`
	TaskContext       types.JSONText `db:"task_context" json:"task_context,omitempty"`
	CompactionCount   int64          `db:"compaction_count" json:"compaction_count"`
	LastCompactionAt  int64          `db:"last_compaction_at" json:"last_compaction_at,omitempty"`
	CompactionHistory types.JSONText `db:"compaction_history" json:"compaction_history"`
	ParentID          string         `db:"parent_id" json:"parent_id,omitempty"`
	ToolUseCount      int64          `db:"tool_use_count" json:"tool_use_count"`
	ToolFailureCount  int64          `db:"tool_failure_count" json:"tool_failure_count"`
	ToolBreakdown     types.JSONText `db:"tool_breakdown" json:"tool_breakdown"`

	// ContextHealth is derived on read from the compaction history; it
	// is never stored.
	ContextHealth string `db:"-" json:"context_health,omitempty"`
}

// AgentID returns the topology node key of the session.
func (s *Session) AgentID() string {
	return s.SourceApp + ":" + s.SessionID
}

// Compactions decodes the compaction history timestamps (unix ms).
func (s *Session) Compactions() []int64 {
	var ts []int64
	if len(s.CompactionHistory) > 0 {
		_ = json.Unmarshal(s.CompactionHistory, &ts)
	}
	return ts
}

// SetCompactions encodes the compaction history timestamps.
func (s *Session) SetCompactions(ts []int64) {
	raw, err := json.Marshal(ts)
	if err != nil {
		return
	}
	s.CompactionHistory = types.JSONText(raw)
}

// ToolCounts decodes the per-tool use counters.
func (s *Session) ToolCounts() map[string]int64 {
	counts := map[string]int64{}
	if len(s.ToolBreakdown) > 0 {
		_ = json.Unmarshal(s.ToolBreakdown, &counts)
	}
	return counts
}

// SetToolCounts encodes the per-tool use counters.
func (s *Session) SetToolCounts(counts map[string]int64) {
	raw, err := json.Marshal(counts)
	if err != nil {
		return
	}
	s.ToolBreakdown = types.JSONText(raw)
}

// Project is the derived per-project row.
type Project struct {
	Name             string         `db:"name" json:"name"`
	CurrentBranch    string         `db:"current_branch" json:"current_branch,omitempty"`
	ActiveSessions   int64          `db:"active_sessions" json:"active_sessions"`
	LastActivity     int64          `db:"last_activity" json:"last_activity"`
	TestStatus       string         `db:"test_status" json:"test_status"`
	TestSummary      string         `db:"test_summary" json:"test_summary,omitempty"`
	DevServers       types.JSONText `db:"dev_servers" json:"dev_servers"`
	DeploymentStatus types.JSONText `db:"deployment_status" json:"deployment_status,omitempty"`
	GithubStatus     types.JSONText `db:"github_status" json:"github_status,omitempty"`

	// Health is derived on read; see derive.HealthScore.
	Health json.RawMessage `db:"-" json:"health,omitempty"`
}

// DevLog is the post-mortem summary row written when a session stops.
type DevLog struct {
	ID              int64          `db:"id" json:"id"`
	SessionID       string         `db:"session_id" json:"session_id"`
	SourceApp       string         `db:"source_app" json:"source_app"`
	ProjectName     string         `db:"project_name" json:"project_name"`
	Branch          string         `db:"branch" json:"branch,omitempty"`
	StartedAt       int64          `db:"started_at" json:"started_at"`
	EndedAt         int64          `db:"ended_at" json:"ended_at"`
	DurationMinutes float64        `db:"duration_minutes" json:"duration_minutes"`
	EventCount      int64          `db:"event_count" json:"event_count"`
	Summary         string         `db:"summary" json:"summary,omitempty"`
	FilesChanged    types.JSONText `db:"files_changed" json:"files_changed"`
	Commits         types.JSONText `db:"commits" json:"commits"`
	ToolBreakdown   types.JSONText `db:"tool_breakdown" json:"tool_breakdown"`
}

// TopologyEdge records a parent→child subagent relationship. Edges are
// history; SubagentStop does not remove them.
type TopologyEdge struct {
	ParentID    string `db:"parent_id" json:"parent_id"`
	ChildID     string `db:"child_id" json:"child_id"`
	ProjectName string `db:"project_name" json:"project_name,omitempty"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
}

// ConflictAccess is one agent's recent access to a contested file.
type ConflictAccess struct {
	ProjectName string `json:"project_name"`
	AgentID     string `json:"agent_id"`
	AccessType  string `json:"access_type"` // read | write
	LastAccess  int64  `json:"last_access"`
}

// FileConflict is a persisted conflict row.
type FileConflict struct {
	ID              string         `db:"id" json:"id"`
	FilePath        string         `db:"file_path" json:"file_path"`
	Severity        string         `db:"severity" json:"severity"`
	DetectedAt      int64          `db:"detected_at" json:"detected_at"`
	UpdatedAt       int64          `db:"updated_at" json:"updated_at"`
	Participants    types.JSONText `db:"participants" json:"projects"`
	Dismissed       bool           `db:"dismissed" json:"dismissed"`
	PackageManifest bool           `db:"package_manifest" json:"package_manifest"`
}

// Accesses decodes the participant list.
func (c *FileConflict) Accesses() []ConflictAccess {
	var list []ConflictAccess
	if len(c.Participants) > 0 {
		_ = json.Unmarshal(c.Participants, &list)
	}
	return list
}

// SetAccesses encodes the participant list.
func (c *FileConflict) SetAccesses(list []ConflictAccess) {
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	c.Participants = types.JSONText(raw)
}

// Webhook is a registered outbound notification target.
type Webhook struct {
	ID              string         `db:"id" json:"id"`
	Name            string         `db:"name" json:"name"`
	URL             string         `db:"url" json:"url"`
	Secret          string         `db:"secret" json:"-"`
	EventTypes      types.JSONText `db:"event_types" json:"event_types"`
	ProjectFilter   string         `db:"project_filter" json:"project_filter,omitempty"`
	Active          bool           `db:"active" json:"active"`
	TriggerCount    int64          `db:"trigger_count" json:"trigger_count"`
	FailureCount    int64          `db:"failure_count" json:"failure_count"`
	LastStatus      int64          `db:"last_status" json:"last_status,omitempty"`
	LastError       string         `db:"last_error" json:"last_error,omitempty"`
	LastTriggeredAt int64          `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	CreatedAt       int64          `db:"created_at" json:"created_at"`
	UpdatedAt       int64          `db:"updated_at" json:"updated_at"`
}

// Types decodes the event type filter; empty means all types.
func (w *Webhook) Types() []string {
	var list []string
	if len(w.EventTypes) > 0 {
		_ = json.Unmarshal(w.EventTypes, &list)
	}
	return list
}

// SetTypes encodes the event type filter.
func (w *Webhook) SetTypes(list []string) {
	if list == nil {
		list = []string{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	w.EventTypes = types.JSONText(raw)
}

// Setting is a key/value configuration row.
type Setting struct {
	Key   string `db:"key" json:"key"`
	Value string `db:"value" json:"value"`
}

// ArchiveRun records one table's archive output during a cleanup run.
type ArchiveRun struct {
	ID       int64  `db:"id" json:"id"`
	RunAt    int64  `db:"run_at" json:"run_at"`
	Table    string `db:"table_name" json:"table_name"`
	RowCount int64  `db:"row_count" json:"row_count"`
	FilePath string `db:"file_path" json:"file_path"`
}
