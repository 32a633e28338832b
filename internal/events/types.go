// Package events defines the hook event model shared by the ingest path,
// the store, and the derivation code.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx/types"
)

// Type identifies the kind of hook event an agent emitted. The set is
// closed; ingest rejects anything else.
type Type string

const (
	TypeSessionStart       Type = "SessionStart"
	TypeUserPromptSubmit   Type = "UserPromptSubmit"
	TypePreToolUse         Type = "PreToolUse"
	TypePostToolUse        Type = "PostToolUse"
	TypePostToolUseFailure Type = "PostToolUseFailure"
	TypeNotification       Type = "Notification"
	TypeStop               Type = "Stop"
	TypeSessionEnd         Type = "SessionEnd"
	TypeSubagentStart      Type = "SubagentStart"
	TypeSubagentStop       Type = "SubagentStop"
	TypeCompaction         Type = "Compaction"
)

var validTypes = map[Type]bool{
	TypeSessionStart:       true,
	TypeUserPromptSubmit:   true,
	TypePreToolUse:         true,
	TypePostToolUse:        true,
	TypePostToolUseFailure: true,
	TypeNotification:       true,
	TypeStop:               true,
	TypeSessionEnd:         true,
	TypeSubagentStart:      true,
	TypeSubagentStop:       true,
	TypeCompaction:         true,
}

// Valid reports whether t belongs to the closed tag set.
func (t Type) Valid() bool {
	return validTypes[t]
}

// Types returns the closed tag set in a stable order.
func Types() []Type {
	return []Type{
		TypeSessionStart,
		TypeUserPromptSubmit,
		TypePreToolUse,
		TypePostToolUse,
		TypePostToolUseFailure,
		TypeNotification,
		TypeStop,
		TypeSessionEnd,
		TypeSubagentStart,
		TypeSubagentStop,
		TypeCompaction,
	}
}

// Closes reports whether observing t moves a session to stopped.
func (t Type) Closes() bool {
	return t == TypeStop || t == TypeSessionEnd
}

// Activity reports whether t counts as tool/prompt activity for the
// session state machine.
func (t Type) Activity() bool {
	switch t {
	case TypeUserPromptSubmit, TypePreToolUse, TypePostToolUse, TypePostToolUseFailure,
		TypeSessionStart, TypeSubagentStart, TypeSubagentStop, TypeCompaction:
		return true
	}
	return false
}

// HookEvent is one structured record emitted by an agent. Payload is kept
// verbatim; known fields are decoded on demand via Fields.
type HookEvent struct {
	ID        int64          `json:"id" db:"id"`
	SourceApp string         `json:"source_app" db:"source_app"`
	SessionID string         `json:"session_id" db:"session_id"`
	Type      Type           `json:"hook_event_type" db:"hook_event_type"`
	Payload   types.JSONText `json:"payload" db:"payload"`
	Summary   string         `json:"summary,omitempty" db:"summary"`
	ModelName string         `json:"model_name,omitempty" db:"model_name"`
	Timestamp int64          `json:"timestamp" db:"timestamp"` // unix milliseconds

	// Chat is an optional transcript blob some hook scripts attach. It is
	// opaque to the server and folded into the payload on ingest.
	Chat json.RawMessage `json:"chat,omitempty" db:"-"`
}

// AgentID returns the topology node key for the emitting agent.
func (e *HookEvent) AgentID() string {
	return e.SourceApp + ":" + e.SessionID
}

// Validate checks the required ingest fields. The payload must be a JSON
// object (or absent, which the caller normalizes to {}).
func (e *HookEvent) Validate() error {
	if e.SourceApp == "" {
		return fmt.Errorf("source_app is required")
	}
	if e.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("hook_event_type %q is not a known event type", e.Type)
	}
	if len(e.Payload) == 0 {
		return nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return nil
}

// DevServer describes a development server a session reported running.
type DevServer struct {
	Port int    `json:"port"`
	Type string `json:"type"`
}

// PayloadFields holds the known payload fields the server derives state
// from. Everything else in the payload is opaque and preserved verbatim.
type PayloadFields struct {
	ToolName         string          `json:"tool_name,omitempty"`
	FilePath         string          `json:"file_path,omitempty"`
	Command          string          `json:"command,omitempty"`
	ProjectName      string          `json:"project_name,omitempty"`
	CurrentBranch    string          `json:"current_branch,omitempty"`
	CWD              string          `json:"cwd,omitempty"`
	ParentSessionID  string          `json:"parent_session_id,omitempty"`
	ParentSourceApp  string          `json:"parent_source_app,omitempty"`
	AgentID          string          `json:"agent_id,omitempty"`
	TaskContext      json.RawMessage `json:"task_context,omitempty"`
	DevServers       []DevServer     `json:"dev_servers,omitempty"`
	DeploymentStatus json.RawMessage `json:"deployment_status,omitempty"`
	GithubStatus     json.RawMessage `json:"github_status,omitempty"`
	TestStatus       string          `json:"test_status,omitempty"`
	TestSummary      string          `json:"test_summary,omitempty"`
	Output           string          `json:"output,omitempty"`

	// Tool input as nested by some hook scripts; FilePath/Command above
	// take precedence when both are present.
	ToolInput *toolInput `json:"tool_input,omitempty"`
}

type toolInput struct {
	FilePath string `json:"file_path,omitempty"`
	Command  string `json:"command,omitempty"`
}

// Fields decodes the known payload fields. Unknown payload content is
// ignored; a nil or empty payload yields zero fields.
func (e *HookEvent) Fields() PayloadFields {
	var f PayloadFields
	if len(e.Payload) == 0 {
		return f
	}
	_ = json.Unmarshal(e.Payload, &f)
	if f.ToolInput != nil {
		if f.FilePath == "" {
			f.FilePath = f.ToolInput.FilePath
		}
		if f.Command == "" {
			f.Command = f.ToolInput.Command
		}
	}
	return f
}

// SetPayloadFlag re-encodes the payload with an extra metadata key. Used
// for server-side annotations such as the clock-skew flag.
func (e *HookEvent) SetPayloadFlag(key string, value interface{}) {
	var m map[string]interface{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			m = nil
		}
	}
	if m == nil {
		m = make(map[string]interface{})
	}
	m[key] = value
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	e.Payload = raw
}
