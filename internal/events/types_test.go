package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	e := HookEvent{SourceApp: "app1", SessionID: "s1", Type: TypeSessionStart}
	require.NoError(t, e.Validate())

	e.Payload = []byte(`{"ok":true}`)
	require.NoError(t, e.Validate())

	e.Payload = []byte(`[1,2,3]`)
	assert.Error(t, e.Validate())

	assert.Error(t, (&HookEvent{SessionID: "s1", Type: TypeStop}).Validate())
	assert.Error(t, (&HookEvent{SourceApp: "a", SessionID: "s1", Type: Type("Bogus")}).Validate())
}

func TestFieldsToolInputFallback(t *testing.T) {
	e := HookEvent{Payload: []byte(`{
		"tool_name": "Write",
		"tool_input": {"file_path": "src/a.ts", "command": "make"}
	}`)}
	f := e.Fields()
	assert.Equal(t, "Write", f.ToolName)
	assert.Equal(t, "src/a.ts", f.FilePath)
	assert.Equal(t, "make", f.Command)

	// Top-level fields win over nested tool_input.
	e.Payload = []byte(`{
		"file_path": "top.ts",
		"tool_input": {"file_path": "nested.ts"}
	}`)
	assert.Equal(t, "top.ts", e.Fields().FilePath)
}

func TestTypeClassification(t *testing.T) {
	assert.True(t, TypeStop.Closes())
	assert.True(t, TypeSessionEnd.Closes())
	assert.False(t, TypeNotification.Closes())

	assert.True(t, TypePostToolUse.Activity())
	assert.False(t, TypeNotification.Activity())
	assert.False(t, TypeStop.Activity())
}

func TestAgentID(t *testing.T) {
	e := HookEvent{SourceApp: "app1", SessionID: "s1"}
	assert.Equal(t, "app1:s1", e.AgentID())
}
