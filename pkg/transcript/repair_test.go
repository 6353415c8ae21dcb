package transcript

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileToolCalls(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "list files"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "ls"}, {ID: "b", Name: "cat"}}},
		{Role: RoleTool, ToolCallID: "a", Content: "file.txt"},
		{Role: RoleUser, Content: "continue"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c", Name: "bash"}}},
	}

	out, closed := ReconcileToolCalls(msgs)

	assert.Equal(t, 2, closed)
	require.Len(t, out, 7)
	assert.Equal(t, "a", out[2].ToolCallID)
	assert.Equal(t, "b", out[3].ToolCallID)
	assert.Equal(t, InterruptedToolResult, out[3].Content)
	assert.Equal(t, RoleUser, out[4].Role)
	assert.Equal(t, "c", out[6].ToolCallID)
}

func TestReconcileToolCallsNoop(t *testing.T) {
	msgs := []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}
	out, closed := ReconcileToolCalls(msgs)
	assert.Zero(t, closed)
	if diff := cmp.Diff(msgs, out); diff != "" {
		t.Errorf("ReconcileToolCalls() changed a clean transcript (-want +got):\n%s", diff)
	}
}

func TestRepairRewritesFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendProject(ctx, "p", "sess-r",
		Message{Role: RoleUser, Content: "go"},
		Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "x", Name: "run"}}},
	))

	repaired, err := s.Repair(ctx, "p", "sess-r")
	require.NoError(t, err)
	require.Len(t, repaired, 3)

	loaded, err := s.Load(ctx, "p", "sess-r")
	require.NoError(t, err)
	assert.Len(t, loaded, 3)
	assert.Equal(t, "x", loaded[2].ToolCallID)
}
