package agentloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/coderd/internal/eventstore"
	"github.com/agentmux/coderd/internal/hook"
	"github.com/agentmux/coderd/internal/storage"
	"github.com/agentmux/coderd/internal/tool"
	"github.com/agentmux/coderd/pkg/types"
)

func newDispatchFixture(t *testing.T) (*Loop, *eventstore.Store, string) {
	t.Helper()
	store, err := eventstore.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wsID, err := store.CreateWorkspace(context.Background(), "/tmp/project")
	require.NoError(t, err)
	session, err := store.CreateSession(context.Background(), wsID, "", "", "", "turn")
	require.NoError(t, err)

	toolReg := tool.NewRegistry(t.TempDir(), storage.New(t.TempDir()), zerolog.Nop())
	toolReg.Register(tool.NewBaseTool("echo", "echoes its input", json.RawMessage(`{}`),
		func(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
			return &tool.Result{Output: "echoed"}, nil
		}))

	loop := New(Deps{Store: store, Hooks: hook.New(zerolog.Nop()), Tools: toolReg, Logger: zerolog.Nop()})
	return loop, store, session.ID
}

func TestDispatchToolsRunsToolAndAppendsLifecycleEvents(t *testing.T) {
	loop, store, sessionID := newDispatchFixture(t)

	var events []StreamEvent
	err := loop.dispatchTools(context.Background(), sessionID, []toolCallRequest{{ID: "call-1", Name: "echo", Input: map[string]any{}}}, func(e StreamEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "tool_result", events[0].Kind)

	history, err := store.GetHistory(context.Background(), sessionID)
	require.NoError(t, err)

	var sawStarted, sawCompleted bool
	for _, evt := range history {
		switch evt.Type {
		case types.EventToolCallStarted:
			sawStarted = true
		case types.EventToolCallCompleted:
			sawCompleted = true
			assert.Equal(t, "echoed", evt.Data["output"])
		}
	}
	assert.True(t, sawStarted)
	assert.True(t, sawCompleted)
}

func TestDispatchToolsBlockedByPreToolUseHookSkipsExecution(t *testing.T) {
	loop, store, sessionID := newDispatchFixture(t)
	loop.deps.Hooks.Register(hook.PreToolUse, "deny-all", 0, hook.ModeBlocking, func(ctx context.Context, evt hook.Event) (hook.Decision, error) {
		return hook.Decision{Block: true, Reason: "not allowed"}, nil
	})

	err := loop.dispatchTools(context.Background(), sessionID, []toolCallRequest{{ID: "call-1", Name: "echo"}}, func(StreamEvent) {})
	require.NoError(t, err)

	history, err := store.GetHistory(context.Background(), sessionID)
	require.NoError(t, err)

	var sawDenied, sawStarted, sawCompleted bool
	for _, evt := range history {
		switch evt.Type {
		case types.EventToolCallDenied:
			sawDenied = true
			assert.Equal(t, "not allowed", evt.Data["reason"])
		case types.EventToolCallStarted:
			sawStarted = true
		case types.EventToolCallCompleted:
			sawCompleted = true
		}
	}
	assert.True(t, sawDenied)
	assert.False(t, sawStarted)
	assert.False(t, sawCompleted)
}

func TestDispatchToolsRecordsExecutionError(t *testing.T) {
	loop, store, sessionID := newDispatchFixture(t)

	err := loop.dispatchTools(context.Background(), sessionID, []toolCallRequest{{ID: "call-1", Name: "does-not-exist"}}, func(StreamEvent) {})
	require.NoError(t, err)

	history, err := store.GetHistory(context.Background(), sessionID)
	require.NoError(t, err)

	var errMsg string
	for _, evt := range history {
		if evt.Type == types.EventToolCallCompleted {
			errMsg, _ = evt.Data["error"].(string)
		}
	}
	assert.NotEmpty(t, errMsg)
}

func TestTokenRecordToMapIncludesAllFields(t *testing.T) {
	rec := types.TokenRecord{
		ProviderID: "anthropic", ModelID: "claude", Input: 10, Output: 20,
		Reasoning: 1, CacheRead: 2, CacheWrite: 3, TotalContext: 36, Cost: 0.5,
	}
	m := tokenRecordToMap(rec)
	assert.Equal(t, "anthropic", m["providerID"])
	assert.Equal(t, "claude", m["modelID"])
	assert.Equal(t, 10, m["input"])
	assert.Equal(t, 0.5, m["cost"])
	assert.Equal(t, 36, m["totalContext"])
}
