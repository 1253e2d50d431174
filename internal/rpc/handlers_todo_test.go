package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/coderd/internal/todo"
	"github.com/agentmux/coderd/pkg/types"
)

func TestTodoGetBacklogCountReflectsSessionEndBacklog(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	wsID, err := d.Store.CreateWorkspace(ctx, "/tmp/project")
	require.NoError(t, err)
	session, err := d.Orchestrator.CreateSession(ctx, wsID, "", "", "s")
	require.NoError(t, err)
	_, err = todo.Update(ctx, d.Store, session.ID, []types.Todo{
		{ID: "1", Content: "finish the thing", Status: types.TodoInProgress},
	})
	require.NoError(t, err)

	require.NoError(t, d.Orchestrator.Delete(ctx, session.ID))

	// The session is gone, so the count must be driven off the workspace id
	// the caller already knows, not the (now-deleted) session id.
	resp := d.Dispatch(ctx, types.RPCRequest{ID: "1", Method: "todo.getBacklogCount", Params: rawParams(t, map[string]any{"workspaceId": wsID})})
	require.True(t, resp.Success, "%+v", resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok, "%#v", resp.Result)
	assert.EqualValues(t, 1, result["count"])
}

func TestTodoRestoreReinsertsBackloggedTodo(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	wsID, err := d.Store.CreateWorkspace(ctx, "/tmp/project")
	require.NoError(t, err)
	session, err := d.Orchestrator.CreateSession(ctx, wsID, "", "", "s")
	require.NoError(t, err)
	workspaceSession, err := d.Store.GetSession(ctx, session.ID)
	require.NoError(t, err)

	entry, err := d.Store.BacklogTodo(ctx, workspaceSession.ProjectID, session.ID, types.Todo{ID: "1", Content: "come back to this", Status: types.TodoPending}, types.BacklogReasonSessionClear)
	require.NoError(t, err)

	resp := d.Dispatch(ctx, types.RPCRequest{ID: "2", Method: "todo.restore", Params: rawParams(t, map[string]any{"sessionId": session.ID, "backlogId": entry.ID})})
	require.True(t, resp.Success, "%+v", resp.Error)

	todos, err := todo.List(ctx, d.Store, session.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, "come back to this", todos[0].Content)

	backlog, err := d.Store.ListTodoBacklog(ctx, workspaceSession.ProjectID)
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func rawParams(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
