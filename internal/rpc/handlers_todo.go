package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmux/coderd/internal/todo"
	"github.com/agentmux/coderd/pkg/types"
)

func (d *Dispatcher) registerTodoMethods() {
	d.register("todo.list", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.todoList})
	d.register("todo.getSummary", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.todoGetSummary})
	d.register("todo.getBacklog", MethodSpec{Handler: d.todoGetBacklog})
	d.register("todo.restore", MethodSpec{RequiredParams: []string{"sessionId", "backlogId"}, Handler: d.todoRestore})
	d.register("todo.getBacklogCount", MethodSpec{Handler: d.todoGetBacklogCount})
}

// backlogScopeParams identifies which workspace's backlog to read. A caller
// that still has a live session passes sessionId; the workspace is the
// backlog's true scope, so a caller that already knows it (or whose session
// was deleted, e.g. right after the session_end backlog was populated)
// passes workspaceId directly instead.
type backlogScopeParams struct {
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
}

func (d *Dispatcher) resolveBacklogWorkspace(ctx context.Context, p backlogScopeParams) (string, error) {
	if p.WorkspaceID != "" {
		return p.WorkspaceID, nil
	}
	if p.SessionID == "" {
		return "", &types.RPCError{Code: types.ErrCodeInvalidParams, Message: "todo backlog lookup requires sessionId or workspaceId"}
	}
	session, err := d.Store.GetSession(ctx, p.SessionID)
	if err != nil {
		return "", err
	}
	return session.ProjectID, nil
}

func (d *Dispatcher) todoList(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	return todo.List(ctx, d.Store, p.SessionID)
}

func (d *Dispatcher) todoGetSummary(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	todos, err := todo.List(ctx, d.Store, p.SessionID)
	if err != nil {
		return nil, err
	}
	var pending, inProgress, completed, cancelled int
	for _, t := range todos {
		switch t.Status {
		case "pending":
			pending++
		case "in_progress":
			inProgress++
		case "completed":
			completed++
		case "cancelled":
			cancelled++
		}
	}
	return map[string]any{
		"total":      len(todos),
		"pending":    pending,
		"inProgress": inProgress,
		"completed":  completed,
		"cancelled":  cancelled,
	}, nil
}

// todoGetBacklog lists the workspace's backlogged todos — items set aside
// by internal/context.Manager (session_clear, context_compact) or
// internal/orchestrator.Delete (session_end), per the data model's
// "Backlogged task" entity. It reads via internal/eventstore.ListTodoBacklog,
// which is non-destructive, so repeated calls never mutate the backlog.
// Backlog entries outlive the session that produced them (session_end
// backlogs right before the session disappears), so the workspace is
// resolved from an explicit workspaceId when given rather than requiring
// a still-live sessionId.
func (d *Dispatcher) todoGetBacklog(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[backlogScopeParams](raw)
	if err != nil {
		return nil, err
	}
	workspaceID, err := d.resolveBacklogWorkspace(ctx, p)
	if err != nil {
		return nil, err
	}
	backlog, err := d.Store.ListTodoBacklog(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"backlog": backlog}, nil
}

func (d *Dispatcher) todoGetBacklogCount(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[backlogScopeParams](raw)
	if err != nil {
		return nil, err
	}
	workspaceID, err := d.resolveBacklogWorkspace(ctx, p)
	if err != nil {
		return nil, err
	}
	backlog, err := d.Store.ListTodoBacklog(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": len(backlog)}, nil
}

type todoRestoreParams struct {
	SessionID string `json:"sessionId"`
	BacklogID string `json:"backlogId"`
}

// todoRestore re-inserts a backlogged todo into the target session's
// current todo list and marks the backlog entry as restored so it no
// longer appears in todo.getBacklog.
func (d *Dispatcher) todoRestore(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[todoRestoreParams](raw)
	if err != nil {
		return nil, err
	}
	entry, err := d.Store.RestoreTodoBacklogEntry(ctx, p.BacklogID)
	if err != nil {
		return nil, fmt.Errorf("todo.restore: %w", err)
	}

	restored := entry.Todo
	restored.SessionID = p.SessionID
	existing, err := todo.List(ctx, d.Store, p.SessionID)
	if err != nil {
		return nil, err
	}
	existing = append(existing, restored)
	if _, err := todo.Update(ctx, d.Store, p.SessionID, existing); err != nil {
		return nil, fmt.Errorf("todo.restore: append restored todo: %w", err)
	}
	return map[string]any{"restored": restored}, nil
}
