package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentmux/coderd/pkg/types"
)

// QueueSubagentBacklogTask records a task a subagent coordinator deferred
// instead of running inline, typically because the session hit its
// concurrency cap. Distinct from the todo backlog below: this queue holds
// spawn requests, not todo items.
func (s *Store) QueueSubagentBacklogTask(ctx context.Context, sessionID, description, agentName string, params map[string]any) (*types.SubagentBacklogTask, error) {
	id := ulid.Make().String()
	now := time.Now().UnixMilli()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal backlog params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subagent_backlog (id, session_id, description, agent_name, params, queued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, description, agentName, string(paramsJSON), now)
	if err != nil {
		return nil, fmt.Errorf("eventstore: queue subagent backlog task: %w", err)
	}
	return &types.SubagentBacklogTask{
		ID: id, SessionID: sessionID, Description: description,
		AgentName: agentName, Params: params, QueuedAt: now,
	}, nil
}

// ListSubagentBacklog returns every queued subagent spawn for a session,
// oldest first, without removing them.
func (s *Store) ListSubagentBacklog(ctx context.Context, sessionID string) ([]*types.SubagentBacklogTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, description, agent_name, params, queued_at FROM subagent_backlog WHERE session_id = ? ORDER BY queued_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list subagent backlog: %w", err)
	}
	defer rows.Close()

	var out []*types.SubagentBacklogTask
	for rows.Next() {
		var (
			id, description, agentName, paramsJSON string
			queuedAt                                int64
		)
		if err := rows.Scan(&id, &description, &agentName, &paramsJSON, &queuedAt); err != nil {
			return nil, err
		}
		var params map[string]any
		_ = json.Unmarshal([]byte(paramsJSON), &params)
		out = append(out, &types.SubagentBacklogTask{
			ID: id, SessionID: sessionID, Description: description,
			AgentName: agentName, Params: params, QueuedAt: queuedAt,
		})
	}
	return out, rows.Err()
}

// PopSubagentBacklogTask removes and returns the oldest queued subagent
// spawn for a session, or nil if the backlog is empty.
func (s *Store) PopSubagentBacklogTask(ctx context.Context, sessionID string) (*types.SubagentBacklogTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		id, description, agentName, paramsJSON string
		queuedAt                                int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, description, agent_name, params, queued_at FROM subagent_backlog WHERE session_id = ? ORDER BY queued_at ASC LIMIT 1`,
		sessionID).Scan(&id, &description, &agentName, &paramsJSON, &queuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: pop subagent backlog task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM subagent_backlog WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("eventstore: delete subagent backlog task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventstore: commit: %w", err)
	}

	var params map[string]any
	_ = json.Unmarshal([]byte(paramsJSON), &params)
	return &types.SubagentBacklogTask{
		ID: id, SessionID: sessionID, Description: description,
		AgentName: agentName, Params: params, QueuedAt: queuedAt,
	}, nil
}

// BacklogTodo records a Todo set aside because sourceSessionID was cleared,
// compacted, or ended before the item finished. This is the data model's
// "Backlogged task" entity, not the subagent spawn queue above.
func (s *Store) BacklogTodo(ctx context.Context, workspaceID, sourceSessionID string, todo types.Todo, reason types.TodoBacklogReason) (*types.BackloggedTodo, error) {
	id := ulid.Make().String()
	now := time.Now().UnixMilli()
	restoreInfo := map[string]any{"originalSessionID": sourceSessionID, "originalID": todo.ID}
	restoreJSON, err := json.Marshal(restoreInfo)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal restore info: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO todo_backlog (id, workspace_id, source_session_id, content, active_form, status, source, backlogged_at, reason, restore_info_json, restored)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		id, workspaceID, sourceSessionID, todo.Content, todo.ActiveForm, string(todo.Status), string(todo.Source), now, string(reason), string(restoreJSON))
	if err != nil {
		return nil, fmt.Errorf("eventstore: backlog todo: %w", err)
	}
	return &types.BackloggedTodo{
		ID: id, WorkspaceID: workspaceID, SourceSessionID: sourceSessionID,
		Todo: todo, BackloggedAt: now, Reason: reason, RestoreInfo: restoreInfo,
	}, nil
}

// ListTodoBacklog returns every not-yet-restored backlogged todo for a
// workspace, oldest first, without removing or mutating them — the
// read-only listing todo.getBacklog exposes over RPC.
func (s *Store) ListTodoBacklog(ctx context.Context, workspaceID string) ([]*types.BackloggedTodo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_session_id, content, active_form, status, source, backlogged_at, reason, restore_info_json
		 FROM todo_backlog WHERE workspace_id = ? AND restored = 0 ORDER BY backlogged_at ASC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list todo backlog: %w", err)
	}
	defer rows.Close()

	var out []*types.BackloggedTodo
	for rows.Next() {
		entry, err := scanBackloggedTodo(rows, workspaceID)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanBackloggedTodo(rows *sql.Rows, workspaceID string) (*types.BackloggedTodo, error) {
	var (
		id, sourceSessionID, content, activeForm, status, source, reason string
		backloggedAt                                                    int64
		restoreJSON                                                     sql.NullString
	)
	if err := rows.Scan(&id, &sourceSessionID, &content, &activeForm, &status, &source, &backloggedAt, &reason, &restoreJSON); err != nil {
		return nil, err
	}
	var restoreInfo map[string]any
	if restoreJSON.Valid {
		_ = json.Unmarshal([]byte(restoreJSON.String), &restoreInfo)
	}
	return &types.BackloggedTodo{
		ID:              id,
		WorkspaceID:     workspaceID,
		SourceSessionID: sourceSessionID,
		Todo: types.Todo{
			ID: id, SessionID: sourceSessionID, Content: content,
			ActiveForm: activeForm, Status: types.TodoStatus(status), Source: types.TodoSource(source),
		},
		BackloggedAt: backloggedAt,
		Reason:       types.TodoBacklogReason(reason),
		RestoreInfo:  restoreInfo,
	}, nil
}

// RestoreTodoBacklogEntry marks a backlogged todo as restored and returns
// it so the caller can re-insert it into a live session's todo list via
// internal/todo.Update. Restoring twice fails with ErrInvalidOperation.
func (s *Store) RestoreTodoBacklogEntry(ctx context.Context, entryID string) (*types.BackloggedTodo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		workspaceID, sourceSessionID, content, activeForm, status, source, reason string
		backloggedAt                                                              int64
		restored                                                                  int
		restoreJSON                                                               sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT workspace_id, source_session_id, content, active_form, status, source, backlogged_at, reason, restore_info_json, restored
		 FROM todo_backlog WHERE id = ?`, entryID).
		Scan(&workspaceID, &sourceSessionID, &content, &activeForm, &status, &source, &backloggedAt, &reason, &restoreJSON, &restored)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: load backlog entry: %w", err)
	}
	if restored != 0 {
		return nil, fmt.Errorf("eventstore: backlog entry %s already restored: %w", entryID, ErrInvalidOperation)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE todo_backlog SET restored = 1 WHERE id = ?`, entryID); err != nil {
		return nil, fmt.Errorf("eventstore: mark backlog entry restored: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventstore: commit: %w", err)
	}

	var restoreInfo map[string]any
	if restoreJSON.Valid {
		_ = json.Unmarshal([]byte(restoreJSON.String), &restoreInfo)
	}
	return &types.BackloggedTodo{
		ID: entryID, WorkspaceID: workspaceID, SourceSessionID: sourceSessionID,
		Todo: types.Todo{
			ID: entryID, SessionID: sourceSessionID, Content: content,
			ActiveForm: activeForm, Status: types.TodoStatus(status), Source: types.TodoSource(source),
		},
		BackloggedAt: backloggedAt, Reason: types.TodoBacklogReason(reason),
		RestoreInfo: restoreInfo, Restored: true,
	}, nil
}
