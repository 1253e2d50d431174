// Package todo tracks each session's working plan: the ordered task list a
// session maintains as it works through a prompt. It generalizes the
// starting point's internal/session/todo.go, which stored a []TodoInfo blob
// under a "todo"/sessionID key in a generic KV store and published a
// TodoUpdated event on a process-wide bus; here the list is itself an
// event-sourced projection, rebuilt by folding types.EventTodoUpdated
// events from the session's own history, so a Todo update replays the same
// append/CAS path as every other session mutation instead of a separate
// storage mechanism.
package todo

import (
	"context"
	"fmt"

	"github.com/agentmux/coderd/internal/eventstore"
	"github.com/agentmux/coderd/pkg/types"
)

// List rebuilds a session's current todo list by folding its history.
func List(ctx context.Context, store *eventstore.Store, sessionID string) ([]types.Todo, error) {
	events, err := store.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("todo: list: %w", err)
	}
	var last *types.Event
	for _, evt := range events {
		if evt.Type == types.EventTodoUpdated {
			last = evt
		}
	}
	if last == nil {
		return []types.Todo{}, nil
	}
	return decodeTodos(last.Data)
}

// Update replaces a session's todo list and appends the change to its
// history, retrying against the current head on a CAS conflict.
func Update(ctx context.Context, store *eventstore.Store, sessionID string, todos []types.Todo) (*types.Event, error) {
	for i := range todos {
		if todos[i].SessionID == "" {
			todos[i].SessionID = sessionID
		}
	}
	return store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventTodoUpdated, map[string]any{"todos": encodeTodos(todos)}
	})
}

func encodeTodos(todos []types.Todo) []map[string]any {
	out := make([]map[string]any, 0, len(todos))
	for _, t := range todos {
		out = append(out, map[string]any{
			"id":         t.ID,
			"sessionID":  t.SessionID,
			"content":    t.Content,
			"activeForm": t.ActiveForm,
			"status":     string(t.Status),
			"source":     string(t.Source),
			"order":      t.Order,
		})
	}
	return out
}

func decodeTodos(data map[string]any) ([]types.Todo, error) {
	raw, ok := data["todos"].([]any)
	if !ok {
		return []types.Todo{}, nil
	}
	todos := make([]types.Todo, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		todos = append(todos, types.Todo{
			ID:         stringField(m, "id"),
			SessionID:  stringField(m, "sessionID"),
			Content:    stringField(m, "content"),
			ActiveForm: stringField(m, "activeForm"),
			Status:     types.TodoStatus(stringField(m, "status")),
			Source:     types.TodoSource(stringField(m, "source")),
			Order:      intField(m, "order"),
		})
	}
	return todos, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
