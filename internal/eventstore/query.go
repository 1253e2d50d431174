package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentmux/coderd/pkg/types"
)

func scanEvent(rows interface {
	Scan(dest ...any) error
}) (*types.Event, error) {
	var (
		id, sessionID, typ, dataStr string
		parentID                    sql.NullString
		seq, tm                     int64
	)
	if err := rows.Scan(&id, &sessionID, &parentID, &seq, &typ, &tm, &dataStr); err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		data = map[string]any{}
	}
	evt := &types.Event{
		ID:        id,
		SessionID: sessionID,
		Seq:       seq,
		Type:      types.EventType(typ),
		Time:      tm,
		Data:      data,
	}
	if parentID.Valid {
		p := parentID.String
		evt.ParentID = &p
	}
	return evt, nil
}

const eventCols = `id, session_id, parent_id, seq, type, time, data`

// GetHistory returns every event of a session from the root to the head, in
// seq order. This is the full linear history of the active branch.
func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]*types.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM events WHERE session_id = ? ORDER BY seq ASC`, sessionID)
}

// GetSince returns events on a session with seq strictly greater than
// afterSeq, in seq order. Used by resumed clients to catch up.
func (s *Store) GetSince(ctx context.Context, sessionID string, afterSeq int64) ([]*types.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, afterSeq)
}

// GetAncestors walks parent links from eventID back to the root, returning
// them root-first.
func (s *Store) GetAncestors(ctx context.Context, eventID string) ([]*types.Event, error) {
	var chain []*types.Event
	cur := eventID
	for cur != "" {
		evt, err := s.GetEvent(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append([]*types.Event{evt}, chain...)
		if evt.ParentID == nil {
			break
		}
		cur = *evt.ParentID
	}
	return chain, nil
}

// GetChildren returns every event whose parent is eventID. On the active
// branch there is at most one; more than one means a fork point.
func (s *Store) GetChildren(ctx context.Context, eventID string) ([]*types.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventCols+` FROM events WHERE parent_id = ? ORDER BY seq ASC`, eventID)
}

// GetSubtree returns eventID and every descendant reachable from it,
// breadth-first.
func (s *Store) GetSubtree(ctx context.Context, eventID string) ([]*types.Event, error) {
	root, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := []*types.Event{root}
	frontier := []string{eventID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			children, err := s.GetChildren(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				out = append(out, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return out, nil
}

// GetBranches returns the ids of every leaf event (an event with no
// children) reachable from a session's root — i.e. every fork tip.
func (s *Store) GetBranches(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id FROM events e
		LEFT JOIN events c ON c.parent_id = e.id
		WHERE e.session_id = ? AND c.id IS NULL
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: branches: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetEvent fetches a single event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*types.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, eventID)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: get event: %w", err)
	}
	return evt, nil
}

// DeleteMessage appends a message.deleted tombstone event rather than
// mutating history in place, preserving the append-only invariant while
// still letting readers treat the referenced message as gone. The target
// must be a message.{user,assistant} or tool.result event.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, messageID string) (*types.Event, error) {
	target, err := s.GetEvent(ctx, messageID)
	if err != nil {
		return nil, err
	}
	switch target.Type {
	case types.EventMessageUser, types.EventMessageAssistant, types.EventToolCallCompleted:
	default:
		return nil, fmt.Errorf("eventstore: delete target %s is type %s: %w", messageID, target.Type, ErrInvalidOperation)
	}
	return s.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventMessageDeleted, map[string]any{"messageID": messageID}
	})
}

// Search runs a full-text query against the session's indexed event bodies.
func (s *Store) Search(ctx context.Context, sessionID, query string, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.`+eventCols2()+`
		FROM events_fts f
		JOIN events e ON e.id = f.event_id
		WHERE f.session_id = ? AND events_fts MATCH ?
		ORDER BY rank LIMIT ?
	`, sessionID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: search: %w", err)
	}
	defer rows.Close()
	var out []*types.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func eventCols2() string {
	return "id, session_id, parent_id, seq, type, time, data"
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer rows.Close()
	var out []*types.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// GetSession returns a session's summary row (not its event history).
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var (
		workspaceID, title, workingDirectory, modelID string
		parentID, headEvent                           sql.NullString
		created, updated                              int64
		deleted                                        int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, parent_id, head_event, title, working_directory, model_id, created, updated, deleted FROM sessions WHERE id = ?`,
		sessionID).Scan(&workspaceID, &parentID, &headEvent, &title, &workingDirectory, &modelID, &created, &updated, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: get session: %w", err)
	}
	if deleted != 0 {
		return nil, ErrNotFound
	}
	sess := &types.Session{
		ID:        sessionID,
		ProjectID: workspaceID,
		Directory: workingDirectory,
		ModelID:   modelID,
		Title:     title,
		Time:      types.SessionTime{Created: created, Updated: updated},
	}
	if parentID.Valid {
		p := parentID.String
		sess.ParentID = &p
	}
	return sess, nil
}

// ListSessions returns every non-deleted session in a workspace, newest
// updated first.
func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, title, working_directory, model_id, created, updated FROM sessions WHERE workspace_id = ? AND deleted = 0 ORDER BY updated DESC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list sessions: %w", err)
	}
	defer rows.Close()
	var out []*types.Session
	for rows.Next() {
		var (
			id, title, workingDirectory, modelID string
			parentID                             sql.NullString
			created, updated                     int64
		)
		if err := rows.Scan(&id, &parentID, &title, &workingDirectory, &modelID, &created, &updated); err != nil {
			return nil, err
		}
		sess := &types.Session{ID: id, ProjectID: workspaceID, Directory: workingDirectory, ModelID: modelID, Title: title, Time: types.SessionTime{Created: created, Updated: updated}}
		if parentID.Valid {
			p := parentID.String
			sess.ParentID = &p
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession soft-deletes a session; its events remain for audit/forked
// children but it drops out of ListSessions.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET deleted = 1 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("eventstore: delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
