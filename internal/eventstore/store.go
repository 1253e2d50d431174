package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agentmux/coderd/pkg/types"
)

// ErrConflict is returned by Append when the caller's expected parent no
// longer matches the session's current head — another writer raced ahead.
var ErrConflict = errors.New("eventstore: head changed since read, retry with the new parent")

// ErrInvalidOperation marks a request that is well-formed but not valid
// against the current state, e.g. deleting an event that isn't a message.
var ErrInvalidOperation = errors.New("eventstore: invalid operation")

// ErrNotFound is returned when a session or event id doesn't resolve.
var ErrNotFound = errors.New("eventstore: not found")

// Store is the SQLite-backed Event Store. All public methods are safe for
// concurrent use; the single-writer discipline for a given session's head
// is enforced by CAS on the parent id, not by a lock held across calls.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates (if needed) and opens the event store database at path.
// Pass ":memory:" for ephemeral/test stores. logger is the handle this
// store logs through, set once here rather than read from a package-level
// global.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite's single-writer guidance; reads and writes share this handle
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}
	return &Store{db: db, log: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateWorkspace registers a workspace root directory and returns its id.
func (s *Store) CreateWorkspace(ctx context.Context, directory string) (string, error) {
	id := ulid.Make().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, directory, created) VALUES (?, ?, ?)`,
		id, directory, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("eventstore: create workspace: %w", err)
	}
	return id, nil
}

// CreateSession creates a new session with a synthetic root event and
// returns the session record. If parentID is non-empty the new session is
// recorded as a fork of that session (used by Fork, not by plain creation).
// workingDirectory and modelID are persisted on the session row so a
// resumed session recovers the working directory and model it started
// with, per the session.create contract.
func (s *Store) CreateSession(ctx context.Context, workspaceID, parentID, workingDirectory, modelID, title string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	sessionID := ulid.Make().String()
	rootEventID := ulid.Make().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin: %w", err)
	}
	defer tx.Rollback()

	var parentCol sql.NullString
	if parentID != "" {
		parentCol = sql.NullString{String: parentID, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_id, parent_id, head_event, title, working_directory, model_id, created, updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, workspaceID, parentCol, rootEventID, title, workingDirectory, modelID, now, now)
	if err != nil {
		return nil, fmt.Errorf("eventstore: insert session: %w", err)
	}

	data, _ := json.Marshal(map[string]any{"title": title, "parentID": parentID, "workingDirectory": workingDirectory, "modelID": modelID})
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, parent_id, seq, type, time, data) VALUES (?, ?, NULL, 0, ?, ?, ?)`,
		rootEventID, sessionID, types.EventSessionCreated, now, string(data))
	if err != nil {
		return nil, fmt.Errorf("eventstore: insert root event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventstore: commit: %w", err)
	}

	s.log.Info().Str("sessionID", sessionID).Str("workspaceID", workspaceID).Msg("session created")

	var parentPtr *string
	if parentID != "" {
		parentPtr = &parentID
	}
	return &types.Session{
		ID:        sessionID,
		ProjectID: workspaceID,
		Directory: workingDirectory,
		ModelID:   modelID,
		ParentID:  parentPtr,
		Title:     title,
		Time:      types.SessionTime{Created: now, Updated: now},
	}, nil
}

// Head returns the id of the event currently at the tip of a session.
func (s *Store) Head(ctx context.Context, sessionID string) (string, error) {
	var head sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT head_event FROM sessions WHERE id = ? AND deleted = 0`, sessionID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("eventstore: head: %w", err)
	}
	return head.String, nil
}

// Append adds a new event as a child of expectedParent, the caller's last
// known head. If the session's actual head has moved on (a concurrent
// writer appended first), Append returns ErrConflict without writing
// anything, and the caller must re-read the head and retry.
func (s *Store) Append(ctx context.Context, sessionID, expectedParent string, eventType types.EventType, data map[string]any) (*types.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin: %w", err)
	}
	defer tx.Rollback()

	var currentHead sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT head_event FROM sessions WHERE id = ? AND deleted = 0`, sessionID).Scan(&currentHead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: read head: %w", err)
	}
	if currentHead.String != expectedParent {
		return nil, ErrConflict
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("eventstore: next seq: %w", err)
	}

	now := time.Now().UnixMilli()
	eventID := ulid.Make().String()
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal event data: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, parent_id, seq, type, time, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventID, sessionID, expectedParent, seq, eventType, now, string(payload))
	if err != nil {
		return nil, fmt.Errorf("eventstore: insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET head_event = ?, updated = ? WHERE id = ?`,
		eventID, now, sessionID); err != nil {
		return nil, fmt.Errorf("eventstore: advance head: %w", err)
	}

	if body := searchableBody(eventType, data); body != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events_fts (event_id, session_id, body) VALUES (?, ?, ?)`,
			eventID, sessionID, body); err != nil {
			return nil, fmt.Errorf("eventstore: index event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventstore: commit: %w", err)
	}

	parent := expectedParent
	return &types.Event{
		ID:        eventID,
		SessionID: sessionID,
		ParentID:  &parent,
		Seq:       seq,
		Type:      eventType,
		Time:      now,
		Data:      data,
	}, nil
}

// AppendRetry wraps Append with a bounded CAS retry loop: it re-reads the
// head on ErrConflict and rebuilds the event via build, which receives the
// fresh head as its new expected parent. Use this when the caller doesn't
// itself hold exclusive write access to the session (e.g. background hooks).
func (s *Store) AppendRetry(ctx context.Context, sessionID string, maxAttempts int, build func(head string) (types.EventType, map[string]any)) (*types.Event, error) {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		head, err := s.Head(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		eventType, data := build(head)
		evt, err := s.Append(ctx, sessionID, head, eventType, data)
		if err == nil {
			return evt, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("eventstore: exhausted %d CAS attempts: %w", maxAttempts, lastErr)
}

// searchableBody extracts the text worth full-text indexing from an event's
// data payload, or "" if the event type carries nothing searchable.
func searchableBody(t types.EventType, data map[string]any) string {
	switch t {
	case types.EventMessageUser, types.EventMessageAssistant, types.EventMessageSystem:
		if text, ok := data["text"].(string); ok {
			return text
		}
	case types.EventToolCallStarted, types.EventToolCallCompleted:
		if name, ok := data["toolName"].(string); ok {
			return name
		}
	}
	return ""
}
