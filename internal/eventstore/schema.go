// Package eventstore is the append-only, parent-linked event log backing
// every session. Events never update in place; a session's current state is
// always derived by walking from its head back to the root. The store uses
// modernc.org/sqlite (pure Go, no cgo) so the server stays a single static
// binary, matching the rest of this tree's dependency choices.
package eventstore

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	directory  TEXT NOT NULL,
	created    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	workspace_id      TEXT NOT NULL,
	parent_id         TEXT,
	head_event        TEXT,
	title             TEXT NOT NULL DEFAULT '',
	working_directory TEXT NOT NULL DEFAULT '',
	model_id          TEXT NOT NULL DEFAULT '',
	created           INTEGER NOT NULL,
	updated           INTEGER NOT NULL,
	deleted           INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (workspace_id) REFERENCES workspaces(id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_id);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	parent_id  TEXT,
	seq        INTEGER NOT NULL,
	type       TEXT NOT NULL,
	time       INTEGER NOT NULL,
	data       TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id);

CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
	event_id UNINDEXED,
	session_id UNINDEXED,
	body,
	content=''
);

CREATE TABLE IF NOT EXISTS blobs (
	hash       TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	mime_type  TEXT NOT NULL,
	size       INTEGER NOT NULL,
	data       BLOB NOT NULL,
	created    INTEGER NOT NULL
);

-- subagent_backlog holds subagent spawn requests deferred because a parent
-- session was already at its concurrency cap; internal/subagent drains it
-- as running children free up a slot. Distinct from todo_backlog below,
-- which holds the spec's actual "backlogged task" entity.
CREATE TABLE IF NOT EXISTS subagent_backlog (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	description TEXT NOT NULL,
	agent_name  TEXT NOT NULL,
	params      TEXT,
	queued_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subagent_backlog_session ON subagent_backlog(session_id);

-- todo_backlog holds todo items set aside because the session they belonged
-- to was cleared, compacted, or ended before the todo finished — the
-- "Backlogged task" entity from the data model, restorable into a later
-- session via todo.restore.
CREATE TABLE IF NOT EXISTS todo_backlog (
	id                TEXT PRIMARY KEY,
	workspace_id      TEXT NOT NULL,
	source_session_id TEXT NOT NULL,
	content           TEXT NOT NULL,
	active_form       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	source            TEXT NOT NULL DEFAULT 'agent',
	backlogged_at     INTEGER NOT NULL,
	reason            TEXT NOT NULL,
	restore_info_json TEXT,
	restored          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_todo_backlog_workspace ON todo_backlog(workspace_id);
`
