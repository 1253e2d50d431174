package types

// Event is a single entry in a session's append-only event log. Events form
// a parent-linked DAG rooted at the session's first event; the session head
// is whichever event currently has no children on the active branch.
type Event struct {
	ID        string         `json:"id"`        // ULID, monotonically sortable
	SessionID string         `json:"sessionID"`
	ParentID  *string        `json:"parentID,omitempty"` // nil only for the root event
	Seq       int64          `json:"seq"`                // monotonic per-session sequence number
	Type      EventType      `json:"type"`
	Time      int64          `json:"time"` // unix millis
	Data      map[string]any `json:"data"`
}

// EventType is a closed enum of event kinds a session's log may contain.
// Keeping this closed (rather than a free-form string) lets the event store
// and context manager switch on type without a default case.
type EventType string

const (
	EventSessionCreated    EventType = "session.created"
	EventSessionForked     EventType = "session.forked"
	EventSessionDeleted    EventType = "session.deleted"

	// Message events are split by role rather than carrying a generic
	// "added" kind with a role field, so a reader can filter the closed
	// enum directly (e.g. compaction only ever looks at the two
	// model-turn roles, never session.deleted) instead of re-inspecting
	// payload data to know what an event means.
	EventMessageUser      EventType = "message.user"
	EventMessageAssistant EventType = "message.assistant"
	EventMessageSystem    EventType = "message.system"
	// EventMessageDeleted is a soft-delete tombstone pointing at a prior
	// message.{user,assistant} or tool.result event; the target is omitted
	// from history reconstruction but never physically removed.
	EventMessageDeleted EventType = "message.deleted"

	EventToolCallStarted   EventType = "tool.call_started"
	EventToolCallCompleted EventType = "tool.call_completed"
	EventToolCallDenied    EventType = "tool.call_denied"
	EventHookFired         EventType = "hook.fired"
	EventTokenRecorded     EventType = "token.recorded"
	EventCompactBoundary   EventType = "compact.boundary"
	EventCompactSummary    EventType = "compact.summary"
	EventContextCleared    EventType = "context.cleared"
	EventModelSwitched     EventType = "model.switched"
	EventSubagentSpawned   EventType = "subagent.spawned"
	EventSubagentCompleted EventType = "subagent.completed"
	EventTodoUpdated       EventType = "todo.updated"
	EventWorktreeOpened    EventType = "worktree.opened"
	EventWorktreeMerged    EventType = "worktree.merged"
	EventAbort             EventType = "session.aborted"

	// Stream events durably record a turn's progress, matching the
	// notifications broadcast live to subscribers (session.stream.*) so a
	// client that reconnects mid-turn can replay the same shape from
	// history instead of only seeing the final message.added.
	EventStreamTurnStart     EventType = "stream.turn_start"
	EventStreamTurnEnd       EventType = "stream.turn_end"
	EventStreamTextDelta     EventType = "stream.text_delta"
	EventStreamThinkingDelta EventType = "stream.thinking_delta"

	// EventTurnFailed records a turn ending abnormally — cancellation,
	// exhausted retries, or a step-limit failure — with whatever partial
	// assistant output had accumulated before the failure.
	EventTurnFailed EventType = "turn.failed"
)

// EventFilter narrows a history query. A zero value matches everything.
type EventFilter struct {
	SinceSeq int64
	Types    []EventType
	Limit    int
}
