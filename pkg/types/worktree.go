package types

// WorktreeInfo describes a git worktree checked out for a session so that
// concurrent sessions against the same repository don't collide on the
// working tree or index.
type WorktreeInfo struct {
	SessionID  string  `json:"sessionID"`
	Path       string  `json:"path"`
	Branch     string  `json:"branch"`
	BaseBranch string  `json:"baseBranch"`
	BaseCommit string  `json:"baseCommit"`
	Created    int64   `json:"created"`
	MergedAt   *int64  `json:"mergedAt,omitempty"`
	MergedInto *string `json:"mergedInto,omitempty"`
	Dirty      bool    `json:"dirty"`
}

// Todo is a single tracked task item in a session's working plan.
type Todo struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionID"`
	Content    string     `json:"content"`
	ActiveForm string     `json:"activeForm,omitempty"`
	Status     TodoStatus `json:"status"`
	Source     TodoSource `json:"source,omitempty"`
	Order      int        `json:"order"`
}

// TodoStatus is the lifecycle state of a Todo.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// TodoSource names who proposed a Todo.
type TodoSource string

const (
	TodoSourceAgent TodoSource = "agent"
	TodoSourceUser  TodoSource = "user"
	TodoSourceSkill TodoSource = "skill"
)

// SubagentBacklogTask is a subagent spawn request a Coordinator deferred
// instead of running inline, because the spawning session was already at
// its concurrency cap.
type SubagentBacklogTask struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionID"`
	Description string         `json:"description"`
	AgentName   string         `json:"agentName"`
	Params      map[string]any `json:"params,omitempty"`
	QueuedAt    int64          `json:"queuedAt"`
}

// TodoBacklogReason is why a Todo was set aside instead of carried forward.
type TodoBacklogReason string

const (
	BacklogReasonSessionClear   TodoBacklogReason = "session_clear"
	BacklogReasonContextCompact TodoBacklogReason = "context_compact"
	BacklogReasonSessionEnd     TodoBacklogReason = "session_end"
)

// BackloggedTodo is a Todo set aside because the session it belonged to was
// cleared, compacted, or ended before the item finished — the data model's
// "Backlogged task" entity (todo + backloggedAt/reason/source session/
// workspace/restore info).
type BackloggedTodo struct {
	ID              string            `json:"id"`
	WorkspaceID     string            `json:"workspaceID"`
	SourceSessionID string            `json:"sourceSessionID"`
	Todo            Todo              `json:"todo"`
	BackloggedAt    int64             `json:"backloggedAt"`
	Reason          TodoBacklogReason `json:"reason"`
	RestoreInfo     map[string]any    `json:"restoreInfo,omitempty"`
	Restored        bool              `json:"restored"`
}
