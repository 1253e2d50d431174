// Package subagent implements the Subagent Coordinator: spawning a bounded
// set of child sessions that run an agent turn loop to completion and
// report back, forwarding their stream as agent.subagent_event
// notifications on the parent session. It generalizes the starting point's
// internal/executor/subagent.go (which created one child session per task
// tool call via a freshly built Processor) into a coordinator that tracks
// many concurrently running children, enforces a concurrency cap per
// parent, and backlogs anything over the cap through the event store
// instead of either blocking the caller or dropping the task.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmux/coderd/internal/agent"
	"github.com/agentmux/coderd/internal/agentloop"
	"github.com/agentmux/coderd/internal/eventstore"
	"github.com/agentmux/coderd/internal/tool"
	"github.com/agentmux/coderd/pkg/types"
)

// MaxConcurrentPerParent bounds how many subagents one session can have
// running at once before further spawns are backlogged.
const MaxConcurrentPerParent = 4

// Handle tracks one spawned subagent's run.
type Handle struct {
	ChildSessionID string
	AgentName      string
	done           chan struct{}
	result         string
	err            error
}

// Wait blocks until the subagent finishes and returns its final text (or
// the error it failed with).
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// LoopFactory builds a fresh turn loop for a child session. Injected so
// this package doesn't need to know how providers/tools/hooks are wired.
type LoopFactory func() *agentloop.Loop

// Coordinator spawns and tracks subagents for sessions.
type Coordinator struct {
	store             *eventstore.Store
	agents            *agent.Registry
	newLoop           LoopFactory
	forward           func(parentSessionID string, notif types.RPCNotification)
	defaultProviderID string
	defaultModelID    string
	log               zerolog.Logger

	mu      sync.Mutex
	running map[string]int // parentSessionID -> count of running children
}

// New creates a Subagent Coordinator. defaultProviderID/defaultModelID are
// used for every subagent unless a future revision lets agent configs pin
// their own model (the starting point's agent.Agent.Model field already
// carries a ModelRef for this; wiring it through is a natural follow-up).
// logger is the handle this coordinator logs through, set once here rather
// than read from a package-level global.
func New(store *eventstore.Store, agents *agent.Registry, newLoop LoopFactory, forward func(string, types.RPCNotification), defaultProviderID, defaultModelID string, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:             store,
		agents:            agents,
		newLoop:           newLoop,
		forward:           forward,
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		log:               logger,
		running:           make(map[string]int),
	}
}

// Spawn starts a subagent under parentSessionID. If the parent is already
// at MaxConcurrentPerParent, the task is queued in the event store's
// backlog and Spawn returns a nil Handle with no error — the caller (the
// task tool) is expected to report the task as backlogged rather than
// running, matching the spec's treatment of deferred tasks.
func (c *Coordinator) Spawn(ctx context.Context, parentSessionID, workspaceID, agentName, prompt string) (*Handle, error) {
	agentCfg, err := c.agents.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("subagent: unknown agent %q: %w", agentName, err)
	}
	if !agentCfg.IsSubagent() {
		return nil, fmt.Errorf("subagent: agent %q cannot run as a subagent (mode %s)", agentName, agentCfg.Mode)
	}

	c.mu.Lock()
	if c.running[parentSessionID] >= MaxConcurrentPerParent {
		c.mu.Unlock()
		if _, err := c.store.QueueSubagentBacklogTask(ctx, parentSessionID, prompt, agentName, nil); err != nil {
			return nil, fmt.Errorf("subagent: backlog: %w", err)
		}
		return nil, nil
	}
	c.running[parentSessionID]++
	c.mu.Unlock()

	parent, err := c.store.GetSession(ctx, parentSessionID)
	if err != nil {
		c.release(parentSessionID)
		return nil, fmt.Errorf("subagent: resolve parent session: %w", err)
	}
	child, err := c.store.CreateSession(ctx, workspaceID, parentSessionID, parent.Directory, c.defaultModelID, "subagent: "+agentName)
	if err != nil {
		c.release(parentSessionID)
		return nil, fmt.Errorf("subagent: create child session: %w", err)
	}

	if _, err := c.store.AppendRetry(ctx, parentSessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventSubagentSpawned, map[string]any{"childSessionID": child.ID, "agentName": agentName}
	}); err != nil {
		c.log.Warn().Err(err).Msg("subagent: failed to record spawn event")
	}

	if _, err := c.store.AppendRetry(ctx, child.ID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventMessageUser, map[string]any{"text": prompt}
	}); err != nil {
		c.release(parentSessionID)
		return nil, fmt.Errorf("subagent: seed child prompt: %w", err)
	}

	h := &Handle{ChildSessionID: child.ID, AgentName: agentName, done: make(chan struct{})}

	go c.run(parentSessionID, child.ID, agentName, h)

	return h, nil
}

func (c *Coordinator) release(parentSessionID string) {
	c.mu.Lock()
	c.running[parentSessionID]--
	c.mu.Unlock()
}

func (c *Coordinator) run(parentSessionID, childSessionID, agentName string, h *Handle) {
	defer close(h.done)
	defer c.release(parentSessionID)

	loop := c.newLoop()
	var lastText string

	emit := func(evt agentloop.StreamEvent) {
		if evt.Kind == "text_delta" {
			lastText += evt.Text
		}
		c.forward(parentSessionID, types.RPCNotification{
			Type:      "agent.subagent_event",
			SessionID: parentSessionID,
			Timestamp: time.Now().UnixMilli(),
			Data: map[string]any{
				"childSessionID": childSessionID,
				"agentName":      agentName,
				"kind":           evt.Kind,
				"text":           evt.Text,
			},
		})
	}

	ctx := context.Background()
	err := loop.Run(ctx, childSessionID, c.defaultProviderID, c.defaultModelID, emit)
	h.result = lastText
	h.err = err

	eventType := types.EventSubagentCompleted
	data := map[string]any{"childSessionID": childSessionID, "agentName": agentName}
	if err != nil {
		data["error"] = err.Error()
	}
	if _, appendErr := c.store.AppendRetry(ctx, parentSessionID, 5, func(head string) (types.EventType, map[string]any) {
		return eventType, data
	}); appendErr != nil {
		c.log.Warn().Err(appendErr).Msg("subagent: failed to record completion event")
	}
}

// TaskExecutorAdapter satisfies internal/tool.TaskExecutor over a
// Coordinator, so the Task tool (the spec's subagent-spawning tool call)
// can drive Spawn/Wait without the tool package importing this one
// directly — it only needs the narrow TaskExecutor interface.
type TaskExecutorAdapter struct {
	Coordinator *Coordinator
}

// ExecuteSubtask implements internal/tool.TaskExecutor.
func (a *TaskExecutorAdapter) ExecuteSubtask(ctx context.Context, sessionID, agentName, prompt string, opts tool.TaskOptions) (*tool.TaskResult, error) {
	session, err := a.Coordinator.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("subagent: resolve parent session: %w", err)
	}

	handle, err := a.Coordinator.Spawn(ctx, sessionID, session.ProjectID, agentName, prompt)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return &tool.TaskResult{Output: "", Metadata: map[string]any{"backlogged": true}}, nil
	}

	output, err := handle.Wait(ctx)
	if err != nil {
		return &tool.TaskResult{SessionID: handle.ChildSessionID, Error: err.Error()}, nil
	}
	return &tool.TaskResult{Output: output, SessionID: handle.ChildSessionID}, nil
}

// DrainBacklog pops and spawns queued tasks for a parent session up to
// however much headroom it now has. Nothing in this repository calls it,
// so a backlogged task stays queued until a caller does.
func (c *Coordinator) DrainBacklog(ctx context.Context, parentSessionID, workspaceID string) error {
	for {
		c.mu.Lock()
		hasRoom := c.running[parentSessionID] < MaxConcurrentPerParent
		c.mu.Unlock()
		if !hasRoom {
			return nil
		}
		task, err := c.store.PopSubagentBacklogTask(ctx, parentSessionID)
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		if _, err := c.Spawn(ctx, parentSessionID, workspaceID, task.AgentName, task.Description); err != nil {
			c.log.Warn().Err(err).Msg("subagent: failed to spawn backlogged task")
		}
	}
}
