// Package orchestrator implements the Session Orchestrator: the Active
// Session Table tracking in-flight turns, single-writer serialization per
// session, and streaming fan-out to subscribers. It generalizes the
// starting point's session/service.go — which tracked active sessions in a
// map keyed by session id with an abort channel each — onto the event store
// and turn loop built for this spec, and adds the bounded, drop-oldest
// broadcast buffers the starting point's direct-callback model didn't need
// (it invoked one callback per active processing session; this version
// supports many concurrent subscribers per session, e.g. multiple attached
// clients).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmux/coderd/internal/agentloop"
	"github.com/agentmux/coderd/internal/eventstore"
	"github.com/agentmux/coderd/internal/hook"
	"github.com/agentmux/coderd/internal/todo"
	"github.com/agentmux/coderd/pkg/types"
)

// subscriberBufferSize bounds each subscriber's notification channel; once
// full, the oldest queued notification is dropped rather than blocking the
// turn loop on a slow reader.
const subscriberBufferSize = 256

// active is one in-flight turn's bookkeeping.
type active struct {
	sessionID string
	cancel    context.CancelFunc
	startedAt time.Time
}

// Orchestrator owns every session's lifecycle operation and fan-out.
type Orchestrator struct {
	store *eventstore.Store
	hooks *hook.Engine
	log   zerolog.Logger

	mu     sync.Mutex
	active map[string]*active
	subs   map[string]map[int]chan types.RPCNotification
	nextID int
}

// NewLoop builds the Agent Turn Loop for a session; injected so the
// orchestrator doesn't hardcode provider/tool/hook wiring.
type NewLoop func() *agentloop.Loop

// New creates a Session Orchestrator over an event store. hooks may be nil,
// in which case the lifecycle points below are simply not fired. logger is
// the handle this orchestrator logs through; it is set once at construction
// rather than read from a package-level global.
func New(store *eventstore.Store, hooks *hook.Engine, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		hooks:  hooks,
		log:    logger,
		active: make(map[string]*active),
		subs:   make(map[string]map[int]chan types.RPCNotification),
	}
}

func (o *Orchestrator) fireHook(ctx context.Context, point hook.Point, sessionID string) {
	if o.hooks == nil {
		return
	}
	if _, err := o.hooks.Fire(ctx, hook.Event{Point: point, SessionID: sessionID}); err != nil {
		o.log.Warn().Str("point", string(point)).Str("sessionID", sessionID).Err(err).Msg("orchestrator: hook failed")
	}
}

// CreateSession creates a new session in a workspace. workingDirectory and
// modelID are recorded on the session so a resumed session recovers the
// directory and model it started with.
func (o *Orchestrator) CreateSession(ctx context.Context, workspaceID, workingDirectory, modelID, title string) (*types.Session, error) {
	session, err := o.store.CreateSession(ctx, workspaceID, "", workingDirectory, modelID, title)
	if err != nil {
		return nil, err
	}
	o.fireHook(ctx, hook.SessionStart, session.ID)
	return session, nil
}

// Fork creates a new session recorded as a fork of an existing session (its
// ParentID is sessionID). The fork starts with its own root event and an
// empty history: no events or messages are copied from the parent, and the
// fork's history does not include the parent's. The original session is not
// changed. The fork inherits its parent's working directory and model.
func (o *Orchestrator) Fork(ctx context.Context, sessionID, title string) (*types.Session, error) {
	parent, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: fork: %w", err)
	}
	child, err := o.store.CreateSession(ctx, parent.ProjectID, sessionID, parent.Directory, parent.ModelID, title)
	if err != nil {
		return nil, err
	}
	o.fireHook(ctx, hook.SessionStart, child.ID)
	return child, nil
}

// List returns every session in a workspace.
func (o *Orchestrator) List(ctx context.Context, workspaceID string) ([]*types.Session, error) {
	return o.store.ListSessions(ctx, workspaceID)
}

// Delete removes a session. An in-flight turn is aborted first. Any todo
// still pending or in progress is backlogged (reason session_end) so it
// isn't silently lost with the session.
func (o *Orchestrator) Delete(ctx context.Context, sessionID string) error {
	o.Abort(sessionID)
	if err := o.backlogUnfinishedTodos(ctx, sessionID, types.BacklogReasonSessionEnd); err != nil {
		o.log.Warn().Err(err).Str("sessionID", sessionID).Msg("orchestrator: failed to backlog todos on session end")
	}
	o.fireHook(ctx, hook.SessionEnd, sessionID)
	return o.store.DeleteSession(ctx, sessionID)
}

// backlogUnfinishedTodos sets aside every not-completed/not-cancelled todo
// on a session before its context is about to become unreachable (cleared,
// compacted, or the session itself ending).
func (o *Orchestrator) backlogUnfinishedTodos(ctx context.Context, sessionID string, reason types.TodoBacklogReason) error {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve session for backlog: %w", err)
	}
	todos, err := todo.List(ctx, o.store, sessionID)
	if err != nil {
		return fmt.Errorf("orchestrator: list todos for backlog: %w", err)
	}
	for _, t := range todos {
		if t.Status == types.TodoCompleted || t.Status == types.TodoCancelled {
			continue
		}
		if _, err := o.store.BacklogTodo(ctx, session.ProjectID, sessionID, t, reason); err != nil {
			return fmt.Errorf("orchestrator: backlog todo %s: %w", t.ID, err)
		}
	}
	return nil
}

// Subscribe registers a channel to receive notifications for a session.
// The returned unsubscribe func must be called when the caller disconnects.
func (o *Orchestrator) Subscribe(sessionID string) (<-chan types.RPCNotification, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan types.RPCNotification, subscriberBufferSize)
	id := o.nextID
	o.nextID++
	if o.subs[sessionID] == nil {
		o.subs[sessionID] = make(map[int]chan types.RPCNotification)
	}
	o.subs[sessionID][id] = ch

	unsub := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if m, ok := o.subs[sessionID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(o.subs, sessionID)
			}
		}
		close(ch)
	}
	return ch, unsub
}

// Notify pushes a notification to every subscriber of sessionID. It is the
// exported counterpart to broadcast used by collaborators outside this
// package — notably internal/subagent, which forwards a child session's
// stream onto its parent's bus without folding the events into the
// parent's own history (see spec section 4.9).
func (o *Orchestrator) Notify(sessionID string, notif types.RPCNotification) {
	o.broadcast(sessionID, notif)
}

func (o *Orchestrator) broadcast(sessionID string, notif types.RPCNotification) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs[sessionID] {
		select {
		case ch <- notif:
		default:
			// Drop the oldest queued notification to make room rather than
			// block the turn loop on a slow subscriber.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- notif:
			default:
			}
		}
	}
}

// IsActive reports whether a session currently has a turn in flight.
func (o *Orchestrator) IsActive(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// Abort cancels a session's in-flight turn, if any. Safe to call when idle.
func (o *Orchestrator) Abort(sessionID string) bool {
	o.mu.Lock()
	a, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	a.cancel()
	o.store.AppendRetry(context.Background(), sessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventAbort, map[string]any{}
	})
	return true
}

// Prompt runs one turn for sessionID using the given turn loop, enforcing
// the single-writer discipline: a session already processing a turn
// rejects a concurrent Prompt call rather than interleaving two writers
// against the same event stream.
func (o *Orchestrator) Prompt(ctx context.Context, sessionID, text, providerID, modelID string, loop *agentloop.Loop) error {
	o.mu.Lock()
	if _, busy := o.active[sessionID]; busy {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: session %s already processing a turn", sessionID)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	o.active[sessionID] = &active{sessionID: sessionID, cancel: cancel, startedAt: time.Now()}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.active, sessionID)
		o.mu.Unlock()
	}()

	if o.hooks != nil {
		decision, err := o.hooks.Fire(turnCtx, hook.Event{
			Point: hook.UserPromptSubmit, SessionID: sessionID,
			Payload: map[string]any{"text": text},
		})
		if err != nil {
			return fmt.Errorf("orchestrator: user_prompt_submit hook: %w", err)
		}
		if decision.Block {
			return fmt.Errorf("orchestrator: prompt blocked: %s", decision.Reason)
		}
	}

	if _, err := o.store.AppendRetry(turnCtx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventMessageUser, map[string]any{"text": text}
	}); err != nil {
		return fmt.Errorf("orchestrator: append user message: %w", err)
	}

	emit := func(evt agentloop.StreamEvent) {
		o.broadcast(sessionID, types.RPCNotification{
			Type: "session.stream." + evt.Kind, SessionID: sessionID,
			Timestamp: time.Now().UnixMilli(),
			Data:      map[string]any{"text": evt.Text, "toolID": evt.ToolID, "tool": evt.Tool},
		})
	}

	err := loop.Run(turnCtx, sessionID, providerID, modelID, emit)
	if err != nil {
		o.log.Warn().Str("sessionID", sessionID).Err(err).Msg("orchestrator: turn ended with error")
	}
	return err
}
