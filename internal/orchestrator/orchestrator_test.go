package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/coderd/internal/eventstore"
	"github.com/agentmux/coderd/internal/hook"
	"github.com/agentmux/coderd/pkg/types"
)

func newTestOrchestrator(t *testing.T, hooks *hook.Engine) (*Orchestrator, *eventstore.Store, string) {
	t.Helper()
	store, err := eventstore.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	wsID, err := store.CreateWorkspace(context.Background(), "/tmp/project")
	require.NoError(t, err)

	return New(store, hooks, zerolog.Nop()), store, wsID
}

func TestCreateSessionFiresSessionStart(t *testing.T) {
	var seen hook.Event
	hooks := hook.New(zerolog.Nop())
	hooks.Register(hook.SessionStart, "recorder", 1, hook.ModeBlocking, func(ctx context.Context, evt hook.Event) (hook.Decision, error) {
		seen = evt
		return hook.Decision{}, nil
	})

	orch, _, wsID := newTestOrchestrator(t, hooks)
	session, err := orch.CreateSession(context.Background(), wsID, "", "", "my session")
	require.NoError(t, err)
	assert.Equal(t, session.ID, seen.SessionID)
	assert.Equal(t, hook.SessionStart, seen.Point)
}

func TestCreateSessionWorksWithNilHooks(t *testing.T) {
	orch, _, wsID := newTestOrchestrator(t, nil)
	session, err := orch.CreateSession(context.Background(), wsID, "", "", "s")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
}

func TestDeleteFiresSessionEndAndRemovesSession(t *testing.T) {
	var firedPoint hook.Point
	hooks := hook.New(zerolog.Nop())
	hooks.Register(hook.SessionEnd, "recorder", 1, hook.ModeBlocking, func(ctx context.Context, evt hook.Event) (hook.Decision, error) {
		firedPoint = evt.Point
		return hook.Decision{}, nil
	})

	orch, store, wsID := newTestOrchestrator(t, hooks)
	session, err := orch.CreateSession(context.Background(), wsID, "", "", "s")
	require.NoError(t, err)

	require.NoError(t, orch.Delete(context.Background(), session.ID))
	assert.Equal(t, hook.SessionEnd, firedPoint)

	_, err = store.Head(context.Background(), session.ID)
	assert.ErrorIs(t, err, eventstore.ErrNotFound)
}

func TestPromptBlockedByUserPromptSubmitHookDoesNotAppendMessage(t *testing.T) {
	hooks := hook.New(zerolog.Nop())
	hooks.Register(hook.UserPromptSubmit, "blocker", 1, hook.ModeBlocking, func(ctx context.Context, evt hook.Event) (hook.Decision, error) {
		return hook.Decision{Block: true, Reason: "rate limited"}, nil
	})

	orch, store, wsID := newTestOrchestrator(t, hooks)
	session, err := orch.CreateSession(context.Background(), wsID, "", "", "s")
	require.NoError(t, err)

	err = orch.Prompt(context.Background(), session.ID, "hello", "anthropic", "claude", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	history, err := store.GetHistory(context.Background(), session.ID)
	require.NoError(t, err)
	for _, evt := range history {
		assert.NotEqual(t, types.EventMessageUser, evt.Type)
	}

	assert.False(t, orch.IsActive(session.ID))
}

func TestPromptRejectsConcurrentTurnsOnSameSession(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	hooks := hook.New(zerolog.Nop())
	hooks.Register(hook.UserPromptSubmit, "slow", 1, hook.ModeBlocking, func(ctx context.Context, evt hook.Event) (hook.Decision, error) {
		close(entered)
		<-release
		return hook.Decision{Block: true, Reason: "stop before needing a real loop"}, nil
	})

	orch, _, wsID := newTestOrchestrator(t, hooks)
	session, err := orch.CreateSession(context.Background(), wsID, "", "", "s")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- orch.Prompt(context.Background(), session.ID, "first", "p", "m", nil)
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first prompt never reached the hook")
	}

	err = orch.Prompt(context.Background(), session.ID, "second", "p", "m", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already processing")

	close(release)
	require.Error(t, <-errCh) // first call still fails via its own block decision
}

func TestSubscribeAndNotify(t *testing.T) {
	orch, _, wsID := newTestOrchestrator(t, nil)
	session, err := orch.CreateSession(context.Background(), wsID, "", "", "s")
	require.NoError(t, err)

	ch, unsub := orch.Subscribe(session.ID)
	defer unsub()

	orch.Notify(session.ID, types.RPCNotification{Type: "tool.call", SessionID: session.ID})

	select {
	case notif := <-ch:
		assert.Equal(t, "tool.call", notif.Type)
	case <-time.After(time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestAbortOnIdleSessionIsANoop(t *testing.T) {
	orch, _, wsID := newTestOrchestrator(t, nil)
	session, err := orch.CreateSession(context.Background(), wsID, "", "", "s")
	require.NoError(t, err)
	assert.False(t, orch.Abort(session.ID))
}
