// Package agentloop runs a single turn of a session: compose the prompt,
// stream the model's response, dispatch any tool calls it requested, feed
// the results back, and repeat until the model stops or a step limit is
// hit. It is the state-machine generalization of the starting point's
// session/loop.go, session/processor.go and session/stream.go, restructured
// to read/write through internal/eventstore instead of the flat file
// storage the starting point used, and to route tool execution through
// internal/hook instead of calling the permission checker inline.
package agentloop

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	ctxmgr "github.com/agentmux/coderd/internal/context"
	"github.com/agentmux/coderd/internal/eventstore"
	"github.com/agentmux/coderd/internal/hook"
	"github.com/agentmux/coderd/internal/provider"
	"github.com/agentmux/coderd/internal/tokennorm"
	"github.com/agentmux/coderd/internal/tool"
	"github.com/agentmux/coderd/pkg/types"
)

// State is where a session's turn currently sits in the loop.
type State string

const (
	StateIdle          State = "idle"
	StatePrepare       State = "prepare"
	StateStream        State = "stream"
	StateDispatchTools State = "dispatch_tools"
	StateCollectResults State = "collect_results"
	StateComplete      State = "complete"
	StateInterrupted   State = "interrupted"
	StateFailed        State = "failed"
)

const (
	MaxSteps                  = 50
	RetryInitialInterval      = time.Second
	RetryMaxInterval          = 30 * time.Second
	RetryMaxElapsedTime       = 2 * time.Minute
	MaxRetries                = 3
)

func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// StreamEvent is emitted by Run as the turn makes progress, so a caller
// (the Session Orchestrator) can fan it out to subscribers as it happens
// instead of waiting for the whole turn to finish.
type StreamEvent struct {
	Kind    string // "text_delta" | "thinking_delta" | "tool_call_start" | "tool_call_delta" | "tool_result" | "step_done" | "done" | "error"
	Text    string
	ToolID  string
	Tool    string
	Err     error
}

// Deps are the collaborators a turn needs, assembled by whoever constructs
// the loop and passed into New. Logger is the handle this loop logs
// through, set once by whoever builds Deps rather than read from the
// internal/logging package global.
type Deps struct {
	Store      *eventstore.Store
	Context    *ctxmgr.Manager
	Hooks      *hook.Engine
	Tools      *tool.Registry
	Providers  *provider.Registry
	Logger     zerolog.Logger
}

// Loop drives one session's turns. It holds no state between calls to Run
// beyond what's in the event store; State() reflects only the in-flight
// call, if any.
type Loop struct {
	deps  Deps
	state State
}

// New creates a turn loop for a session using the given collaborators.
func New(deps Deps) *Loop {
	return &Loop{deps: deps, state: StateIdle}
}

// State returns where this loop currently is.
func (l *Loop) State() State { return l.state }

// Run drives the session through as many steps as the model requests
// (bounded by MaxSteps), emitting StreamEvents as it goes. It returns once
// the model stops requesting tool calls, the context is cancelled, or an
// unrecoverable error occurs.
func (l *Loop) Run(ctx context.Context, sessionID, providerID, modelID string, emit func(StreamEvent)) error {
	l.state = StatePrepare

	prov, err := l.deps.Providers.Get(providerID)
	if err != nil {
		l.state = StateFailed
		return fmt.Errorf("agentloop: provider: %w", err)
	}
	model, err := l.deps.Providers.GetModel(providerID, modelID)
	if err != nil {
		l.state = StateFailed
		return fmt.Errorf("agentloop: model: %w", err)
	}

	for step := 0; step < MaxSteps; step++ {
		select {
		case <-ctx.Done():
			l.state = StateInterrupted
			l.failTurn(sessionID, "", true, ctx.Err(), false)
			return ctx.Err()
		default:
		}

		history, err := l.deps.Store.GetHistory(ctx, sessionID)
		if err != nil {
			l.state = StateFailed
			l.failTurn(sessionID, "", false, err, false)
			return fmt.Errorf("agentloop: load history: %w", err)
		}

		messages, err := l.deps.Context.Compose(ctx, sessionID, "", history)
		if err != nil {
			l.state = StateFailed
			l.failTurn(sessionID, "", false, err, false)
			return fmt.Errorf("agentloop: compose: %w", err)
		}

		toolInfos, err := l.deps.Tools.ToolInfos()
		if err != nil {
			l.state = StateFailed
			l.failTurn(sessionID, "", false, err, false)
			return fmt.Errorf("agentloop: tool infos: %w", err)
		}

		l.state = StateStream
		if _, err := l.deps.Store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
			return types.EventStreamTurnStart, map[string]any{"providerID": providerID, "modelID": modelID}
		}); err != nil {
			l.deps.Logger.Warn().Err(err).Msg("agentloop: failed to record turn start")
		}

		assistantText, toolCalls, usage, err := l.streamWithRetry(ctx, sessionID, prov, model.ID, messages, toolInfos, emit)
		if err != nil {
			l.state = StateFailed
			emit(StreamEvent{Kind: "error", Err: err})
			interrupted := ctx.Err() != nil
			l.failTurn(sessionID, assistantText, interrupted, err, !interrupted)
			return err
		}

		rec := tokennorm.Normalize(sessionID, "", providerID, modelID, usage, tokennorm.PricePerMillion{
			Input: model.InputPrice, Output: model.OutputPrice,
		}, time.Now().UnixMilli())
		l.deps.Context.RecordUsage(sessionID, rec)

		if _, err := l.deps.Store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
			return types.EventMessageAssistant, map[string]any{"text": assistantText}
		}); err != nil {
			l.state = StateFailed
			l.failTurn(sessionID, assistantText, false, err, false)
			return fmt.Errorf("agentloop: append assistant message: %w", err)
		}
		if _, err := l.deps.Store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
			return types.EventTokenRecorded, tokenRecordToMap(rec)
		}); err != nil {
			l.deps.Logger.Warn().Err(err).Msg("agentloop: failed to record token usage")
		}
		if _, err := l.deps.Store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
			return types.EventStreamTurnEnd, tokenRecordToMap(rec)
		}); err != nil {
			l.deps.Logger.Warn().Err(err).Msg("agentloop: failed to record turn end")
		}

		if len(toolCalls) == 0 {
			decision, err := l.deps.Hooks.Fire(ctx, hook.Event{Point: hook.Stop, SessionID: sessionID})
			if err != nil {
				l.state = StateFailed
				l.failTurn(sessionID, assistantText, false, err, false)
				return fmt.Errorf("agentloop: stop hook: %w", err)
			}
			if decision.Block {
				// A registered Stop hook wants the turn to continue rather
				// than end here (e.g. it queued more work for the model).
				continue
			}
			emit(StreamEvent{Kind: "done"})
			l.state = StateComplete
			return nil
		}

		l.state = StateDispatchTools
		if err := l.dispatchTools(ctx, sessionID, toolCalls, emit); err != nil {
			l.state = StateFailed
			l.failTurn(sessionID, assistantText, ctx.Err() != nil, err, false)
			return err
		}
		l.state = StateCollectResults
		emit(StreamEvent{Kind: "step_done"})
	}

	l.state = StateFailed
	stepErr := fmt.Errorf("agentloop: exceeded %d steps without completing", MaxSteps)
	l.failTurn(sessionID, "", false, stepErr, false)
	return stepErr
}

// failTurn records a turn.failed event for an abnormal end to the loop.
// It always appends against a fresh background context: Run's own ctx may
// already be cancelled (the interrupted case), but the failure record
// itself must still land.
func (l *Loop) failTurn(sessionID, partialContent string, interrupted bool, cause error, recoverable bool) {
	data := map[string]any{"interrupted": interrupted, "recoverable": recoverable}
	if partialContent != "" {
		data["partialContent"] = partialContent
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	if _, err := l.deps.Store.AppendRetry(context.Background(), sessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventTurnFailed, data
	}); err != nil {
		l.deps.Logger.Warn().Err(err).Msg("agentloop: failed to record turn failure")
	}
}

// toolCallRequest is what the provider adapter reports for a single
// requested tool invocation.
type toolCallRequest struct {
	ID    string
	Name  string
	Input map[string]any
}

func (l *Loop) streamWithRetry(ctx context.Context, sessionID string, prov provider.Provider, modelID string, messages []*schema.Message, toolInfos []*schema.ToolInfo, emit func(StreamEvent)) (string, []toolCallRequest, tokennorm.RawUsage, error) {
	retryBackoff := newRetryBackoff(ctx)
	for {
		text, calls, usage, err := l.streamOnce(ctx, sessionID, prov, modelID, messages, toolInfos, emit)
		if err == nil {
			retryBackoff.Reset()
			return text, calls, usage, nil
		}
		if ctx.Err() != nil {
			// Cancelled mid-stream: the caller needs whatever partial text
			// was captured, not a retry.
			return text, calls, usage, ctx.Err()
		}
		next := retryBackoff.NextBackOff()
		if next == backoff.Stop {
			return text, calls, usage, err
		}
		l.deps.Logger.Warn().Err(err).Dur("backoff", next).Msg("agentloop: retrying provider call")
		select {
		case <-ctx.Done():
			return text, calls, usage, ctx.Err()
		case <-time.After(next):
		}
	}
}

func (l *Loop) streamOnce(ctx context.Context, sessionID string, prov provider.Provider, modelID string, messages []*schema.Message, toolInfos []*schema.ToolInfo, emit func(StreamEvent)) (string, []toolCallRequest, tokennorm.RawUsage, error) {
	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:    modelID,
		Messages: messages,
		Tools:    toolInfos,
	})
	if err != nil {
		return "", nil, tokennorm.RawUsage{}, err
	}
	defer stream.Close()

	var text string
	callsByID := map[string]*toolCallRequest{}
	var order []string
	var usage tokennorm.RawUsage

	collected := func() []toolCallRequest {
		var calls []toolCallRequest
		for _, id := range order {
			calls = append(calls, *callsByID[id])
		}
		return calls
	}

	for {
		// Checked before each external I/O call: a signal that arrives
		// between deltas must stop the stream without waiting on Recv.
		select {
		case <-ctx.Done():
			return text, collected(), usage, ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return text, collected(), usage, err
		}
		if msg.Content != "" {
			text += msg.Content
			emit(StreamEvent{Kind: "text_delta", Text: msg.Content})
			l.appendStreamDelta(ctx, sessionID, types.EventStreamTextDelta, msg.Content)
		}
		if msg.ReasoningContent != "" {
			emit(StreamEvent{Kind: "thinking_delta", Text: msg.ReasoningContent})
			l.appendStreamDelta(ctx, sessionID, types.EventStreamThinkingDelta, msg.ReasoningContent)
		}
		for _, tc := range msg.ToolCalls {
			if _, ok := callsByID[tc.ID]; !ok {
				callsByID[tc.ID] = &toolCallRequest{ID: tc.ID, Name: tc.Function.Name}
				order = append(order, tc.ID)
				emit(StreamEvent{Kind: "tool_call_start", ToolID: tc.ID, Tool: tc.Function.Name})
			}
			emit(StreamEvent{Kind: "tool_call_delta", ToolID: tc.ID})
		}
	}

	return text, collected(), usage, nil
}

// appendStreamDelta durably records one streamed content chunk, mirroring
// the in-memory StreamEvent fan-out so a client resuming mid-turn can
// replay the same deltas from history. Best-effort: a failed append here
// doesn't abort the turn, since the delta was already broadcast live.
func (l *Loop) appendStreamDelta(ctx context.Context, sessionID string, eventType types.EventType, text string) {
	if _, err := l.deps.Store.AppendRetry(ctx, sessionID, 3, func(head string) (types.EventType, map[string]any) {
		return eventType, map[string]any{"text": text}
	}); err != nil {
		l.deps.Logger.Warn().Err(err).Str("eventType", string(eventType)).Msg("agentloop: failed to record stream delta")
	}
}

func (l *Loop) dispatchTools(ctx context.Context, sessionID string, calls []toolCallRequest, emit func(StreamEvent)) error {
	for _, call := range calls {
		decision, err := l.deps.Hooks.Fire(ctx, hook.Event{
			Point: hook.PreToolUse, SessionID: sessionID, ToolName: call.Name,
			Payload: map[string]any{"input": call.Input, "toolCallID": call.ID},
		})
		if err != nil {
			return fmt.Errorf("agentloop: pre_tool_use hook: %w", err)
		}
		if decision.Block {
			l.deps.Store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
				return types.EventToolCallDenied, map[string]any{"toolCallID": call.ID, "toolName": call.Name, "reason": decision.Reason}
			})
			continue
		}

		l.deps.Store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
			return types.EventToolCallStarted, map[string]any{"toolCallID": call.ID, "toolName": call.Name}
		})

		result, execErr := l.deps.Tools.Execute(ctx, call.Name, call.Input)

		if _, err := l.deps.Hooks.Fire(ctx, hook.Event{
			Point: hook.PostToolUse, SessionID: sessionID, ToolName: call.Name,
			Payload: map[string]any{"result": result, "error": execErr},
		}); err != nil {
			l.deps.Logger.Warn().Err(err).Msg("agentloop: post_tool_use hook failed")
		}

		data := map[string]any{"toolCallID": call.ID, "toolName": call.Name}
		if execErr != nil {
			data["error"] = execErr.Error()
		} else if result != nil {
			data["output"] = result.Output
			data["details"] = result.Details
		}
		l.deps.Store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
			return types.EventToolCallCompleted, data
		})
		emit(StreamEvent{Kind: "tool_result", ToolID: call.ID, Tool: call.Name})
	}
	return nil
}

func tokenRecordToMap(rec types.TokenRecord) map[string]any {
	return map[string]any{
		"providerID": rec.ProviderID, "modelID": rec.ModelID,
		"input": rec.Input, "output": rec.Output, "reasoning": rec.Reasoning,
		"cacheRead": rec.CacheRead, "cacheWrite": rec.CacheWrite,
		"totalContext": rec.TotalContext, "cost": rec.Cost,
	}
}
