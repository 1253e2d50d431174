// Package context implements the Context Manager: it decides what goes into
// the next prompt sent to a provider, tracks how full the model's context
// window is, and runs compaction when a session is about to overflow it.
// The composition and compaction flow here is a generalization of the
// starting point's session/compact.go and session/system.go, restructured
// to operate over the event-sourced history in internal/eventstore instead
// of the flat message list the starting point read from file storage.
package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/agentmux/coderd/internal/eventstore"
	"github.com/agentmux/coderd/internal/hook"
	"github.com/agentmux/coderd/internal/todo"
	"github.com/agentmux/coderd/internal/tokennorm"
	"github.com/agentmux/coderd/pkg/types"
)

// Summarizer generates a compaction summary from the messages being
// dropped. Implemented by an adapter over internal/provider so this package
// doesn't import the provider registry directly and stays testable with a
// fake.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Config controls when and how compaction runs.
type Config struct {
	MinMessagesToKeep int
	SummaryMaxTokens  int
}

// DefaultConfig matches the starting point's tuning.
var DefaultConfig = Config{MinMessagesToKeep: 4, SummaryMaxTokens: 2000}

// Manager composes prompts and runs compaction for one session.
type Manager struct {
	store      *eventstore.Store
	summarizer Summarizer
	hooks      *hook.Engine
	cfg        Config
	totals     map[string]*tokennorm.RunningTotal
}

// New creates a Context Manager backed by an event store. hooks may be nil,
// in which case PreCompact is simply never fired.
func New(store *eventstore.Store, summarizer Summarizer, hooks *hook.Engine, cfg Config) *Manager {
	return &Manager{store: store, summarizer: summarizer, hooks: hooks, cfg: cfg, totals: make(map[string]*tokennorm.RunningTotal)}
}

func (m *Manager) totalFor(sessionID string) *tokennorm.RunningTotal {
	t, ok := m.totals[sessionID]
	if !ok {
		t = &tokennorm.RunningTotal{}
		m.totals[sessionID] = t
	}
	return t
}

// RecordUsage folds a turn's token accounting into the session's running
// total, used for the next threshold check.
func (m *Manager) RecordUsage(sessionID string, rec types.TokenRecord) {
	m.totalFor(sessionID).Add(rec)
}

// CheckThreshold reports how full a session's context window is against a
// model's stated window size.
func (m *Manager) CheckThreshold(sessionID string, windowSize int) types.ContextThreshold {
	return tokennorm.Threshold(m.totalFor(sessionID).ContextTokens(), windowSize)
}

// Compose builds the ordered list of messages to send for the next turn:
// a stable system preamble, any compaction summary standing in for older
// history, then the live tail of messages since the last compaction.
// Composition order matters for prompt caching: stable content first so a
// caching-capable provider can reuse its prefix cache across turns.
func (m *Manager) Compose(ctx context.Context, sessionID, systemPrompt string, events []*types.Event) ([]*schema.Message, error) {
	var out []*schema.Message
	if systemPrompt != "" {
		out = append(out, &schema.Message{Role: schema.System, Content: systemPrompt})
	}

	lastSummaryIdx := -1
	for i, evt := range events {
		if evt.Type == types.EventCompactSummary {
			lastSummaryIdx = i
		}
	}
	if lastSummaryIdx >= 0 {
		if summary, ok := events[lastSummaryIdx].Data["summary"].(string); ok && summary != "" {
			out = append(out, &schema.Message{Role: schema.System, Content: "Summary of earlier conversation:\n" + summary})
		}
		events = events[lastSummaryIdx+1:]
	}

	deleted := map[string]bool{}
	for _, evt := range events {
		if evt.Type == types.EventMessageDeleted {
			if targetID, ok := evt.Data["messageID"].(string); ok {
				deleted[targetID] = true
			}
		}
	}

	for _, evt := range events {
		if deleted[evt.ID] {
			continue
		}
		msg := eventToSchemaMessage(evt)
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

func eventToSchemaMessage(evt *types.Event) *schema.Message {
	schemaRole := schema.User
	switch evt.Type {
	case types.EventMessageUser:
		schemaRole = schema.User
	case types.EventMessageAssistant:
		schemaRole = schema.Assistant
	case types.EventMessageSystem:
		schemaRole = schema.System
	default:
		return nil
	}
	text, _ := evt.Data["text"].(string)
	if text == "" {
		return nil
	}
	return &schema.Message{Role: schemaRole, Content: text}
}

// PreviewCompaction returns the summary that ExecuteCompaction would
// produce without appending anything to the event log, so a caller can show
// the user what is about to be dropped.
func (m *Manager) PreviewCompaction(ctx context.Context, sessionID string) (string, error) {
	events, err := m.store.GetHistory(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("context: load history: %w", err)
	}
	toCompact := trimToKeep(events, m.cfg.MinMessagesToKeep)
	if len(toCompact) == 0 {
		return "", nil
	}
	prompt := buildSummaryPrompt(toCompact)
	return m.summarizer.Summarize(ctx, prompt)
}

// ExecuteCompaction runs the compaction summarizer and appends two events:
// compact.boundary, marking the last history event being folded away, then
// compact.summary carrying the replacement text. Keeping them distinct (the
// starting point's session/compact.go wrote a single combined record) lets a
// client replay "compaction happened here" from the boundary alone, before
// the (potentially large) summary body has even streamed in.
func (m *Manager) ExecuteCompaction(ctx context.Context, sessionID string) (*types.Event, error) {
	if m.hooks != nil {
		decision, err := m.hooks.Fire(ctx, hook.Event{Point: hook.PreCompact, SessionID: sessionID})
		if err != nil {
			return nil, fmt.Errorf("context: pre_compact hook: %w", err)
		}
		if decision.Block {
			return nil, fmt.Errorf("context: compaction blocked: %s", decision.Reason)
		}
	}

	events, err := m.store.GetHistory(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("context: load history: %w", err)
	}
	toCompact := trimToKeep(events, m.cfg.MinMessagesToKeep)
	if len(toCompact) == 0 {
		return nil, nil
	}
	summary, err := m.summarizer.Summarize(ctx, buildSummaryPrompt(toCompact))
	if err != nil {
		return nil, err
	}
	if summary == "" {
		return nil, nil
	}

	if err := m.backlogUnfinishedTodos(ctx, sessionID, types.BacklogReasonContextCompact); err != nil {
		return nil, fmt.Errorf("context: backlog todos: %w", err)
	}

	boundaryEventID := toCompact[len(toCompact)-1].ID
	if _, err := m.store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventCompactBoundary, map[string]any{"throughEventID": boundaryEventID}
	}); err != nil {
		return nil, fmt.Errorf("context: append compact boundary: %w", err)
	}
	evt, err := m.store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventCompactSummary, map[string]any{"summary": summary}
	})
	if err != nil {
		return nil, fmt.Errorf("context: append compact summary: %w", err)
	}
	m.totalFor(sessionID).ResetAfterCompaction(tokennorm.EstimateTokens(summary))
	return evt, nil
}

// ClearContext drops all prior history from composition by appending a
// context.cleared marker; unlike compaction, no summary is generated. Any
// todo still pending or in progress is backlogged first (reason
// session_clear), since it won't survive the clear.
func (m *Manager) ClearContext(ctx context.Context, sessionID string) (*types.Event, error) {
	if err := m.backlogUnfinishedTodos(ctx, sessionID, types.BacklogReasonSessionClear); err != nil {
		return nil, fmt.Errorf("context: backlog todos: %w", err)
	}
	evt, err := m.store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventContextCleared, map[string]any{}
	})
	if err != nil {
		return nil, fmt.Errorf("context: append clear: %w", err)
	}
	m.totalFor(sessionID).ResetAfterCompaction(0)
	return evt, nil
}

// backlogUnfinishedTodos sets aside every not-completed/not-cancelled todo
// on a session before its history is about to become unreachable.
func (m *Manager) backlogUnfinishedTodos(ctx context.Context, sessionID string, reason types.TodoBacklogReason) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	todos, err := todo.List(ctx, m.store, sessionID)
	if err != nil {
		return fmt.Errorf("list todos: %w", err)
	}
	for _, t := range todos {
		if t.Status == types.TodoCompleted || t.Status == types.TodoCancelled {
			continue
		}
		if _, err := m.store.BacklogTodo(ctx, session.ProjectID, sessionID, t, reason); err != nil {
			return fmt.Errorf("backlog todo %s: %w", t.ID, err)
		}
	}
	return nil
}

// SwitchModel records a model.switched event. Composition behavior is
// unaffected; only future token accounting uses the new model's window.
func (m *Manager) SwitchModel(ctx context.Context, sessionID, providerID, modelID string) (*types.Event, error) {
	return m.store.AppendRetry(ctx, sessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventModelSwitched, map[string]any{"providerID": providerID, "modelID": modelID}
	})
}

func trimToKeep(events []*types.Event, minKeep int) []*types.Event {
	var messageEvents []*types.Event
	for _, e := range events {
		switch e.Type {
		case types.EventMessageUser, types.EventMessageAssistant, types.EventMessageSystem:
			messageEvents = append(messageEvents, e)
		}
	}
	if len(messageEvents) <= minKeep {
		return nil
	}
	return messageEvents[:len(messageEvents)-minKeep]
}

func buildSummaryPrompt(events []*types.Event) string {
	var b strings.Builder
	b.WriteString("Please summarize the following conversation, focusing on:\n")
	b.WriteString("1. Key decisions and outcomes\n")
	b.WriteString("2. Files that were modified\n")
	b.WriteString("3. Important context for continuing the work\n\n---\n\n")
	for _, evt := range events {
		text, _ := evt.Data["text"].(string)
		switch evt.Type {
		case types.EventMessageUser:
			b.WriteString("USER:\n")
		case types.EventMessageSystem:
			b.WriteString("SYSTEM:\n")
		default:
			b.WriteString("ASSISTANT:\n")
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String()
}
