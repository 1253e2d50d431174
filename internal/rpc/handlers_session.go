package rpc

import (
	"context"
	"encoding/json"
)

func (d *Dispatcher) registerSessionMethods() {
	d.register("session.create", MethodSpec{RequiredParams: []string{"workspaceId"}, Handler: d.sessionCreate})
	d.register("session.resume", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.sessionResume})
	d.register("session.list", MethodSpec{Handler: d.sessionList})
	d.register("session.delete", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.sessionDelete})
	d.register("session.fork", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.sessionFork})
	d.register("session.switchModel", MethodSpec{RequiredParams: []string{"sessionId", "providerId", "modelId"}, Handler: d.sessionSwitchModel})
}

type sessionCreateParams struct {
	WorkspaceID     string `json:"workspaceId"`
	WorkingDirectory string `json:"workingDirectory"`
	Model           string `json:"model"`
	Title           string `json:"title"`
}

func (d *Dispatcher) sessionCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionCreateParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Orchestrator.CreateSession(ctx, p.WorkspaceID, p.WorkingDirectory, p.Model, p.Title)
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func (d *Dispatcher) sessionResume(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	// Resuming is idempotent: the session's durable record already reflects
	// every event folded into it, there is no separate in-memory state to
	// rebuild beyond the orchestrator's active-turn bookkeeping.
	return d.Store.GetSession(ctx, p.SessionID)
}

type sessionListParams struct {
	WorkspaceID string `json:"workspaceId"`
}

func (d *Dispatcher) sessionList(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionListParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Orchestrator.List(ctx, p.WorkspaceID)
}

func (d *Dispatcher) sessionDelete(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	if err := d.Orchestrator.Delete(ctx, p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

type sessionForkParams struct {
	SessionID string `json:"sessionId"`
	AtEventID string `json:"atEventId"`
	Title     string `json:"title"`
}

func (d *Dispatcher) sessionFork(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionForkParams](raw)
	if err != nil {
		return nil, err
	}
	// atEventId is accepted for wire compatibility and ignored: the fork is
	// recorded against the parent session, not against one of its events,
	// and starts with an empty history (see Orchestrator.Fork).
	return d.Orchestrator.Fork(ctx, p.SessionID, p.Title)
}

type sessionSwitchModelParams struct {
	SessionID  string `json:"sessionId"`
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
}

func (d *Dispatcher) sessionSwitchModel(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionSwitchModelParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Context.SwitchModel(ctx, p.SessionID, p.ProviderID, p.ModelID)
}
