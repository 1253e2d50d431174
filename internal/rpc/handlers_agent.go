package rpc

import (
	"context"
	"encoding/json"
)

func (d *Dispatcher) registerAgentMethods() {
	d.register("agent.prompt", MethodSpec{RequiredParams: []string{"sessionId", "text"}, Handler: d.agentPrompt})
	d.register("agent.abort", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.agentAbort})
	d.register("agent.getState", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.agentGetState})
}

type agentPromptParams struct {
	SessionID  string `json:"sessionId"`
	Text       string `json:"text"`
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
}

// agentPrompt enqueues the prompt and kicks off the turn loop in the
// background; Prompt itself blocks on the loop, so the ack returned here is
// immediate and the turn's progress arrives as session.stream.* and
// agent.subagent_event notifications over the subscribed channel.
func (d *Dispatcher) agentPrompt(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[agentPromptParams](raw)
	if err != nil {
		return nil, err
	}
	providerID, modelID := p.ProviderID, p.ModelID
	if providerID == "" || modelID == "" {
		model, err := d.Providers.DefaultModel()
		if err != nil {
			return nil, err
		}
		providerID, modelID = model.ProviderID, model.ID
	}
	go func() {
		if err := d.Orchestrator.Prompt(ctx, p.SessionID, p.Text, providerID, modelID, d.NewLoop()); err != nil {
			_ = err // surfaced to subscribers via session.stream.error, not the ack
		}
	}()
	return map[string]any{"acknowledged": true}, nil
}

func (d *Dispatcher) agentAbort(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"aborted": d.Orchestrator.Abort(p.SessionID)}, nil
}

func (d *Dispatcher) agentGetState(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"active": d.Orchestrator.IsActive(p.SessionID)}, nil
}
