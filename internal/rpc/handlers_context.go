package rpc

import (
	"context"
	"encoding/json"

	"github.com/agentmux/coderd/pkg/types"
)

func (d *Dispatcher) registerContextMethods() {
	d.register("context.getSnapshot", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.contextGetSnapshot})
	d.register("context.getDetailedSnapshot", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.contextGetDetailedSnapshot})
	d.register("context.shouldCompact", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.contextShouldCompact})
	d.register("context.previewCompaction", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.contextPreviewCompaction})
	d.register("context.confirmCompaction", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.contextConfirmCompaction})
	d.register("context.canAcceptTurn", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.contextCanAcceptTurn})
	d.register("context.clear", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.contextClear})
}

// windowSizeFor looks up the model a session is currently on. Sessions that
// never recorded a model.switched event fall back to the provider
// registry's default model's context window.
func (d *Dispatcher) windowSizeFor(ctx context.Context, sessionID string) int {
	events, err := d.Store.GetHistory(ctx, sessionID)
	if err == nil {
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Type == types.EventModelSwitched {
				providerID, _ := events[i].Data["providerID"].(string)
				modelID, _ := events[i].Data["modelID"].(string)
				if model, err := d.Providers.GetModel(providerID, modelID); err == nil {
					return model.ContextLength
				}
			}
		}
	}
	if model, err := d.Providers.DefaultModel(); err == nil {
		return model.ContextLength
	}
	return 200000
}

func (d *Dispatcher) contextGetSnapshot(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	threshold := d.Context.CheckThreshold(p.SessionID, d.windowSizeFor(ctx, p.SessionID))
	return map[string]any{"threshold": threshold}, nil
}

func (d *Dispatcher) contextGetDetailedSnapshot(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	windowSize := d.windowSizeFor(ctx, p.SessionID)
	threshold := d.Context.CheckThreshold(p.SessionID, windowSize)
	return map[string]any{"threshold": threshold, "windowSize": windowSize}, nil
}

func (d *Dispatcher) contextShouldCompact(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	threshold := d.Context.CheckThreshold(p.SessionID, d.windowSizeFor(ctx, p.SessionID))
	return map[string]any{"shouldCompact": threshold != types.ThresholdGreen}, nil
}

func (d *Dispatcher) contextPreviewCompaction(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	summary, err := d.Context.PreviewCompaction(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": summary}, nil
}

func (d *Dispatcher) contextConfirmCompaction(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Context.ExecuteCompaction(ctx, p.SessionID)
}

func (d *Dispatcher) contextCanAcceptTurn(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	threshold := d.Context.CheckThreshold(p.SessionID, d.windowSizeFor(ctx, p.SessionID))
	return map[string]any{"canAccept": threshold != types.ThresholdCritical}, nil
}

func (d *Dispatcher) contextClear(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Context.ClearContext(ctx, p.SessionID)
}
