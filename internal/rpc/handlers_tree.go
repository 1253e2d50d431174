package rpc

import (
	"context"
	"encoding/json"
)

func (d *Dispatcher) registerTreeMethods() {
	d.register("tree.getVisualization", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.treeGetVisualization})
	d.register("tree.getBranches", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.treeGetBranches})
	d.register("tree.getSubtree", MethodSpec{RequiredParams: []string{"eventId"}, Handler: d.treeGetSubtree})
	d.register("tree.getAncestors", MethodSpec{RequiredParams: []string{"eventId"}, Handler: d.treeGetAncestors})
}

type treeSessionParams struct {
	SessionID string `json:"sessionId"`
}

// treeGetVisualization returns every branch tip alongside the full event
// set, which is enough for a client to reconstruct the DAG locally; there
// is no separate layout format this server commits to.
func (d *Dispatcher) treeGetVisualization(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[treeSessionParams](raw)
	if err != nil {
		return nil, err
	}
	events, err := d.Store.GetHistory(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	branches, err := d.Store.GetBranches(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events, "branches": branches}, nil
}

func (d *Dispatcher) treeGetBranches(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[treeSessionParams](raw)
	if err != nil {
		return nil, err
	}
	branches, err := d.Store.GetBranches(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branches": branches}, nil
}

type eventIDParams struct {
	EventID string `json:"eventId"`
}

func (d *Dispatcher) treeGetSubtree(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[eventIDParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Store.GetSubtree(ctx, p.EventID)
}

func (d *Dispatcher) treeGetAncestors(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[eventIDParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Store.GetAncestors(ctx, p.EventID)
}
