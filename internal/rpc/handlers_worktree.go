package rpc

import (
	"context"
	"encoding/json"

	"github.com/agentmux/coderd/pkg/types"
)

func (d *Dispatcher) registerWorktreeMethods() {
	d.register("worktree.getStatus", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.worktreeGetStatus})
	d.register("worktree.commit", MethodSpec{RequiredParams: []string{"sessionId", "message"}, Handler: d.worktreeCommit})
	d.register("worktree.merge", MethodSpec{RequiredParams: []string{"sessionId", "targetBranch"}, Handler: d.worktreeMerge})
	d.register("worktree.list", MethodSpec{Handler: d.worktreeList})
}

// worktreeUnavailable is returned by every worktree.* method when the
// server started without a git repository to coordinate worktrees for
// (internal/worktree.New refuses to construct a Coordinator otherwise).
func (d *Dispatcher) worktreeUnavailable() error {
	return &types.RPCError{Code: types.ErrCodeNotAvailable, Message: "worktree coordinator is not configured for this workspace"}
}

func (d *Dispatcher) worktreeGetStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	if d.Worktrees == nil {
		return nil, d.worktreeUnavailable()
	}
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	info, ok := d.Worktrees.Status(p.SessionID)
	if !ok {
		return nil, &types.RPCError{Code: types.ErrCodeNotFound, Message: "no worktree open for session " + p.SessionID}
	}
	dirty, err := d.Worktrees.Dirty(ctx, info)
	if err != nil {
		return nil, err
	}
	info.Dirty = dirty
	return info, nil
}

type worktreeCommitParams struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (d *Dispatcher) worktreeCommit(ctx context.Context, raw json.RawMessage) (any, error) {
	if d.Worktrees == nil {
		return nil, d.worktreeUnavailable()
	}
	p, err := decode[worktreeCommitParams](raw)
	if err != nil {
		return nil, err
	}
	info, ok := d.Worktrees.Status(p.SessionID)
	if !ok {
		return nil, &types.RPCError{Code: types.ErrCodeNotFound, Message: "no worktree open for session " + p.SessionID}
	}
	commit, err := d.Worktrees.Commit(ctx, info, p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]any{"commit": commit}, nil
}

type worktreeMergeParams struct {
	SessionID    string `json:"sessionId"`
	TargetBranch string `json:"targetBranch"`
}

func (d *Dispatcher) worktreeMerge(ctx context.Context, raw json.RawMessage) (any, error) {
	if d.Worktrees == nil {
		return nil, d.worktreeUnavailable()
	}
	p, err := decode[worktreeMergeParams](raw)
	if err != nil {
		return nil, err
	}
	info, ok := d.Worktrees.Status(p.SessionID)
	if !ok {
		return nil, &types.RPCError{Code: types.ErrCodeNotFound, Message: "no worktree open for session " + p.SessionID}
	}
	if err := d.Worktrees.Merge(ctx, info, p.TargetBranch); err != nil {
		return nil, err
	}
	return map[string]any{"merged": true, "mergedInto": p.TargetBranch}, nil
}

func (d *Dispatcher) worktreeList(ctx context.Context, raw json.RawMessage) (any, error) {
	if d.Worktrees == nil {
		return map[string]any{"worktrees": []any{}}, nil
	}
	return map[string]any{"worktrees": d.Worktrees.List()}, nil
}
