package rpc

import (
	"context"
	"encoding/json"

	"github.com/agentmux/coderd/pkg/types"
)

// registerStubMethods wires the memory.*, transcribe.*, sandbox.* and
// skill.* namespaces. memory.*, transcribe.audio, sandbox.startContainer
// and skill.* forward to whatever internal/external.Collaborators the
// caller wired in (the NotConfigured stubs by default).
// transcribe.listModels and sandbox.listContainers always return empty
// lists, and sandbox.stopContainer/killContainer always return
// not_available; these four do not consult the collaborators.
func (d *Dispatcher) registerStubMethods() {
	d.register("memory.search", MethodSpec{RequiredParams: []string{"workspaceId", "query"}, Handler: d.memorySearch})
	d.register("memory.addEntry", MethodSpec{RequiredParams: []string{"workspaceId", "key", "value"}, Handler: d.memoryAddEntry})
	d.register("memory.getHandoffs", MethodSpec{RequiredParams: []string{"workspaceId"}, Handler: d.memoryGetHandoffs})

	d.register("transcribe.audio", MethodSpec{RequiredParams: []string{"audio", "mimeType"}, Handler: d.transcribeAudio})
	d.register("transcribe.listModels", MethodSpec{Handler: d.transcribeListModels})

	d.register("sandbox.listContainers", MethodSpec{Handler: d.sandboxListContainers})
	d.register("sandbox.startContainer", MethodSpec{RequiredParams: []string{"image"}, Handler: d.sandboxStartContainer})
	d.register("sandbox.stopContainer", MethodSpec{RequiredParams: []string{"containerId"}, Handler: d.sandboxStopContainer})
	d.register("sandbox.killContainer", MethodSpec{RequiredParams: []string{"containerId"}, Handler: d.sandboxKillContainer})

	d.register("skill.list", MethodSpec{RequiredParams: []string{"workspaceId"}, Handler: d.skillList})
	d.register("skill.get", MethodSpec{RequiredParams: []string{"workspaceId", "name"}, Handler: d.skillGet})
	d.register("skill.refresh", MethodSpec{RequiredParams: []string{"workspaceId"}, Handler: d.skillRefresh})
	d.register("skill.remove", MethodSpec{RequiredParams: []string{"workspaceId", "name"}, Handler: d.skillRemove})
}

type workspaceIDParams struct {
	WorkspaceID string `json:"workspaceId"`
}

type memorySearchParams struct {
	WorkspaceID string `json:"workspaceId"`
	Query       string `json:"query"`
	Limit       int    `json:"limit"`
}

func (d *Dispatcher) memorySearch(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[memorySearchParams](raw)
	if err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	entries, err := d.Collaborators.Memory.Recall(ctx, p.WorkspaceID, p.Query, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

type memoryAddEntryParams struct {
	WorkspaceID string `json:"workspaceId"`
	Key         string `json:"key"`
	Value       string `json:"value"`
}

func (d *Dispatcher) memoryAddEntry(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[memoryAddEntryParams](raw)
	if err != nil {
		return nil, err
	}
	if err := d.Collaborators.Memory.Remember(ctx, p.WorkspaceID, p.Key, p.Value); err != nil {
		return nil, err
	}
	return map[string]any{"added": true}, nil
}

// memoryGetHandoffs surfaces prior-session handoff notes via the same
// Memory.Recall contract, recalling with the query "handoff"; with the
// default NotConfigured memory it returns Recall's not_available error.
func (d *Dispatcher) memoryGetHandoffs(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[workspaceIDParams](raw)
	if err != nil {
		return nil, err
	}
	entries, err := d.Collaborators.Memory.Recall(ctx, p.WorkspaceID, "handoff", 50)
	if err != nil {
		return nil, err
	}
	return map[string]any{"handoffs": entries}, nil
}

type transcribeAudioParams struct {
	Audio    []byte `json:"audio"`
	MimeType string `json:"mimeType"`
}

func (d *Dispatcher) transcribeAudio(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[transcribeAudioParams](raw)
	if err != nil {
		return nil, err
	}
	text, err := d.Collaborators.Transcriber.Transcribe(ctx, p.Audio, p.MimeType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": text}, nil
}

func (d *Dispatcher) transcribeListModels(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]any{"models": []any{}}, nil
}

type sandboxImageParams struct {
	Image string `json:"image"`
}

func (d *Dispatcher) sandboxStartContainer(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sandboxImageParams](raw)
	if err != nil {
		return nil, err
	}
	stdout, exitCode, err := d.Collaborators.ContainerRuntime.RunInSandbox(ctx, p.Image, nil, "")
	if err != nil {
		return nil, err
	}
	return map[string]any{"stdout": stdout, "exitCode": exitCode}, nil
}

type containerIDParams struct {
	ContainerID string `json:"containerId"`
}

func (d *Dispatcher) sandboxListContainers(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]any{"containers": []any{}}, nil
}

func (d *Dispatcher) sandboxStopContainer(ctx context.Context, raw json.RawMessage) (any, error) {
	_, err := decode[containerIDParams](raw)
	if err != nil {
		return nil, err
	}
	return nil, &types.RPCError{Code: types.ErrCodeNotAvailable, Message: "container runtime is not configured"}
}

func (d *Dispatcher) sandboxKillContainer(ctx context.Context, raw json.RawMessage) (any, error) {
	return d.sandboxStopContainer(ctx, raw)
}

func (d *Dispatcher) skillList(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[workspaceIDParams](raw)
	if err != nil {
		return nil, err
	}
	skills, err := d.Collaborators.Skill.List(ctx, p.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"skills": skills}, nil
}

type skillNameParams struct {
	WorkspaceID string `json:"workspaceId"`
	Name        string `json:"name"`
}

func (d *Dispatcher) skillGet(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[skillNameParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Collaborators.Skill.Get(ctx, p.WorkspaceID, p.Name)
}

func (d *Dispatcher) skillRefresh(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[workspaceIDParams](raw)
	if err != nil {
		return nil, err
	}
	if err := d.Collaborators.Skill.Refresh(ctx, p.WorkspaceID); err != nil {
		return nil, err
	}
	return map[string]any{"refreshed": true}, nil
}

func (d *Dispatcher) skillRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[skillNameParams](raw)
	if err != nil {
		return nil, err
	}
	if err := d.Collaborators.Skill.Remove(ctx, p.WorkspaceID, p.Name); err != nil {
		return nil, err
	}
	return map[string]any{"removed": p.Name}, nil
}
