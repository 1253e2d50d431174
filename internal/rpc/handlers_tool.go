package rpc

import (
	"context"
	"encoding/json"

	"github.com/agentmux/coderd/internal/clienttool"
)

// registerToolMethods wires the one client-side-tool RPC method the closed
// surface names: a client completes a tool.call the server forwarded to it
// (see internal/clienttool.Registry.Execute, which blocks on the matching
// tool.result) by submitting its outcome here.
func (d *Dispatcher) registerToolMethods() {
	d.register("tool.result", MethodSpec{RequiredParams: []string{"requestId", "status"}, Handler: d.toolResult})
}

type toolResultParams struct {
	RequestID string         `json:"requestId"`
	Status    string         `json:"status"`
	Title     string         `json:"title"`
	Output    string         `json:"output"`
	Metadata  map[string]any `json:"metadata"`
	Error     string         `json:"error"`
}

func (d *Dispatcher) toolResult(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[toolResultParams](raw)
	if err != nil {
		return nil, err
	}
	accepted := clienttool.SubmitResult(p.RequestID, clienttool.ToolResponse{
		Status:   p.Status,
		Title:    p.Title,
		Output:   p.Output,
		Metadata: p.Metadata,
		Error:    p.Error,
	})
	return map[string]any{"accepted": accepted}, nil
}
