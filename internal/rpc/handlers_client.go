package rpc

import (
	"context"
	"encoding/json"
)

// buildVersion is the coderd build identifier reported by system.getInfo.
// It stays "dev" unless a build sets it with -ldflags -X; cmd/coderd does
// not set it and reports its own version string (buildVersionFlag).
var buildVersion = "dev"

func (d *Dispatcher) registerClientSystemMethods() {
	d.register("client.identify", MethodSpec{RequiredParams: []string{"clientId", "name"}, Handler: d.clientIdentify})
	d.register("client.list", MethodSpec{Handler: d.clientList})
	d.register("system.ping", MethodSpec{Handler: d.systemPing})
	d.register("system.getInfo", MethodSpec{Handler: d.systemGetInfo})
}

func (d *Dispatcher) clientIdentify(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[ClientInfo](raw)
	if err != nil {
		return nil, err
	}
	d.clients.identify(p)
	return map[string]any{"acknowledged": true}, nil
}

func (d *Dispatcher) clientList(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]any{"clients": d.clients.list()}, nil
}

func (d *Dispatcher) systemPing(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]any{"pong": true}, nil
}

func (d *Dispatcher) systemGetInfo(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]any{
		"version": buildVersion,
		"methods": len(d.methods),
	}, nil
}
