package rpc

import (
	"context"
	"sync"

	"github.com/agentmux/coderd/pkg/types"
	"github.com/oklog/ulid/v2"
)

// notifierKey stores a per-connection push function in the context passed
// to Dispatch, so a handler like events.subscribe can start forwarding
// notifications without the rpc package knowing anything about the
// underlying transport (websocket, in-process channel, ...).
type notifierKey struct{}

// ContextWithNotifier attaches a connection's outbound notification sink.
// internal/transport calls this once per accepted connection before
// dispatching any request on it.
func ContextWithNotifier(ctx context.Context, notify func(types.RPCNotification)) context.Context {
	return context.WithValue(ctx, notifierKey{}, notify)
}

func notifierFrom(ctx context.Context) (func(types.RPCNotification), bool) {
	fn, ok := ctx.Value(notifierKey{}).(func(types.RPCNotification))
	return fn, ok
}

// clientRegistry tracks active events.subscribe subscriptions so
// events.unsubscribe can stop the right forwarding goroutine, and tracks
// connected clients for client.list.
type clientRegistry struct {
	mu            sync.Mutex
	subscriptions map[string]func()
	clients       map[string]ClientInfo
}

// ClientInfo describes one connected client, reported by client.identify.
type ClientInfo struct {
	ClientID string `json:"clientID"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{
		subscriptions: make(map[string]func()),
		clients:       make(map[string]ClientInfo),
	}
}

func (r *clientRegistry) addSubscription(stop func()) string {
	id := ulid.Make().String()
	r.mu.Lock()
	r.subscriptions[id] = stop
	r.mu.Unlock()
	return id
}

func (r *clientRegistry) removeSubscription(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	stop, ok := r.subscriptions[id]
	if !ok {
		return false
	}
	delete(r.subscriptions, id)
	stop()
	return true
}

func (r *clientRegistry) identify(info ClientInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[info.ClientID] = info
}

func (r *clientRegistry) list() []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
