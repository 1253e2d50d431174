package rpc

import (
	"context"
	"encoding/json"

	"github.com/agentmux/coderd/pkg/types"
)

func (d *Dispatcher) registerEventMethods() {
	d.register("events.getHistory", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.eventsGetHistory})
	d.register("events.getSince", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.eventsGetSince})
	d.register("events.append", MethodSpec{RequiredParams: []string{"sessionId", "type", "payload"}, Handler: d.eventsAppend})
	d.register("events.subscribe", MethodSpec{RequiredParams: []string{"sessionId"}, Handler: d.eventsSubscribe})
	d.register("events.unsubscribe", MethodSpec{RequiredParams: []string{"subscriptionId"}, Handler: d.eventsUnsubscribe})
	d.register("message.delete", MethodSpec{RequiredParams: []string{"sessionId", "messageId"}, Handler: d.messageDelete})
}

type eventsGetHistoryParams struct {
	SessionID     string `json:"sessionId"`
	BeforeEventID string `json:"beforeEventId"`
	Limit         int    `json:"limit"`
}

func (d *Dispatcher) eventsGetHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[eventsGetHistoryParams](raw)
	if err != nil {
		return nil, err
	}
	events, err := d.Store.GetHistory(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if p.BeforeEventID != "" {
		for i, evt := range events {
			if evt.ID == p.BeforeEventID {
				events = events[:i]
				break
			}
		}
	}
	hasMore := false
	if p.Limit > 0 && len(events) > p.Limit {
		events = events[len(events)-p.Limit:]
		hasMore = true
	}
	oldestID := ""
	if len(events) > 0 {
		oldestID = events[0].ID
	}
	return map[string]any{"events": events, "hasMore": hasMore, "oldestId": oldestID}, nil
}

type eventsGetSinceParams struct {
	SessionID string `json:"sessionId"`
	Cursor    int64  `json:"cursor"`
}

func (d *Dispatcher) eventsGetSince(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[eventsGetSinceParams](raw)
	if err != nil {
		return nil, err
	}
	events, err := d.Store.GetSince(ctx, p.SessionID, p.Cursor)
	if err != nil {
		return nil, err
	}
	nextCursor := p.Cursor
	if len(events) > 0 {
		nextCursor = events[len(events)-1].Seq
	}
	return map[string]any{"events": events, "nextCursor": nextCursor, "hasMore": false}, nil
}

type eventsAppendParams struct {
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

func (d *Dispatcher) eventsAppend(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[eventsAppendParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Store.AppendRetry(ctx, p.SessionID, 5, func(head string) (types.EventType, map[string]any) {
		return types.EventType(p.Type), p.Payload
	})
}

func (d *Dispatcher) eventsSubscribe(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[sessionIDParams](raw)
	if err != nil {
		return nil, err
	}
	notify, ok := notifierFrom(ctx)
	if !ok {
		return nil, &types.RPCError{Code: types.ErrCodeInvalidRequest, Message: "events.subscribe requires a duplex connection"}
	}
	ch, unsub := d.Orchestrator.Subscribe(p.SessionID)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case notif, ok := <-ch:
				if !ok {
					return
				}
				notify(notif)
			case <-done:
				return
			}
		}
	}()
	subID := d.clients.addSubscription(func() {
		close(done)
		unsub()
	})
	return map[string]any{"subscriptionId": subID}, nil
}

type subscriptionIDParams struct {
	SubscriptionID string `json:"subscriptionId"`
}

func (d *Dispatcher) eventsUnsubscribe(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[subscriptionIDParams](raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"unsubscribed": d.clients.removeSubscription(p.SubscriptionID)}, nil
}

type messageDeleteParams struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

func (d *Dispatcher) messageDelete(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[messageDeleteParams](raw)
	if err != nil {
		return nil, err
	}
	return d.Store.DeleteMessage(ctx, p.SessionID, p.MessageID)
}
