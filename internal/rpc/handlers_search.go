package rpc

import (
	"context"
	"encoding/json"
)

func (d *Dispatcher) registerSearchMethods() {
	d.register("search.content", MethodSpec{RequiredParams: []string{"sessionId", "query"}, Handler: d.searchContent})
	d.register("search.events", MethodSpec{RequiredParams: []string{"sessionId", "query"}, Handler: d.searchEvents})
}

type searchParams struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
	Limit     int    `json:"limit"`
}

// search.content and search.events both run the same FTS5 query over a
// session's indexed event bodies; the wire protocol keeps two names
// because a client may ask for one but not the other independent of how
// this server happens to satisfy both from one index.
func (d *Dispatcher) searchContent(ctx context.Context, raw json.RawMessage) (any, error) {
	return d.runSearch(ctx, raw)
}

func (d *Dispatcher) searchEvents(ctx context.Context, raw json.RawMessage) (any, error) {
	return d.runSearch(ctx, raw)
}

func (d *Dispatcher) runSearch(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[searchParams](raw)
	if err != nil {
		return nil, err
	}
	events, err := d.Store.Search(ctx, p.SessionID, p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": events}, nil
}
