// Package tokennorm normalizes the differently-shaped usage payloads
// providers return after a turn into a single TokenRecord shape, and
// computes the derived cost and context-window figures the Context Manager
// needs. No example repo in the retrieval pack ships a dedicated
// normalization layer for this — the rules here are pure arithmetic over
// the starting point's pkg/types.TokenUsage fields, so this package is
// deliberately stdlib-only.
package tokennorm

import "github.com/agentmux/coderd/pkg/types"

// RawUsage is the provider-agnostic shape a provider adapter fills in from
// whatever its SDK returns. Fields that a provider doesn't report stay zero.
type RawUsage struct {
	InputTokens      int
	OutputTokens     int
	ReasoningTokens  int
	CacheReadTokens  int
	CacheWriteTokens int
}

// PricePerMillion gives the cost rate for a model, expressed per one
// million tokens, split by token class.
type PricePerMillion struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// Normalize turns a provider's raw usage report into the session's
// accounting record. totalContext is the figure compared against the
// model's context window: input tokens actually sent, including anything
// served from cache (cache reads still occupy the window; cache writes are
// the tokens newly written to cache this turn, a subset of input).
func Normalize(sessionID, messageID, providerID, modelID string, raw RawUsage, price PricePerMillion, now int64) types.TokenRecord {
	cost := (float64(raw.InputTokens)*price.Input +
		float64(raw.OutputTokens)*price.Output +
		float64(raw.CacheReadTokens)*price.CacheRead +
		float64(raw.CacheWriteTokens)*price.CacheWrite) / 1_000_000

	return types.TokenRecord{
		SessionID:    sessionID,
		MessageID:    messageID,
		ProviderID:   providerID,
		ModelID:      modelID,
		Input:        raw.InputTokens,
		Output:       raw.OutputTokens,
		Reasoning:    raw.ReasoningTokens,
		CacheRead:    raw.CacheReadTokens,
		CacheWrite:   raw.CacheWriteTokens,
		TotalContext: raw.InputTokens + raw.CacheReadTokens,
		Cost:         cost,
		Time:         now,
	}
}

// ToMessageUsage projects a TokenRecord onto the per-message display shape
// kept on types.Message for clients that only want to show one turn's cost,
// not run threshold math against the whole session.
func ToMessageUsage(rec types.TokenRecord) types.TokenUsage {
	return types.TokenUsage{
		Input:     rec.Input,
		Output:    rec.Output,
		Reasoning: rec.Reasoning,
		Cache:     types.CacheUsage{Read: rec.CacheRead, Write: rec.CacheWrite},
	}
}

// RunningTotal accumulates TokenRecords across a session to produce the
// figure the Context Manager compares against a model's context window.
// It is not simply a sum of every TotalContext ever recorded: once a
// compaction happens the running total resets to the compaction summary's
// own size, since older turns are no longer part of what gets resent.
type RunningTotal struct {
	contextTokens int
	cumulativeCost float64
}

// Add folds one more TokenRecord into the running total.
func (r *RunningTotal) Add(rec types.TokenRecord) {
	r.contextTokens = rec.TotalContext + rec.Output + rec.Reasoning
	r.cumulativeCost += rec.Cost
}

// ResetAfterCompaction replaces the tracked context size with the size of
// the compaction summary that now stands in for everything before it.
func (r *RunningTotal) ResetAfterCompaction(summaryTokens int) {
	r.contextTokens = summaryTokens
}

// ContextTokens returns the current running context occupancy.
func (r *RunningTotal) ContextTokens() int { return r.contextTokens }

// CumulativeCost returns total spend across the session so far.
func (r *RunningTotal) CumulativeCost() float64 { return r.cumulativeCost }

// EstimateTokens gives a rough token count for text that hasn't gone
// through a provider yet (e.g. a freshly generated compaction summary whose
// own usage report isn't available until the next turn completes).
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Threshold classifies occupancy against a model's window using the
// standard two-tier ratios: alert at 80%, critical at 92%.
func Threshold(contextTokens, windowSize int) types.ContextThreshold {
	if windowSize <= 0 {
		return types.ThresholdGreen
	}
	ratio := float64(contextTokens) / float64(windowSize)
	switch {
	case ratio >= 0.92:
		return types.ThresholdCritical
	case ratio >= 0.80:
		return types.ThresholdAlert
	default:
		return types.ThresholdGreen
	}
}
