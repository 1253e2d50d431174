package types

// TokenRecord is the normalized, provider-agnostic accounting record for a
// single LLM call. Unlike the per-message TokenUsage (pkg/types.TokenUsage,
// kept for display), a TokenRecord is what the Context Manager uses to
// track context-window occupancy and what Token Normalizer rules populate
// from each provider's raw usage payload.
type TokenRecord struct {
	SessionID    string  `json:"sessionID"`
	MessageID    string  `json:"messageID"`
	ProviderID   string  `json:"providerID"`
	ModelID      string  `json:"modelID"`
	Input        int     `json:"input"`
	Output       int     `json:"output"`
	Reasoning    int     `json:"reasoning,omitempty"`
	CacheRead    int     `json:"cacheRead,omitempty"`
	CacheWrite   int     `json:"cacheWrite,omitempty"`
	TotalContext int     `json:"totalContext"` // input + cacheRead + cacheWrite, the figure compared against the model's window
	Cost         float64 `json:"cost,omitempty"`
	Time         int64   `json:"time"`
}

// ContextThreshold describes how full a session's context window is, as
// computed by the Context Manager from the running TokenRecord total.
type ContextThreshold string

const (
	ThresholdGreen    ContextThreshold = "green"    // below the alert ratio
	ThresholdAlert    ContextThreshold = "alert"    // approaching the model's window
	ThresholdCritical ContextThreshold = "critical" // compaction should run before the next turn
)
