package context

import (
	"context"
	"fmt"
	"io"

	"github.com/cloudwego/eino/schema"

	"github.com/agentmux/coderd/internal/provider"
)

// ProviderSummarizer implements Summarizer by sending the compaction prompt
// to a designated provider/model as a single completion request. It
// is the provider-registry-backed counterpart to the starting point's
// session/compact.go, which called straight into whatever provider the
// session itself was using; here the summarization target is pinned
// independently so compaction keeps working even mid-session after a
// provider switch.
type ProviderSummarizer struct {
	Providers *provider.Registry
	ProviderID string
	ModelID    string
}

// Summarize sends prompt as a single user message and concatenates the
// streamed response into one string.
func (s *ProviderSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	prov, err := s.Providers.Get(s.ProviderID)
	if err != nil {
		return "", fmt.Errorf("context: summarizer provider: %w", err)
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:       s.ModelID,
		Messages:    []*schema.Message{{Role: schema.User, Content: prompt}},
		MaxTokens:   DefaultConfig.SummaryMaxTokens,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("context: summarizer completion: %w", err)
	}
	defer stream.Close()

	var out string
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("context: summarizer stream: %w", err)
		}
		out += msg.Content
	}
	return out, nil
}
