package llm

import (
	"context"
	"encoding/json"
)

// ModerationProvider classifies text for safety-policy violations.
type ModerationProvider interface {
	Moderate(ctx context.Context, text string) (*ModerationResult, error)
}

// ModerationResult mirrors a moderation classifier's verdict.
type ModerationResult struct {
	Flagged        bool
	Categories     map[string]bool
	CategoryScores map[string]float64
}

// moderationRequest/-Response follow the OpenAI-compatible moderation
// endpoint shape, consistent with the chat/embeddings DTOs in client.go.
type moderationRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		Categories     map[string]bool    `json:"categories"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// NewModerationClient creates an OpenAI-compatible moderation provider
// sharing the same HTTP transport/retry machinery as chat/embedding calls.
func NewModerationClient(cfg Config) ModerationProvider {
	return &moderationClient{base: newClient(cfg, "/v1")}
}

type moderationClient struct {
	base *client
}

func (m *moderationClient) Moderate(ctx context.Context, text string) (*ModerationResult, error) {
	body := moderationRequest{Model: m.base.cfg.Model, Input: text}
	respBody, err := m.base.doPost(ctx, m.base.prefix+"/moderations", body)
	if err != nil {
		return nil, err
	}
	var resp moderationResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return &ModerationResult{}, nil
	}
	r := resp.Results[0]
	return &ModerationResult{Flagged: r.Flagged, Categories: r.Categories, CategoryScores: r.CategoryScores}, nil
}
