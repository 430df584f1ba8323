package llm

import (
	"context"
	"encoding/json"
)

// rerankRequest/-Response follow a generic cross-encoder HTTP service
// contract (query + candidate passages in, one score per passage out),
// reusing the same retry/backoff machinery as chat and embedding calls.
type rerankRequest struct {
	Model   string   `json:"model,omitempty"`
	Query   string   `json:"query"`
	Prompts []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float32 `json:"scores"`
}

// RerankClient is the default HTTP-backed implementation of
// rerank.Model (defined independently in package rerank to avoid an
// import cycle; this type satisfies that interface structurally).
type RerankClient struct {
	base *client
}

// NewRerankClient creates an HTTP cross-encoder client.
func NewRerankClient(cfg Config) *RerankClient {
	return &RerankClient{base: newClient(cfg, "")}
}

func (r *RerankClient) Rerank(ctx context.Context, query string, prompts []string) ([]float32, error) {
	body := rerankRequest{Model: r.base.cfg.Model, Query: query, Prompts: prompts}
	respBody, err := r.base.doPost(ctx, "/rerank", body)
	if err != nil {
		return nil, err
	}
	var resp rerankResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Scores, nil
}

func (r *RerankClient) Close() error { return nil }
