package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Generous per-request timeout: local backends (Ollama, LM Studio) may
// load a model on the first call.
const httpTimeout = 120 * time.Second

const (
	maxAttempts   = 5
	retryBaseWait = 2 * time.Second
	rateLimitWait = 5 * time.Second
)

// client is the OpenAI-compatible HTTP transport shared by every provider
// role: chat and embeddings here, moderation and cross-encoder scoring in
// their own files.
type client struct {
	cfg    Config
	prefix string
	http   *http.Client
}

func newClient(cfg Config, prefix string) *client {
	return &client{cfg: cfg, prefix: prefix, http: &http.Client{Timeout: httpTimeout}}
}

type chatPayload struct {
	Model          string      `json:"model"`
	Messages       []Message   `json:"messages"`
	Temperature    float64     `json:"temperature,omitempty"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	ResponseFormat *formatSpec `json:"response_format,omitempty"`
}

type formatSpec struct {
	Type string `json:"type"`
}

type chatResult struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *client) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	payload := chatPayload{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat != "" {
		payload.ResponseFormat = &formatSpec{Type: req.ResponseFormat}
	}

	body, err := c.doPost(ctx, c.prefix+"/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	var res chatResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("llm: decode chat response: %w", err)
	}
	if len(res.Choices) == 0 {
		return nil, fmt.Errorf("llm: chat response has no choices")
	}
	return &ChatResponse{
		Content:      res.Choices[0].Message.Content,
		Model:        res.Model,
		FinishReason: res.Choices[0].FinishReason,
		Usage: Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
	}, nil
}

type embedPayload struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResult struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *client) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := c.doPost(ctx, c.prefix+"/embeddings", embedPayload{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	var res embedResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("llm: decode embedding response: %w", err)
	}
	// Vectors arrive keyed by index, not necessarily in input order.
	out := make([][]float32, len(texts))
	for _, d := range res.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}

type nativeEmbedResult struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// embedNative batches embeddings through Ollama's /api/embed endpoint,
// which returns vectors in input order without the /v1 data envelope.
func (c *client) embedNative(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := c.doPost(ctx, "/api/embed", embedPayload{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	var res nativeEmbedResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("llm: decode ollama embed response: %w", err)
	}
	return res.Embeddings, nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// doPost sends a JSON POST and retries transient failures with exponential
// backoff, honoring Retry-After on rate limits. Context cancellation aborts
// any pending wait immediately.
func (c *client) doPost(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := c.cfg.BaseURL + path

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := retryBaseWait << (attempt - 2)
			slog.Warn("llm: retrying request", "url", url, "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("llm: post %s: %w", url, err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("llm: read response: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return body, nil
		}
		lastErr = fmt.Errorf("llm: %s returned %d: %s", url, resp.StatusCode, body)
		if !retryable(resp.StatusCode) {
			return nil, lastErr
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			wait := rateLimitDelay(resp.Header.Get("Retry-After"), attempt)
			slog.Warn("llm: rate limited", "url", url, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("llm: giving up after %d attempts: %w", maxAttempts, lastErr)
}

// rateLimitDelay doubles per attempt and defers to a larger Retry-After
// header when the server asks for one.
func rateLimitDelay(retryAfter string, attempt int) time.Duration {
	wait := rateLimitWait << (attempt - 1)
	if s, err := strconv.Atoi(retryAfter); err == nil && s > 0 {
		if hdr := time.Duration(s) * time.Second; hdr > wait {
			wait = hdr
		}
	}
	return wait
}
