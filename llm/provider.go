// Package llm provides the chat, embedding, moderation, and cross-encoder
// HTTP clients behind the pipeline's collaborator interfaces. Every
// supported vendor speaks the OpenAI-compatible wire format, so a single
// parameterized transport serves them all; the vendor table below carries
// only per-vendor endpoint defaults.
package llm

import (
	"context"
	"fmt"
)

// Provider is the chat + embedding capability injected into the pipeline.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a single chat completion call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// ResponseFormat set to "json_object" forces JSON-mode output on
	// vendors that support it.
	ResponseFormat string
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting returned with a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is a completion result.
type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        Usage
}

// Config selects the vendor endpoint for one provider role (chat,
// embedding, moderation, or rerank).
type Config struct {
	Provider string `json:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// vendor carries the per-vendor endpoint defaults. baseURL is layered under
// a Config only when the caller leaves BaseURL empty; pathPrefix and
// nativeEmbed apply whatever BaseURL is set.
type vendor struct {
	baseURL     string
	pathPrefix  string
	nativeEmbed bool // batch embeddings via Ollama's /api/embed instead of /v1/embeddings
}

var vendors = map[string]vendor{
	"ollama":     {baseURL: "http://localhost:11434", pathPrefix: "/v1", nativeEmbed: true},
	"lmstudio":   {baseURL: "http://localhost:1234", pathPrefix: "/v1"},
	"openrouter": {baseURL: "https://openrouter.ai/api", pathPrefix: "/v1"},
	"openai":     {baseURL: "https://api.openai.com", pathPrefix: "/v1"},
	"groq":       {baseURL: "https://api.groq.com/openai", pathPrefix: "/v1"},
	"xai":        {baseURL: "https://api.x.ai", pathPrefix: "/v1"},
	// Gemini's OpenAI-compatible surface carries the API version in the
	// base path, so no /v1 prefix is appended.
	"gemini": {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
	"custom": {pathPrefix: "/v1"},
}

// NewProvider builds a Provider for cfg's vendor. The returned value is
// safe for concurrent use.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llm provider not specified")
	}
	v, ok := vendors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = v.baseURL
	}
	return &provider{c: newClient(cfg, v.pathPrefix), nativeEmbed: v.nativeEmbed}, nil
}

type provider struct {
	c           *client
	nativeEmbed bool
}

func (p *provider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.c.chat(ctx, req)
}

func (p *provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.nativeEmbed {
		return p.c.embedNative(ctx, texts)
	}
	return p.c.embed(ctx, texts)
}
