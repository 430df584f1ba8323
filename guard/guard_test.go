package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/cookrag/cookrag/llm"
)

type fakeModeration struct {
	result *llm.ModerationResult
	err    error
}

func (f *fakeModeration) Moderate(ctx context.Context, text string) (*llm.ModerationResult, error) {
	return f.result, f.err
}

type fakeEmbedder struct {
	embed func(texts []string) [][]float32
}

func (f *fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f.embed(texts), nil
}

type fakeChat struct {
	content string
	err     error
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content}, nil
}
func (f *fakeChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func testCfg() Config {
	return Config{ModerationEnabled: true, CentroidThreshold: 0.30, CentroidMargin: 0.05}
}

func TestCheckEmptyQuery(t *testing.T) {
	g := New(nil, nil, nil, testCfg())
	v := g.Check(context.Background(), "   ")
	if v.InDomain || v.Method != MethodEmpty {
		t.Fatalf("Check(empty) = %+v", v)
	}
}

func TestCheckModerationBlocks(t *testing.T) {
	mod := &fakeModeration{result: &llm.ModerationResult{Flagged: true, Categories: map[string]bool{"hate": true}}}
	g := New(mod, nil, nil, testCfg())
	v := g.Check(context.Background(), "a hateful query")
	if v.InDomain || v.Method != MethodModeration {
		t.Fatalf("Check() = %+v, want moderation block", v)
	}
}

func TestCheckCentroidInDomain(t *testing.T) {
	embedder := &fakeEmbedder{embed: func(texts []string) [][]float32 {
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{1, 0}
		}
		return out
	}}
	g := New(nil, embedder, nil, testCfg())
	v := g.Check(context.Background(), "recipe question")
	if !v.InDomain || v.Method != MethodEmbed {
		t.Fatalf("Check() = %+v, want embed in-domain", v)
	}
}

func TestCheckCentroidOutOfDomain(t *testing.T) {
	calls := 0
	embedder := &fakeEmbedder{embed: func(texts []string) [][]float32 {
		calls++
		out := make([][]float32, len(texts))
		for i := range out {
			if calls == 1 {
				out[i] = []float32{1, 0}
			} else {
				out[i] = []float32{0, 1}
			}
		}
		return out
	}}
	g := New(nil, embedder, nil, testCfg())
	v := g.Check(context.Background(), "unrelated query")
	if v.InDomain || v.Method != MethodEmbed {
		t.Fatalf("Check() = %+v, want embed out-of-domain", v)
	}
}

func TestCheckLLMTiebreakPermissiveOnError(t *testing.T) {
	chat := &fakeChat{err: errors.New("llm down")}
	g := New(nil, nil, chat, testCfg())
	v := g.Check(context.Background(), "borderline query")
	if !v.InDomain || v.Method != MethodErrorOpen {
		t.Fatalf("Check() = %+v, want permissive on llm error", v)
	}
}

func TestCheckLLMTiebreakOut(t *testing.T) {
	chat := &fakeChat{content: "out"}
	g := New(nil, nil, chat, testCfg())
	v := g.Check(context.Background(), "borderline query")
	if v.InDomain || v.Method != MethodLLM {
		t.Fatalf("Check() = %+v, want llm out", v)
	}
}

func TestCheckNoCollaboratorsPermissive(t *testing.T) {
	g := New(nil, nil, nil, testCfg())
	v := g.Check(context.Background(), "anything")
	if !v.InDomain {
		t.Fatalf("Check() with no collaborators = %+v, want permissive", v)
	}
}
