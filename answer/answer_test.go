package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cookrag/cookrag/llm"
	"github.com/cookrag/cookrag/router"
)

type fakeChat struct {
	content string
	err     error
	lastReq llm.ChatRequest
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content}, nil
}
func (f *fakeChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func TestGenerateEmptyContextRefusesByDefault(t *testing.T) {
	chat := &fakeChat{content: "should not be used"}
	text, err := Generate(context.Background(), chat, Input{Query: "김치찌개", Intent: router.IntentRecipe}, Config{NoContextAnswering: false})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != noContextRefusal {
		t.Fatalf("Generate() = %q, want fixed refusal", text)
	}
}

func TestGenerateEmptyContextAllowedWhenEnabled(t *testing.T) {
	chat := &fakeChat{content: "일반적인 답변입니다."}
	text, err := Generate(context.Background(), chat, Input{Query: "김치찌개", Intent: router.IntentRecipe}, Config{NoContextAnswering: true})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "일반적인 답변입니다." {
		t.Fatalf("Generate() = %q", text)
	}
}

func TestGenerateCollapsesExcessBlankLines(t *testing.T) {
	chat := &fakeChat{content: "첫 줄\n\n\n\n둘째 줄"}
	text, err := Generate(context.Background(), chat, Input{Query: "q", Intent: router.IntentRecipe, Context: "맥락"}, Config{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if strings.Contains(text, "\n\n\n") {
		t.Fatalf("Generate() did not collapse blank lines: %q", text)
	}
}

func TestGenerateUsesUnknownIntentDefaultTemplate(t *testing.T) {
	chat := &fakeChat{content: "답변"}
	_, err := Generate(context.Background(), chat, Input{Query: "q", Intent: router.IntentUnknown, Context: "맥락"}, Config{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(chat.lastReq.Messages) == 0 || !strings.HasPrefix(chat.lastReq.Messages[0].Content, defaultTemplate.instruction) {
		t.Fatalf("Generate() system message = %+v, want default template instruction", chat.lastReq.Messages)
	}
}

func TestGenerateLLMFailure(t *testing.T) {
	chat := &fakeChat{err: errors.New("down")}
	_, err := Generate(context.Background(), chat, Input{Query: "q", Intent: router.IntentRecipe, Context: "맥락"}, Config{})
	if err == nil {
		t.Fatal("expected error from Generate() when chat fails")
	}
}
