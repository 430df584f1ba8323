// Package answer implements the answer generator (C10): a single-turn,
// intent-specific grounded response produced from a query, a selected
// prompt template, the built context, and recent history.
package answer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cookrag/cookrag/llm"
	"github.com/cookrag/cookrag/router"
	"github.com/cookrag/cookrag/session"
)

// Config holds C10 tuning parameters.
type Config struct {
	// NoContextAnswering, when false, makes Generate return the fixed
	// refusal whenever Context is empty instead of calling the model.
	NoContextAnswering bool
}

// Input is everything the generator needs for a single call.
type Input struct {
	Query     string
	Intent    router.Intent
	Context   string
	History   []session.Message
	ModelHint string
}

const noContextRefusal = "죄송하지만 관련된 레시피 정보를 찾지 못했어요. 질문을 조금 더 구체적으로 말씀해 주시겠어요?"

const faithfulnessRules = `규칙:
1. 제공된 맥락(context)에 없는 정보는 말하지 않는다.
2. 맥락의 표현과 수치를 임의로 바꾸지 않는다.
3. 일반화하거나 맥락에 없는 조언을 추가하지 않는다.
4. 맥락이 불충분하면 그 사실을 분명히 밝힌다.`

// template is a tagged prompt variant for one intent. No reflection is
// used to select one; Generate looks it up by a plain map keyed on the
// closed Intent enum.
type template struct {
	instruction string
}

var templates = map[router.Intent]template{
	router.IntentRecipe: {
		instruction: "사용자가 요청한 요리의 레시피(재료, 조리 순서)를 맥락에 기반해 안내하라.",
	},
	router.IntentDishOverview: {
		instruction: "해당 요리가 무엇인지, 유래나 특징을 맥락에 기반해 간단히 설명하라.",
	},
	router.IntentStorage: {
		instruction: "재료/음식의 보관 방법과 유통기한을 맥락에 기반해 안내하라.",
	},
	router.IntentSubstitution: {
		instruction: "요청된 재료의 대체재를 맥락에 기반해 제안하라. 맥락에 없는 대체재는 제안하지 않는다.",
	},
	router.IntentNutrition: {
		instruction: "영양 성분/칼로리 정보를 맥락에 기반해 안내하라.",
	},
	router.IntentEquipment: {
		instruction: "필요한 조리 도구와 사용법을 맥락에 기반해 안내하라.",
	},
	router.IntentShopping: {
		instruction: "구매/장보기에 필요한 재료 목록을 맥락에 기반해 안내하라.",
	},
}

var defaultTemplate = template{instruction: "사용자의 질문에 맥락에 기반해 답하라."}

var collapseBlankLines = regexp.MustCompile(`\n{3,}`)

// Generate produces a single-turn grounded answer. If in.Context is empty
// and no-context answering is disabled, it returns the fixed refusal
// without calling chat.
func Generate(ctx context.Context, chat llm.Provider, in Input, cfg Config) (string, error) {
	if strings.TrimSpace(in.Context) == "" && !cfg.NoContextAnswering {
		return noContextRefusal, nil
	}

	tmpl, ok := templates[in.Intent]
	if !ok {
		tmpl = defaultTemplate
	}

	messages := []llm.Message{{Role: "system", Content: tmpl.instruction + "\n\n" + faithfulnessRules}}
	messages = append(messages, recentHistoryMessages(in.History, 3)...)
	messages = append(messages, llm.Message{Role: "user", Content: buildUserPrompt(in.Query, in.Context)})

	resp, err := chat.Chat(ctx, llm.ChatRequest{
		Model:       in.ModelHint,
		Messages:    messages,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("answer: generation failed: %w", err)
	}

	text := strings.TrimSpace(resp.Content)
	text = collapseBlankLines.ReplaceAllString(text, "\n\n")
	return text, nil
}

func buildUserPrompt(query, context string) string {
	if context == "" {
		return query
	}
	return fmt.Sprintf("맥락:\n%s\n\n질문: %s", context, query)
}

// recentHistoryMessages returns up to the most recent nPairs user/
// assistant turns, converted to llm.Message in order.
func recentHistoryMessages(history []session.Message, nPairs int) []llm.Message {
	limit := nPairs * 2
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
