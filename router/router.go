// Package router implements intent classification (C8): a structured LLM
// call with a JSON-mode retry, falling back to keyword heuristics when the
// model is unavailable or returns something unusable.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cookrag/cookrag/llm"
)

// Intent is a classified query purpose.
type Intent string

const (
	IntentRecipe        Intent = "recipe"
	IntentDishOverview   Intent = "dish_overview"
	IntentStorage       Intent = "storage"
	IntentSubstitution  Intent = "substitution"
	IntentNutrition     Intent = "nutrition"
	IntentEquipment     Intent = "equipment"
	IntentShopping      Intent = "shopping"
	IntentClarify       Intent = "clarify"
	IntentUnknown       Intent = "unknown"
	IntentOutOfDomain   Intent = "out_of_domain"
)

// supportedIntents is the closed set a classification must land in;
// clarify is included so downstream orchestration can request it
// directly, but the heuristic fallback never selects it on its own.
var supportedIntents = map[Intent]bool{
	IntentRecipe:       true,
	IntentDishOverview: true,
	IntentStorage:      true,
	IntentSubstitution: true,
	IntentNutrition:    true,
	IntentEquipment:    true,
	IntentShopping:     true,
	IntentClarify:      true,
	IntentUnknown:      true,
	IntentOutOfDomain:  true,
}

// Result is the router's output.
type Result struct {
	Intent         Intent
	NeedsRetrieval bool
	Notes          string
}

var domainCues = []string{
	"요리", "레시피", "만드는", "방법", "재료", "보관", "영양", "조리", "메뉴", "추천",
	"카레", "소스", "치킨", "수프", "찌개", "스튜", "볶음", "구이",
	"recipe", "cook", "cooking", "ingredients", "storage", "nutrition", "substitute", "dish",
}

func looksInDomain(text string) bool {
	if text == "" {
		return false
	}
	t := strings.ToLower(text)
	for _, cue := range domainCues {
		if strings.Contains(t, cue) {
			return true
		}
	}
	return false
}

type heuristicRule struct {
	pattern *regexp.Regexp
	intent  Intent
}

var heuristicRules = []heuristicRule{
	{regexp.MustCompile(`(?i)보관|온도|포장|냉동|보존|storage|shelf life|expire`), IntentStorage},
	{regexp.MustCompile(`(?i)대체|치환|없\s*이|substitut|replace|allerg`), IntentSubstitution},
	{regexp.MustCompile(`(?i)칼로리|영양|영양소|탄수|단백|지방|nutrition|calorie|macro|kcal`), IntentNutrition},
	{regexp.MustCompile(`(?i)도구|장비|에어\s*프라이어|팬|오븐|equipment|tool|pan|oven|air fryer`), IntentEquipment},
	{regexp.MustCompile(`(?i)구매|쇼핑|살까|사기|shopping|buy|purchase`), IntentShopping},
	{regexp.MustCompile(`(?i)무엇|뭐야|기원|유래|특징|overview|about`), IntentDishOverview},
	{regexp.MustCompile(`(?i)레시피|만드|어떻게|방법|steps|how to|make|cook`), IntentRecipe},
}

// semanticFallback classifies by keyword priority, defaulting to recipe/
// out_of_domain when nothing matches.
func semanticFallback(query string) (Intent, bool, string) {
	t := strings.ToLower(query)
	for _, r := range heuristicRules {
		if r.pattern.MatchString(t) {
			return r.intent, r.intent != IntentOutOfDomain, "semantic_fallback"
		}
	}
	if looksInDomain(query) {
		return IntentRecipe, true, "semantic_default"
	}
	return IntentOutOfDomain, false, "semantic_default"
}

type routeSchema struct {
	Intent         string `json:"intent"`
	NeedsRetrieval *bool  `json:"needs_retrieval"`
	Notes          string `json:"notes"`
}

const routerPrompt = `너는 요리 챗봇의 질의 의도를 분류하는 라우터다.
가능한 intent: recipe, dish_overview, storage, substitution, nutrition, equipment, shopping, clarify, unknown, out_of_domain.
JSON으로만 답하라: {"intent": "...", "needs_retrieval": true|false, "notes": "..."}

질문: %s`

// Route classifies query via chat (an LLM configured for JSON-mode output),
// falling back to keyword heuristics if the model call fails or the
// returned intent is not in the supported set.
func Route(ctx context.Context, chat llm.Provider, query, contextHint string) Result {
	if chat == nil {
		return heuristicResult(query, "")
	}

	prompt := query
	if contextHint != "" {
		prompt = query + "\n\n[참고맥락]\n" + contextHint
	}

	data, notes := callStructured(ctx, chat, prompt)
	intent := Intent(strings.TrimSpace(data.Intent))
	if !supportedIntents[intent] {
		sIntent, sNeed, sNote := semanticFallback(query)
		combined := joinNotes(notes, sNote)
		return Result{Intent: sIntent, NeedsRetrieval: sNeed, Notes: combined}
	}

	needsRetrieval := true
	if data.NeedsRetrieval != nil {
		needsRetrieval = *data.NeedsRetrieval
	}

	if intent == IntentOutOfDomain && looksInDomain(query) {
		sIntent, sNeed, _ := semanticFallback(query)
		if !supportedIntents[sIntent] {
			sIntent = IntentRecipe
		}
		return Result{Intent: sIntent, NeedsRetrieval: sNeed, Notes: joinNotes(notes, "overridden_from_ood_by_heuristic")}
	}

	return Result{Intent: intent, NeedsRetrieval: needsRetrieval, Notes: notes}
}

func heuristicResult(query, extraNote string) Result {
	intent, needs, note := semanticFallback(query)
	return Result{Intent: intent, NeedsRetrieval: needs, Notes: joinNotes(extraNote, note)}
}

// callStructured asks chat for a JSON-shaped Route. A first attempt relies
// on the prompt's own instruction to answer in JSON; if that fails to parse,
// one retry forces response_format=json_object. Both attempts failing falls
// through to the keyword heuristic.
func callStructured(ctx context.Context, chat llm.Provider, prompt string) (routeSchema, string) {
	if data, ok := tryStructured(ctx, chat, prompt, ""); ok {
		return data, strings.TrimSpace(data.Notes)
	}
	slog.Warn("router: first structured attempt failed, retrying with forced json_object")
	if data, ok := tryStructured(ctx, chat, prompt, "json_object"); ok {
		return data, strings.TrimSpace(data.Notes)
	}
	slog.Warn("router: structured call failed twice, using heuristic fallback")
	return routeSchema{}, ""
}

func tryStructured(ctx context.Context, chat llm.Provider, prompt, responseFormat string) (routeSchema, bool) {
	resp, err := chat.Chat(ctx, llm.ChatRequest{
		Messages:       []llm.Message{{Role: "user", Content: sprintfPrompt(prompt)}},
		ResponseFormat: responseFormat,
		Temperature:    0,
	})
	if err != nil {
		return routeSchema{}, false
	}
	var data routeSchema
	if err := json.Unmarshal([]byte(resp.Content), &data); err != nil {
		return routeSchema{}, false
	}
	return data, true
}

func sprintfPrompt(q string) string {
	return strings.Replace(routerPrompt, "%s", q, 1)
}

func joinNotes(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " | " + b
}
