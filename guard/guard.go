// Package guard implements the out-of-domain guard (C7): a hybrid
// moderation -> embedding-centroid -> LLM-tiebreak gate that runs before
// routing.
package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/cookrag/cookrag/llm"
)

// Method names the stage that produced a Verdict, useful for logging and
// tests asserting which path fired.
type Method string

const (
	MethodEmpty      Method = "empty"
	MethodModeration Method = "moderation"
	MethodEmbed      Method = "embed"
	MethodLLM        Method = "llm"
	MethodErrorOpen  Method = "error-permissive"
)

// Verdict is the outcome of the guard.
type Verdict struct {
	InDomain bool
	Refusal  string
	Score    float64
	HasScore bool
	Method   Method
}

// moderationRule pairs an OpenAI-moderation category key with the Korean
// refusal message shown when that category is flagged. Order matters: the
// first matching category wins.
type moderationRule struct {
	category string
	message  string
}

var moderationRules = []moderationRule{
	{"sexual/minors", "정책상 미성년자가 포함된 성적 내용은 엄격히 금지되어 답변할 수 없습니다."},
	{"self-harm/instructions", "자해/자살과 관련된 방법이나 조언은 제공할 수 없습니다."},
	{"violence/graphic", "잔혹하거나 매우 폭력적인 내용에는 답변할 수 없습니다."},
	{"illicit/violent", "폭력적 불법 행위에 대한 조언은 제공할 수 없습니다."},
	{"illicit", "불법 행위에 대한 조언은 제공할 수 없습니다."},
	{"hate/threatening", "혐오·차별적 내용에는 답변할 수 없습니다. 다른 방식으로 질문해 주세요."},
	{"hate", "혐오·차별적 내용에는 답변할 수 없습니다. 다른 방식으로 질문해 주세요."},
	{"harassment/threatening", "폭력적·협박적 표현은 허용되지 않습니다. 정중한 표현으로 바꿔 주세요."},
	{"harassment", "모욕적 표현은 허용되지 않습니다. 정중한 표현으로 질문해 주세요."},
	{"sexual", "성적·음란한 내용에는 답변할 수 없습니다."},
}

const genericModerationRefusal = "안전 및 정책상 해당 문의에는 답변할 수 없습니다."
const domainRefusal = "죄송해요. 해당 문의는 요리·레시피·조리·보관·영양 주제에 한해 답변해 드려요."
const emptyQueryMessage = "질문을 입력해 주세요. 요리·레시피·조리·재료·영양 주제에 맞춰 도와드릴게요."

var defaultPrototypes = []string{
	"이 요리는 어떻게 만들지?",
	"레시피 단계와 필요한 재료",
	"조리 시간과 온도는 어떻게 조절하지?",
	"남은 재료로 만들 수 있는 요리 추천",
	"보관 방법과 유통기한",
	"칼로리와 영양 성분 안내",
	"How to cook this dish?",
	"Recipe steps and ingredients list",
	"Cooking time and oven temperature",
	"Food storage and shelf life",
	"Calories and nutrition facts",
}

const classifierPrompt = `너는 질문이 '요리/레시피/조리/재료/보관/영양' 주제인지 분류하는 분류기다.
규칙: 해당하면 in, 아니면 out 만 출력(설명 금지).
질문: %s
`

// Config holds guard tuning parameters (mirrors Config's OOD-guard fields).
type Config struct {
	ModerationEnabled bool
	CentroidThreshold float64
	CentroidMargin    float64
	PrototypesPath    string
}

// Guard evaluates whether a query is in-domain, using a build-once
// embedding centroid cached for the process lifetime.
type Guard struct {
	moderation llm.ModerationProvider
	embedder   llm.Provider
	chat       llm.Provider
	cfg        Config

	mu       sync.Mutex
	centroid []float64
	built    bool
}

// New creates a Guard. moderation and chat may be nil to disable those
// stages (permissive fallback); embedder may be nil to skip the centroid
// stage entirely and fall straight through to the LLM tiebreak.
func New(moderation llm.ModerationProvider, embedder llm.Provider, chat llm.Provider, cfg Config) *Guard {
	return &Guard{moderation: moderation, embedder: embedder, chat: chat, cfg: cfg}
}

// Check runs the hybrid gate against query.
func (g *Guard) Check(ctx context.Context, query string) Verdict {
	q := strings.TrimSpace(query)
	if q == "" {
		return Verdict{InDomain: false, Refusal: emptyQueryMessage, Method: MethodEmpty}
	}

	if g.cfg.ModerationEnabled && g.moderation != nil {
		if v, blocked := g.checkModeration(ctx, q); blocked {
			return v
		}
	}

	if g.embedder != nil {
		if v, decided := g.checkCentroid(ctx, q); decided {
			return v
		}
	}

	return g.checkLLM(ctx, q)
}

func (g *Guard) checkModeration(ctx context.Context, q string) (Verdict, bool) {
	result, err := g.moderation.Moderate(ctx, q)
	if err != nil || result == nil {
		return Verdict{}, false
	}
	for _, rule := range moderationRules {
		if result.Categories[rule.category] {
			return Verdict{InDomain: false, Refusal: rule.message, Method: MethodModeration}, true
		}
	}
	if result.Flagged {
		return Verdict{InDomain: false, Refusal: genericModerationRefusal, Method: MethodModeration}, true
	}
	return Verdict{}, false
}

// checkCentroid returns (verdict, true) when the embedding score clears the
// decision band on either side; (zero, false) signals "fall through to the
// LLM tiebreak", matching the two-sided margin near the threshold.
func (g *Guard) checkCentroid(ctx context.Context, q string) (Verdict, bool) {
	centroid, err := g.ensureCentroid(ctx)
	if err != nil || centroid == nil {
		return Verdict{}, false
	}
	vecs, err := g.embedder.Embed(ctx, []string{q})
	if err != nil || len(vecs) == 0 {
		return Verdict{}, false
	}
	score := cosine(toFloat64(vecs[0]), centroid)
	lo := g.cfg.CentroidThreshold - g.cfg.CentroidMargin
	hi := g.cfg.CentroidThreshold + g.cfg.CentroidMargin
	switch {
	case score >= hi:
		return Verdict{InDomain: true, Score: score, HasScore: true, Method: MethodEmbed}, true
	case score <= lo:
		return Verdict{InDomain: false, Refusal: domainRefusal, Score: score, HasScore: true, Method: MethodEmbed}, true
	default:
		return Verdict{}, false
	}
}

func (g *Guard) checkLLM(ctx context.Context, q string) Verdict {
	if g.chat == nil {
		return Verdict{InDomain: true, Method: MethodErrorOpen}
	}
	resp, err := g.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: "user", Content: strings.Replace(classifierPrompt, "%s", q, 1)}},
	})
	if err != nil {
		slog.Warn("guard: llm tiebreak failed, defaulting permissive", "error", err)
		return Verdict{InDomain: true, Method: MethodErrorOpen}
	}
	verdict := strings.ToLower(strings.TrimSpace(resp.Content))
	if verdict == "in" {
		return Verdict{InDomain: true, Method: MethodLLM}
	}
	return Verdict{InDomain: false, Refusal: domainRefusal, Method: MethodLLM}
}

func (g *Guard) ensureCentroid(ctx context.Context) ([]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.built {
		return g.centroid, nil
	}
	protos := g.loadPrototypes()
	vecs, err := g.embedder.Embed(ctx, protos)
	if err != nil || len(vecs) == 0 {
		g.built = true
		g.centroid = nil
		return nil, err
	}
	dim := len(vecs[0])
	acc := make([]float64, dim)
	n := 0
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
		n++
	}
	if n == 0 {
		g.built = true
		return nil, nil
	}
	for i := range acc {
		acc[i] /= float64(n)
	}
	g.centroid = acc
	g.built = true
	return g.centroid, nil
}

func (g *Guard) loadPrototypes() []string {
	if g.cfg.PrototypesPath == "" {
		return defaultPrototypes
	}
	data, err := os.ReadFile(g.cfg.PrototypesPath)
	if err != nil {
		return defaultPrototypes
	}
	var parsed struct {
		PrototypesIn []string `json:"prototypes_in"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return defaultPrototypes
	}
	var out []string
	for _, s := range parsed.PrototypesIn {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultPrototypes
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na <= 0 || nb <= 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
