// Package rewrite implements the query rewriter (C9): a retrieval-
// optimized reformulation of the user's query, optionally augmented with
// allergy/exclusion constraints. Constraints are extracted from the query
// alone; recent history is passed to the model only as a hint and is not
// scanned for constraints.
package rewrite

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/cookrag/cookrag/llm"
)

// triggerPattern matches Korean and English phrasings of an allergy,
// exclusion, or substitution request.
var triggerPattern = regexp.MustCompile(`(?i)` +
	`못\s*먹|안\s*먹|빼고|제외|알레르기|알러지|대체|없이|말고` +
	`|allerg|without|exclude|except|substitut|instead of|no\s+\w+`)

// allergenSynonyms maps a canonical allergen key to the substrings (Korean
// and English) that identify it in free text. Matching is substring-based
// against the lowercased query.
var allergenSynonyms = map[string][]string{
	"egg":      {"계란", "달걀", "egg"},
	"milk":     {"우유", "유제품", "milk", "dairy", "lactose"},
	"peanut":   {"땅콩", "peanut"},
	"tree_nut": {"견과", "호두", "아몬드", "캐슈", "nut", "almond", "walnut", "cashew"},
	"wheat":    {"밀가루", "밀", "glúten", "gluten", "wheat", "flour"},
	"soy":      {"대두", "콩", "soy", "soybean"},
	"shellfish": {"새우", "게", "조개", "shellfish", "shrimp", "crab", "clam"},
	"fish":     {"생선", "fish"},
	"sesame":   {"참깨", "sesame"},
	"meat":     {"고기", "육류", "meat", "beef", "pork", "chicken"},
}

// constraintLabels is the human-readable label attached to the constraint
// clause for each allergen key.
var constraintLabels = map[string]string{
	"egg":       "egg",
	"milk":      "dairy",
	"peanut":    "peanut",
	"tree_nut":  "tree nuts",
	"wheat":     "wheat/gluten",
	"soy":       "soy",
	"shellfish": "shellfish",
	"fish":      "fish",
	"sesame":    "sesame",
	"meat":      "meat",
}

// Result is the rewriter's output.
type Result struct {
	RewrittenQuery string
	Constraints    []string // canonical allergen keys detected, if any
	Triggered      bool
}

const rewritePrompt = `다음 사용자 질문을 레시피 검색에 최적화된 형태로 간결하게 다시 작성하라. 핵심 요리/재료/조리법 키워드를 보존하라.
%s

질문: %s`

// Rewrite detects allergy/exclusion/substitution intent via a fixed
// trigger regex, extracts canonical allergen keys by synonym match, and
// asks chat for a retrieval-optimized reformulation. On LLM failure it
// returns the original query unchanged, with the constraint clause
// appended when triggered.
func Rewrite(ctx context.Context, chat llm.Provider, query, recentContext string) Result {
	keys := detectAllergens(query)
	triggered := triggerPattern.MatchString(query) && len(keys) > 0

	constraintClause := ""
	if triggered {
		constraintClause = buildConstraintClause(keys)
	}

	if chat == nil {
		return Result{RewrittenQuery: appendConstraint(query, constraintClause), Constraints: keys, Triggered: triggered}
	}

	hint := constraintClause
	if recentContext != "" {
		if hint != "" {
			hint += "\n"
		}
		hint += "[참고 대화 맥락]\n" + recentContext
	}

	resp, err := chat.Chat(ctx, llm.ChatRequest{
		Messages:    []llm.Message{{Role: "user", Content: strings.Replace(strings.Replace(rewritePrompt, "%s", hint, 1), "%s", query, 1)}},
		Temperature: 0,
	})
	if err != nil {
		slog.Warn("rewrite: llm call failed, returning original query", "error", err)
		return Result{RewrittenQuery: appendConstraint(query, constraintClause), Constraints: keys, Triggered: triggered}
	}

	rewritten := strings.TrimSpace(resp.Content)
	if rewritten == "" {
		rewritten = query
	}
	return Result{RewrittenQuery: appendConstraint(rewritten, constraintClause), Constraints: keys, Triggered: triggered}
}

func detectAllergens(query string) []string {
	q := strings.ToLower(query)
	var keys []string
	seen := make(map[string]bool)
	for key, synonyms := range allergenSynonyms {
		for _, s := range synonyms {
			if strings.Contains(q, strings.ToLower(s)) {
				if !seen[key] {
					seen[key] = true
					keys = append(keys, key)
				}
				break
			}
		}
	}
	// Map iteration order is randomized; the constraint clause must read
	// the same for the same query every time.
	sort.Strings(keys)
	return keys
}

func buildConstraintClause(keys []string) string {
	labels := make([]string, len(keys))
	for i, k := range keys {
		if l, ok := constraintLabels[k]; ok {
			labels[i] = l
		} else {
			labels[i] = k
		}
	}
	return "[제약] 다음 재료를 포함하지 않는 레시피만 고려: " + strings.Join(labels, ", ")
}

func appendConstraint(query, clause string) string {
	if clause == "" {
		return query
	}
	return strings.TrimSpace(query) + "\n" + clause
}
