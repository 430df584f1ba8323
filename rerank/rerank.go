// Package rerank defines the cross-encoder reranking interface (C5) and the
// Rerank stage built on it; the default HTTP-backed implementation of the
// interface is llm.RerankClient. The same interface backs the grounding
// verifier's sentence/snippet scoring (C6).
package rerank

import (
	"context"
	"log/slog"
	"sort"
)

// Model scores (query, passage) pairs with a cross-encoder. Rerank returns
// one score per prompt, aligned by index.
type Model interface {
	Rerank(ctx context.Context, query string, prompts []string) ([]float32, error)
	Close() error
}

// Scored pairs a document index with its cross-encoder score.
type Scored struct {
	Index int
	Score float32
}

// Rerank re-scores the first min(topN, len(docs)) documents against query
// using model, stable-sorts them descending, and concatenates the
// untouched tail unchanged. If model is nil or scoring fails, docs pass
// through unchanged.
func Rerank(ctx context.Context, model Model, query string, docs []string, topN int) []int {
	order := make([]int, len(docs))
	for i := range order {
		order[i] = i
	}
	if model == nil || len(docs) == 0 {
		return order
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}

	head := docs[:topN]
	scores, err := model.Rerank(ctx, query, head)
	if err != nil || len(scores) != len(head) {
		slog.Warn("rerank: scoring failed, passing through unchanged", "error", err)
		return order
	}

	scored := make([]Scored, len(head))
	for i, s := range scores {
		scored[i] = Scored{Index: i, Score: s}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	out := make([]int, 0, len(docs))
	for _, s := range scored {
		out = append(out, s.Index)
	}
	out = append(out, order[topN:]...)
	return out
}
