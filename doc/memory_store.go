package doc

import (
	"context"
	"math"
	"sort"
	"strings"
)

// MemoryVectorStore is a reference VectorStore implementation that keeps
// every document resident and scores similarity by token-overlap cosine
// distance over a bag-of-words representation. It exists for tests and for
// small corpora; production deployments are expected to supply a real
// embedding-backed VectorStore (see SQLiteVectorStore for one that wires an
// actual embedding model).
type MemoryVectorStore struct {
	docs []Document
	bags []map[string]float64
}

// NewMemoryVectorStore builds a store from a corpus of documents, indexing
// each by its bag-of-words representation.
func NewMemoryVectorStore(docs []Document) *MemoryVectorStore {
	bags := make([]map[string]float64, len(docs))
	for i, d := range docs {
		bags[i] = bagOfWords(d.Text)
	}
	return &MemoryVectorStore{docs: docs, bags: bags}
}

func (m *MemoryVectorStore) SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]ScoredPair, error) {
	qbag := bagOfWords(query)
	type scored struct {
		doc  Document
		dist float64
	}
	out := make([]scored, len(m.docs))
	for i, d := range m.docs {
		out[i] = scored{d, 1 - cosineBag(qbag, m.bags[i])}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	result := make([]ScoredPair, len(out))
	for i, s := range out {
		result[i] = ScoredPair{Document: s.doc, Distance: s.dist}
	}
	return result, nil
}

// MaxMarginalRelevanceSearch re-ranks the top fetchK candidates for
// relevance/diversity tradeoff, selecting k greedily: at each step pick the
// candidate maximizing lambda*relevance - (1-lambda)*max_similarity_to_chosen.
func (m *MemoryVectorStore) MaxMarginalRelevanceSearch(ctx context.Context, query string, k, fetchK int, lambda float64) ([]Document, error) {
	candidates, err := m.SimilaritySearchWithScore(ctx, query, fetchK)
	if err != nil {
		return nil, err
	}
	selected := make([]Document, 0, k)
	chosenBags := make([]map[string]float64, 0, k)
	remaining := candidates
	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestScore := math.Inf(-1)
		for i, c := range remaining {
			relevance := 1 - c.Distance
			diversity := 0.0
			cb := bagOfWords(c.Text)
			for _, sb := range chosenBags {
				if sim := cosineBag(cb, sb); sim > diversity {
					diversity = sim
				}
			}
			mmr := lambda*relevance - (1-lambda)*diversity
			if mmr > bestScore {
				bestScore = mmr
				bestIdx = i
			}
		}
		chosen := remaining[bestIdx]
		selected = append(selected, chosen.Document)
		chosenBags = append(chosenBags, bagOfWords(chosen.Text))
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected, nil
}

func (m *MemoryVectorStore) AllDocuments(ctx context.Context) ([]Document, error) {
	out := make([]Document, len(m.docs))
	copy(out, m.docs)
	return out, nil
}

func bagOfWords(text string) map[string]float64 {
	bag := make(map[string]float64)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		bag[w]++
	}
	return bag
}

func cosineBag(a, b map[string]float64) float64 {
	var dot, na, nb float64
	for k, av := range a {
		na += av * av
		if bv, ok := b[k]; ok {
			dot += av * bv
		}
	}
	for _, bv := range b {
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
