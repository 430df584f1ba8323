// Package bm25 implements a lazily-built Okapi BM25 sparse index over a
// document corpus, with single-flight construction and single-file
// snapshot persistence.
package bm25

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/singleflight"

	"github.com/cookrag/cookrag/doc"
	"github.com/cookrag/cookrag/tokenizer"
)

const (
	k1 = 1.5
	b  = 0.75
)

// Result is a single scored hit from Search. Score is non-negative;
// higher is better.
type Result struct {
	Text  string
	Meta  doc.Metadata
	Score float64
}

// Snapshot is the on-disk representation of a built index.
type Snapshot struct {
	TokenizedCorpus [][]string     `json:"tokenized_corpus"`
	DocTexts        []string       `json:"doc_texts"`
	DocMetas        []doc.Metadata `json:"doc_metas"`
}

func (s *Snapshot) valid() bool {
	return len(s.TokenizedCorpus) == len(s.DocTexts) && len(s.DocTexts) == len(s.DocMetas)
}

// Index is the in-memory Okapi BM25 index. It is built lazily on first use
// and is safe for concurrent read access once built.
type Index struct {
	snapshotPath string
	store        doc.VectorStore

	mu       sync.RWMutex
	built    bool
	snapshot Snapshot
	docFreq  map[string]int
	avgLen   float64

	group singleflight.Group
}

// New creates an index that bootstraps its corpus from store and persists
// to <basePath>/bm25_cache/bm25_index.json.
func New(basePath string, store doc.VectorStore) *Index {
	return &Index{
		snapshotPath: filepath.Join(basePath, "bm25_cache", "bm25_index.json"),
		store:        store,
	}
}

// ensureBuilt builds the index exactly once across concurrent callers.
// First callers trigger the build (loading the snapshot if present and
// consistent, otherwise constructing from the store); subsequent callers
// block until the build completes. Reads after the build are not
// lock-free: this check and Search each take the shared read lock.
func (idx *Index) ensureBuilt(ctx context.Context) error {
	idx.mu.RLock()
	if idx.built {
		idx.mu.RUnlock()
		return nil
	}
	idx.mu.RUnlock()

	_, err, _ := idx.group.Do("build", func() (interface{}, error) {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		if idx.built {
			return nil, nil
		}
		return nil, idx.buildLocked(ctx)
	})
	return err
}

func (idx *Index) buildLocked(ctx context.Context) error {
	if snap, ok := idx.loadSnapshot(); ok && snap.valid() {
		idx.snapshot = snap
		idx.finalizeLocked()
		slog.Info("bm25: loaded cached snapshot", "docs", len(snap.DocTexts))
		return nil
	}

	if idx.store == nil {
		idx.snapshot = Snapshot{}
		idx.finalizeLocked()
		return nil
	}

	docs, err := idx.store.AllDocuments(ctx)
	if err != nil {
		return fmt.Errorf("bm25: bootstrap from store: %w", err)
	}

	snap := Snapshot{
		TokenizedCorpus: make([][]string, len(docs)),
		DocTexts:        make([]string, len(docs)),
		DocMetas:        make([]doc.Metadata, len(docs)),
	}
	for i, d := range docs {
		snap.TokenizedCorpus[i] = tokenizer.Tokens(d.Text)
		snap.DocTexts[i] = d.Text
		snap.DocMetas[i] = d.Metadata
	}
	idx.snapshot = snap
	idx.finalizeLocked()

	// Persistence is fire-and-forget: a failure here must not fail the
	// request that triggered the build.
	go func() {
		if err := idx.saveSnapshot(snap); err != nil {
			slog.Warn("bm25: snapshot persist failed", "error", err)
		}
	}()

	return nil
}

// finalizeLocked computes document frequencies and average document length
// from idx.snapshot. Caller must hold idx.mu for writing.
func (idx *Index) finalizeLocked() {
	idx.docFreq = make(map[string]int)
	var totalLen int
	for _, tokens := range idx.snapshot.TokenizedCorpus {
		totalLen += len(tokens)
		seen := make(map[string]bool, len(tokens))
		for _, tok := range tokens {
			if !seen[tok] {
				seen[tok] = true
				idx.docFreq[tok]++
			}
		}
	}
	if n := len(idx.snapshot.TokenizedCorpus); n > 0 {
		idx.avgLen = float64(totalLen) / float64(n)
	}
	idx.built = true
}

// Search returns the top k scoring documents for query. An empty corpus
// yields an empty result with no error.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if err := idx.ensureBuilt(ctx); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.snapshot.TokenizedCorpus)
	if n == 0 {
		return nil, nil
	}

	queryTokens := tokenizer.Tokens(query)
	scores := make([]float64, n)
	for i, docTokens := range idx.snapshot.TokenizedCorpus {
		scores[i] = idx.scoreLocked(queryTokens, docTokens, n)
	}

	results := make([]Result, 0, n)
	for i, s := range scores {
		if s <= 0 {
			continue
		}
		results = append(results, Result{
			Text:  idx.snapshot.DocTexts[i],
			Meta:  idx.snapshot.DocMetas[i],
			Score: s,
		})
	}

	sortResultsDesc(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (idx *Index) scoreLocked(queryTokens, docTokens []string, n int) float64 {
	if len(docTokens) == 0 {
		return 0
	}
	termFreq := make(map[string]int, len(docTokens))
	for _, t := range docTokens {
		termFreq[t]++
	}
	docLen := float64(len(docTokens))

	var score float64
	for _, qt := range queryTokens {
		tf, ok := termFreq[qt]
		if !ok {
			continue
		}
		df := idx.docFreq[qt]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		num := float64(tf) * (k1 + 1)
		den := float64(tf) + k1*(1-b+b*docLen/idx.avgLen)
		score += idf * num / den
	}
	return score
}

func sortResultsDesc(results []Result) {
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}

func (idx *Index) loadSnapshot() (Snapshot, bool) {
	data, err := os.ReadFile(idx.snapshotPath)
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		slog.Warn("bm25: snapshot decode failed, rebuilding", "error", err)
		return Snapshot{}, false
	}
	return snap, true
}

func (idx *Index) saveSnapshot(snap Snapshot) error {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(idx.snapshotPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(idx.snapshotPath, data, 0o644)
}
