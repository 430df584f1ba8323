package bm25

import (
	"context"
	"testing"

	"github.com/cookrag/cookrag/doc"
)

type fakeStore struct {
	docs []doc.Document
}

func (f *fakeStore) SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]doc.ScoredPair, error) {
	return nil, nil
}
func (f *fakeStore) MaxMarginalRelevanceSearch(ctx context.Context, query string, k, fetchK int, lambda float64) ([]doc.Document, error) {
	return nil, nil
}
func (f *fakeStore) AllDocuments(ctx context.Context) ([]doc.Document, error) {
	return f.docs, nil
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	store := &fakeStore{docs: []doc.Document{
		{ID: "1", Text: "simmer the kimchi jjigae until the pork is tender"},
		{ID: "2", Text: "bake a chocolate cake with butter and sugar"},
		{ID: "3", Text: "kimchi jjigae needs gochugaru and fermented kimchi"},
	}}
	idx := New(t.TempDir(), store)
	return idx
}

func TestSearchRanksRelevantDocFirst(t *testing.T) {
	idx := newTestIndex(t)
	results, err := idx.Search(context.Background(), "kimchi jjigae", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search() returned no results")
	}
	for _, r := range results {
		if r.Score < 0 {
			t.Errorf("Search() score %f should be non-negative", r.Score)
		}
	}
	if results[0].Text != idx.snapshot.DocTexts[0] && results[0].Text != idx.snapshot.DocTexts[2] {
		t.Errorf("expected a kimchi jjigae doc ranked first, got %q", results[0].Text)
	}
}

func TestSearchEmptyCorpus(t *testing.T) {
	idx := New(t.TempDir(), &fakeStore{})
	results, err := idx.Search(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Search() on empty corpus returned error: %v", err)
	}
	if results != nil {
		t.Errorf("Search() on empty corpus = %v, want nil", results)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	base := t.TempDir()
	store := &fakeStore{docs: []doc.Document{
		{ID: "1", Text: "simmer the kimchi jjigae until the pork is tender"},
		{ID: "2", Text: "bake a chocolate cake with butter and sugar"},
		{ID: "3", Text: "kimchi jjigae needs gochugaru and fermented kimchi"},
	}}
	idx := New(base, store)
	ctx := context.Background()
	if err := idx.ensureBuilt(ctx); err != nil {
		t.Fatalf("ensureBuilt() error = %v", err)
	}
	if err := idx.saveSnapshot(idx.snapshot); err != nil {
		t.Fatalf("saveSnapshot() error = %v", err)
	}

	reloaded := New(base, &fakeStore{})
	before, err := idx.Search(ctx, "kimchi jjigae", 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	after, err := reloaded.Search(ctx, "kimchi jjigae", 5)
	if err != nil {
		t.Fatalf("Search() on reloaded index error = %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("result count mismatch after reload: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Text != after[i].Text {
			t.Errorf("result %d mismatch after reload: %q vs %q", i, before[i].Text, after[i].Text)
		}
	}
}

func TestSnapshotLengthInvariant(t *testing.T) {
	snap := Snapshot{
		TokenizedCorpus: [][]string{{"a"}, {"b"}},
		DocTexts:        []string{"a", "b"},
		DocMetas:        []doc.Metadata{{}, {}},
	}
	if !snap.valid() {
		t.Error("valid() = false for matching lengths, want true")
	}
	snap.DocMetas = []doc.Metadata{{}}
	if snap.valid() {
		t.Error("valid() = true for mismatched lengths, want false")
	}
}
