// Package retrieval implements hybrid dense+sparse document retrieval
// (C3) and the post-retrieval filter (C4).
package retrieval

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/cookrag/cookrag/bm25"
	"github.com/cookrag/cookrag/doc"
)

// ErrRetrievalUnavailable is returned when both the dense and sparse
// retrieval paths fail for the same request.
var ErrRetrievalUnavailable = errors.New("retrieval: both dense and sparse search failed")

// candidate is a unique document identified by (url, title, hash of the
// first 200 characters of its text), carrying whatever score information
// is known.
type candidate struct {
	key  string
	doc  doc.Document
	dense bool // known from dense search
	sparse bool
	similarity float64 // 1 - distance, only meaningful if dense
}

func candidateKey(d doc.Document) string {
	h := sha1.Sum([]byte(truncate(d.Text, 200)))
	return d.Metadata.SourceURL + "|" + d.Metadata.Title + "|" + hex.EncodeToString(h[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Config holds hybrid-retriever tuning parameters.
type Config struct {
	Alpha       float64 // dense weight, [0,1]
	KRRF        int     // >=1
	FetchKRatio int     // fetch_k = FetchKRatio * k when not overridden
}

// Engine performs hybrid retrieval combining dense vector search and the
// sparse BM25 index, fused by Reciprocal Rank Fusion.
type Engine struct {
	store doc.VectorStore
	sparse *bm25.Index
	cfg   Config
}

// New creates a hybrid retrieval engine. sparse may be nil, in which case
// every search degrades to pure dense retrieval.
func New(store doc.VectorStore, sparse *bm25.Index, cfg Config) *Engine {
	if cfg.KRRF < 1 {
		cfg.KRRF = 60
	}
	if cfg.FetchKRatio < 1 {
		cfg.FetchKRatio = 2
	}
	return &Engine{store: store, sparse: sparse, cfg: cfg}
}

// Trace records retrieval metrics for observability, mirroring the
// request/response retrieval_metrics payload.
type Trace struct {
	DenseResults  int
	SparseResults int
	FusedResults  int
	DenseFailed   bool
	SparseFailed  bool
	DegradedDense bool
}

// Search fetches fetchK candidates from dense and sparse retrieval
// concurrently, fuses them via RRF, and returns the top k. If sparse
// search fails, it degrades to pure dense retrieval (score=1-distance).
// Only fails with ErrRetrievalUnavailable if both paths fail.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]doc.ScoredDoc, *Trace, error) {
	fetchK := k * e.cfg.FetchKRatio
	if fetchK < k {
		fetchK = k
	}

	var denseResults []doc.ScoredPair
	var sparseResults []bm25.Result
	var denseErr, sparseErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseResults, denseErr = e.store.SimilaritySearchWithScore(gctx, query, fetchK)
		if denseErr != nil {
			slog.Warn("retrieval: dense search failed", "error", denseErr)
		}
		return nil
	})
	g.Go(func() error {
		if e.sparse == nil {
			sparseErr = errors.New("retrieval: sparse index disabled")
			return nil
		}
		sparseResults, sparseErr = e.sparse.Search(gctx, query, fetchK)
		if sparseErr != nil {
			slog.Warn("retrieval: sparse search failed", "error", sparseErr)
		}
		return nil
	})
	_ = g.Wait()

	trace := &Trace{DenseFailed: denseErr != nil, SparseFailed: sparseErr != nil}

	if denseErr != nil && sparseErr != nil {
		return nil, trace, fmt.Errorf("%w: dense=%v sparse=%v", ErrRetrievalUnavailable, denseErr, sparseErr)
	}

	if sparseErr != nil {
		// Degrade to pure dense with score = 1 - distance.
		trace.DegradedDense = true
		out := make([]doc.ScoredDoc, 0, len(denseResults))
		for i, r := range denseResults {
			if k > 0 && i >= k {
				break
			}
			out = append(out, doc.ScoredDoc{
				Document:      r.Document,
				Similarity:    1 - r.Distance,
				HasSimilarity: true,
				Rank:          i + 1,
			})
		}
		trace.DenseResults = len(denseResults)
		trace.FusedResults = len(out)
		return out, trace, nil
	}

	trace.DenseResults = len(denseResults)
	trace.SparseResults = len(sparseResults)

	denseCands := make([]candidate, 0, len(denseResults))
	for _, r := range denseResults {
		d := r.Document
		denseCands = append(denseCands, candidate{
			key:        candidateKey(d),
			doc:        d,
			dense:      true,
			similarity: 1 - r.Distance,
		})
	}
	sparseCands := make([]candidate, 0, len(sparseResults))
	for _, r := range sparseResults {
		d := doc.Document{Text: r.Text, Metadata: r.Meta}
		d.ID = doc.StableID(d.Text, d.Metadata)
		sparseCands = append(sparseCands, candidate{
			key:    candidateKey(d),
			doc:    d,
			sparse: true,
		})
	}

	fused := fuseRRF(denseCands, sparseCands, e.cfg.Alpha, e.cfg.KRRF)
	if k > 0 && len(fused) > k {
		fused = fused[:k]
	}

	out := make([]doc.ScoredDoc, len(fused))
	for i, f := range fused {
		sd := doc.ScoredDoc{Document: f.candidate.doc, Rank: i + 1}
		if f.candidate.dense {
			sd.Similarity = f.candidate.similarity
			sd.HasSimilarity = true
		}
		out[i] = sd
	}
	trace.FusedResults = len(out)

	return out, trace, nil
}
