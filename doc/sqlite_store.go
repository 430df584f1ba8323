package doc

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// SQLiteVectorStore is a reference VectorStore backed by sqlite-vec,
// provided so a host application can stand up a real embedded vector index
// without pulling in an external service. Given an embedder it is a
// drop-in VectorStore; without one only the by-vector search is usable.
type SQLiteVectorStore struct {
	db       *sql.DB
	dim      int
	embedder Embedder
}

// OpenSQLiteVectorStore opens (creating if absent) a sqlite-vec database at
// path with the given embedding dimension. embedder may be nil when the
// caller only ever searches by pre-computed vector.
func OpenSQLiteVectorStore(path string, dim int, embedder Embedder) (*SQLiteVectorStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS cookrag_documents (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	metadata TEXT NOT NULL
);
CREATE VIRTUAL TABLE IF NOT EXISTS cookrag_vectors USING vec0(
	id TEXT PRIMARY KEY,
	embedding float[%d]
);
`, dim)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteVectorStore{db: db, dim: dim, embedder: embedder}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteVectorStore) Close() error {
	return s.db.Close()
}

// Upsert stores a document and its embedding vector.
func (s *SQLiteVectorStore) Upsert(ctx context.Context, d Document, embedding []float32) error {
	metaJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cookrag_documents (id, text, metadata) VALUES (?, ?, ?)`,
		d.ID, d.Text, string(metaJSON)); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	vecBytes := serializeFloat32(embedding)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cookrag_vectors (id, embedding) VALUES (?, ?)`,
		d.ID, vecBytes); err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return tx.Commit()
}

// SimilaritySearchWithScore embeds query with the store's embedder and runs
// a k-NN search against the vector table.
func (s *SQLiteVectorStore) SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]ScoredPair, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("doc: SQLiteVectorStore opened without an embedder; use SimilaritySearchByVector")
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("doc: embed query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("doc: embedder returned no vector for query")
	}
	return s.SimilaritySearchByVector(ctx, vecs[0], k)
}

// SimilaritySearchByVector runs a k-NN search against the sqlite-vec virtual
// table using an already-computed query embedding.
func (s *SQLiteVectorStore) SimilaritySearchByVector(ctx context.Context, embedding []float32, k int) ([]ScoredPair, error) {
	vecBytes := serializeFloat32(embedding)
	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, d.text, d.metadata, v.distance
FROM cookrag_vectors v
JOIN cookrag_documents d ON d.id = v.id
WHERE v.embedding MATCH ? AND k = ?
ORDER BY v.distance
`, vecBytes, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []ScoredPair
	for rows.Next() {
		var id, text, metaJSON string
		var dist float64
		if err := rows.Scan(&id, &text, &metaJSON, &dist); err != nil {
			return nil, err
		}
		var meta Metadata
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		out = append(out, ScoredPair{
			Document: Document{ID: id, Text: text, Metadata: meta},
			Distance: dist,
		})
	}
	return out, rows.Err()
}

func (s *SQLiteVectorStore) MaxMarginalRelevanceSearch(ctx context.Context, query string, k, fetchK int, lambda float64) ([]Document, error) {
	return nil, fmt.Errorf("doc: SQLiteVectorStore does not support MMR search")
}

func (s *SQLiteVectorStore) AllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, metadata FROM cookrag_documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var id, text, metaJSON string
		if err := rows.Scan(&id, &text, &metaJSON); err != nil {
			return nil, err
		}
		var meta Metadata
		_ = json.Unmarshal([]byte(metaJSON), &meta)
		out = append(out, Document{ID: id, Text: text, Metadata: meta})
	}
	return out, rows.Err()
}
