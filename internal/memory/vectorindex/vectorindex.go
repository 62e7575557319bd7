package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
)

// Index is a thin wrapper over the sqlite embeddings table providing
// upsert and brute-force cosine-similarity search. Brute force is
// appropriate at the scale of one user's semantic memory (hundreds to
// low thousands of items); there is no ambition to scale this beyond a
// single-session cache.
type Index struct {
	db *sql.DB
}

// New wraps an already-opened, already-migrated vector cache database.
func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// Match is one nearest-neighbor search result.
type Match struct {
	ItemID     string
	Text       string
	Similarity float64
}

// Upsert stores or replaces the embedding for itemID.
func (idx *Index) Upsert(ctx context.Context, itemID, text string, vector []float64) error {
	blob := encodeVector(vector)
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO embeddings (item_id, text, vector, dims)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET text = excluded.text, vector = excluded.vector, dims = excluded.dims
	`, itemID, text, blob, len(vector))
	if err != nil {
		return fmt.Errorf("upsert embedding %s: %w", itemID, err)
	}
	return nil
}

// Delete removes an item's embedding.
func (idx *Index) Delete(ctx context.Context, itemID string) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM embeddings WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("delete embedding %s: %w", itemID, err)
	}
	return nil
}

// Search returns the topK items with highest cosine similarity to query
// (spec §4.7: "top-k semantic memory items (k=5)").
func (idx *Index) Search(ctx context.Context, query []float64, topK int) ([]Match, error) {
	rows, err := idx.db.QueryContext(ctx, `SELECT item_id, text, vector FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var all []Match
	for rows.Next() {
		var itemID, text string
		var blob []byte
		if err := rows.Scan(&itemID, &text, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		vec := decodeVector(blob)
		all = append(all, Match{ItemID: itemID, Text: text, Similarity: cosineSimilarity(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	sortMatchesDescending(all)
	if topK > 0 && len(all) > topK {
		all = all[:topK]
	}
	return all, nil
}

// Rebuild truncates the cache, letting the caller repopulate it from the
// authoritative semantic-memory JSON files (spec §6 source of truth).
func (idx *Index) Rebuild(ctx context.Context) error {
	_, err := idx.db.ExecContext(ctx, `DELETE FROM embeddings`)
	if err != nil {
		return fmt.Errorf("truncate embeddings: %w", err)
	}
	return nil
}

func sortMatchesDescending(matches []Match) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Similarity > matches[j-1].Similarity; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float64 {
	out := make([]float64, len(buf)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}
