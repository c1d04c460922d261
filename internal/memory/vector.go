package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

// Compile-time check that VectorIndex implements VectorSearcher.
var _ VectorSearcher = (*VectorIndex)(nil)

// embeddingDim is the dimensionality of the hashed token-feature vectors.
// Normalized failure messages are short, so a small feature space is enough
// to separate the handful of failure families that matter.
const embeddingDim = 64

// VectorIndex is a brute-force cosine-similarity index over historical
// failure signatures. The run path only reads it; rows are written by the
// offline Reindex pass over the learning log.
type VectorIndex struct {
	db *sql.DB
}

// NewVectorIndex wraps an existing database handle. The signature_vectors
// table must already exist (created via migrations).
func NewVectorIndex(db *sql.DB) *VectorIndex {
	return &VectorIndex{db: db}
}

// Query embeds the normalized failure message and returns the topK most
// similar historical signatures with their remedies, ordered by similarity
// descending.
func (v *VectorIndex) Query(ctx context.Context, normalized string, topK int) ([]Candidate, error) {
	if topK <= 0 {
		topK = 3
	}
	query := Embed(normalized)
	if norm(query) == 0 {
		return nil, nil
	}

	rows, err := v.db.QueryContext(ctx, `SELECT signature, remedy_action, embedding FROM signature_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying signature vectors: %w", err)
	}
	defer rows.Close()

	var results []Candidate
	for rows.Next() {
		var c Candidate
		var blob []byte
		if err := rows.Scan(&c.Signature, &c.RemedyAction, &blob); err != nil {
			return nil, fmt.Errorf("scanning signature vector: %w", err)
		}
		stored, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.Signature, err)
		}
		c.Similarity = cosine(query, stored)
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signature vectors: %w", err)
	}

	sortBySimilarity(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Reindex rebuilds the vector index from confident remedy records, taking
// the most recent normalized message per signature from the learning log.
// Returns the number of indexed signatures.
func (v *VectorIndex) Reindex(ctx context.Context) (int, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT m.signature, m.remedy_action,
			(SELECT l.normalized FROM learning_log l
			 WHERE l.signature = m.signature AND l.normalized != ''
			 ORDER BY l.created_at DESC LIMIT 1)
		FROM memory_records m
		WHERE m.success_count > m.failure_count`)
	if err != nil {
		return 0, fmt.Errorf("querying confident remedies: %w", err)
	}

	type row struct {
		signature  string
		action     string
		normalized string
	}
	var pending []row
	for rows.Next() {
		var r row
		var normalized sql.NullString
		if err := rows.Scan(&r.signature, &r.action, &normalized); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning remedy: %w", err)
		}
		if !normalized.Valid || normalized.String == "" {
			continue
		}
		r.normalized = normalized.String
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning reindex transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM signature_vectors`); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("clearing signature vectors: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range pending {
		blob := encodeFloat32s(Embed(r.normalized))
		if _, err := tx.Exec(`
			INSERT INTO signature_vectors (signature, remedy_action, normalized, embedding, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			r.signature, r.action, r.normalized, blob, now,
		); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("indexing signature %s: %w", r.signature, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing reindex: %w", err)
	}
	return len(pending), nil
}

// Embed maps a normalized message onto a fixed-dimension feature vector by
// hashing its tokens into buckets, then L2-normalizing. Deterministic: the
// same text always embeds to the same vector.
func Embed(normalized string) []float32 {
	vec := make([]float32, embeddingDim)
	for _, token := range strings.Fields(normalized) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		bucket := sum % embeddingDim
		// Use one hash bit as the sign so unrelated tokens cancel rather
		// than pile up in popular buckets.
		if sum&(1<<31) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	n := norm(vec)
	if n > 0 {
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}

func norm(vec []float32) float32 {
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (float64(na) * float64(nb)))
}

// sortBySimilarity sorts candidates by similarity descending. Candidate sets
// are small (one row per historical signature), insertion sort is fine.
func sortBySimilarity(results []Candidate) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func encodeFloat32s(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32s(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	values := make([]float32, len(blob)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return values, nil
}
