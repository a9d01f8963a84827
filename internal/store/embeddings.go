package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// AddMentionEmbedding stores an embedding vector for a mention.
// Replaces any existing vector for the same mention.
func (s *SQLiteStore) AddMentionEmbedding(ctx context.Context, mentionID string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for mention %s", mentionID)
	}
	blob := float32ToBytes(vector)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mention_embeddings (mention_id, vector, dimensions) VALUES (?, ?, ?)
		 ON CONFLICT(mention_id) DO UPDATE SET vector = excluded.vector, dimensions = excluded.dimensions`,
		mentionID, blob, len(vector),
	)
	if err != nil {
		return fmt.Errorf("storing embedding for mention %s: %w", mentionID, err)
	}
	return nil
}

// GetMentionEmbedding retrieves the stored vector for a mention.
// Returns nil when no embedding exists yet.
func (s *SQLiteStore) GetMentionEmbedding(ctx context.Context, mentionID string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT vector FROM mention_embeddings WHERE mention_id = ?", mentionID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting embedding for mention %s: %w", mentionID, err)
	}
	return bytesToFloat32(blob), nil
}

// GetMentionEmbeddings retrieves vectors for multiple mentions in one query.
// Mentions without a stored vector are simply absent from the result map.
func (s *SQLiteStore) GetMentionEmbeddings(ctx context.Context, mentionIDs []string) (map[string][]float32, error) {
	if len(mentionIDs) == 0 {
		return map[string][]float32{}, nil
	}

	placeholders := make([]string, len(mentionIDs))
	args := make([]interface{}, len(mentionIDs))
	for i, id := range mentionIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT mention_id, vector FROM mention_embeddings WHERE mention_id IN (%s)",
			strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return nil, fmt.Errorf("getting mention embeddings: %w", err)
	}
	defer rows.Close()

	vectors := make(map[string][]float32, len(mentionIDs))
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding row: %w", err)
		}
		vectors[id] = bytesToFloat32(blob)
	}
	return vectors, rows.Err()
}

// ListMentionIDsWithoutEmbeddings returns mention ids that still need a
// vector, oldest first.
func (s *SQLiteStore) ListMentionIDsWithoutEmbeddings(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id FROM mentions m
		 LEFT JOIN mention_embeddings e ON m.id = e.mention_id
		 WHERE e.mention_id IS NULL
		 ORDER BY m.imported_at, m.id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing mentions without embeddings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning mention id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
