package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kontomat/backend/internal/rag"
)

// ChunkStore persists the legal corpus so the in-memory index can be
// rebuilt at boot with its embeddings intact.
type ChunkStore struct {
	db *sql.DB
}

func NewChunkStore(db *sql.DB) *ChunkStore { return &ChunkStore{db: db} }

func (s *ChunkStore) PutChunk(ctx context.Context, c *rag.Chunk) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal chunk: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO law_chunks (id, law_code, article, paragraph, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload
	`, c.ID, c.LawCode, c.Article, c.Paragraph, payload)
	if err != nil {
		return fmt.Errorf("store: put chunk: %w", err)
	}
	return nil
}

func (s *ChunkStore) Chunks(ctx context.Context) ([]*rag.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM law_chunks ORDER BY law_code, article`)
	if err != nil {
		return nil, fmt.Errorf("store: chunks: %w", err)
	}
	defer rows.Close()

	var out []*rag.Chunk
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c rag.Chunk
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("store: decode chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
