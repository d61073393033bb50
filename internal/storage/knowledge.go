package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// UpsertKnowledge stores a chunk keyed by (source, topic, title). The
// embedding may be nil. The stored id is returned; it is the existing id
// when the chunk was already present.
func (db *DB) UpsertKnowledge(ctx context.Context, c model.KnowledgeChunk, embedding *pgvector.Vector) (uuid.UUID, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO knowledge_chunks (id, source, topic, subtopic, title, content, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (source, topic, title) DO UPDATE SET
		   subtopic = EXCLUDED.subtopic,
		   content = EXCLUDED.content,
		   embedding = COALESCE(EXCLUDED.embedding, knowledge_chunks.embedding)
		 RETURNING id`,
		c.ID, c.Source, c.Topic, c.Subtopic, c.Title, c.Content, embedding,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: upsert knowledge: %w", err)
	}
	return id, nil
}

// SearchKnowledge ranks embedded chunks by cosine similarity to query.
func (db *DB) SearchKnowledge(ctx context.Context, query pgvector.Vector, limit int) ([]model.KnowledgeChunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, source, topic, subtopic, title, content, 1 - (embedding <=> $1) AS similarity
		 FROM knowledge_chunks
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $2`, query, listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search knowledge: %w", err)
	}
	return scanKnowledge(rows)
}

// KnowledgeByTopicPrefix returns chunks whose topic starts with any of the
// prefixes, in topic then title order.
func (db *DB) KnowledgeByTopicPrefix(ctx context.Context, prefixes []string, limit int) ([]model.KnowledgeChunk, error) {
	patterns := make([]string, len(prefixes))
	for i, p := range prefixes {
		patterns[i] = p + "%"
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, source, topic, subtopic, title, content, 0::float8
		 FROM knowledge_chunks
		 WHERE topic LIKE ANY($1)
		 ORDER BY topic, title
		 LIMIT $2`, patterns, listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: knowledge by topic: %w", err)
	}
	return scanKnowledge(rows)
}

// CountKnowledge returns the number of stored chunks.
func (db *DB) CountKnowledge(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM knowledge_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count knowledge: %w", err)
	}
	return n, nil
}

func scanKnowledge(rows pgx.Rows) ([]model.KnowledgeChunk, error) {
	defer rows.Close()
	out := []model.KnowledgeChunk{}
	for rows.Next() {
		var c model.KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.Source, &c.Topic, &c.Subtopic, &c.Title, &c.Content, &c.Similarity); err != nil {
			return nil, fmt.Errorf("storage: scan knowledge: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
