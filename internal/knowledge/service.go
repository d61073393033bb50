package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// MaxSnippets is the default number of snippets a lookup returns.
const MaxSnippets = 5

// ErrUnavailable is returned when no knowledge source is configured.
var ErrUnavailable = errors.New("knowledge: unavailable")

// ChunkStore persists knowledge chunks. storage.DB implements it with
// pgvector; MemoryChunks is the in-process variant.
type ChunkStore interface {
	UpsertKnowledge(ctx context.Context, c model.KnowledgeChunk, embedding *pgvector.Vector) (uuid.UUID, error)
	SearchKnowledge(ctx context.Context, query pgvector.Vector, limit int) ([]model.KnowledgeChunk, error)
	KnowledgeByTopicPrefix(ctx context.Context, prefixes []string, limit int) ([]model.KnowledgeChunk, error)
	CountKnowledge(ctx context.Context) (int, error)
}

// Lookup returns reference snippets for an analysis.
type Lookup interface {
	Relevant(ctx context.Context, stroke model.StrokeType, summary string, limit int) ([]string, error)
}

// Service answers knowledge lookups. Semantic search runs when a real
// embedder is configured and a summary is given; it goes to the Qdrant
// index when present, else to the chunk store's pgvector search.
type Service struct {
	chunks   ChunkStore
	embedder Embedder
	index    Index
	logger   *slog.Logger
}

// NewService creates a Service. embedder and index may be nil.
func NewService(chunks ChunkStore, embedder Embedder, index Index, logger *slog.Logger) *Service {
	return &Service{chunks: chunks, embedder: embedder, index: index, logger: logger}
}

func (s *Service) semantic() bool {
	if s.embedder == nil {
		return false
	}
	_, noop := s.embedder.(*NoopEmbedder)
	return !noop
}

// TopicPrefixes maps a stroke to the topic prefixes of its reference
// material. Every stroke also gets general drill material.
func TopicPrefixes(stroke model.StrokeType) []string {
	switch stroke {
	case model.StrokeFreestyle, model.StrokeBackstroke, model.StrokeBreaststroke, model.StrokeButterfly:
		return []string{string(stroke) + "_", "drills"}
	default:
		return []string{"drills"}
	}
}

// Relevant returns the content of up to limit chunks for stroke. With a
// summary and semantic search available the chunks are ranked by
// similarity to it; otherwise they are picked by topic.
func (s *Service) Relevant(ctx context.Context, stroke model.StrokeType, summary string, limit int) ([]string, error) {
	chunks, err := s.Search(ctx, stroke, summary, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Content) != "" {
			out = append(out, c.Content)
		}
	}
	return out, nil
}

// Search is Relevant returning whole chunks.
func (s *Service) Search(ctx context.Context, stroke model.StrokeType, summary string, limit int) ([]model.KnowledgeChunk, error) {
	if limit <= 0 {
		limit = MaxSnippets
	}
	if s.chunks == nil && s.index == nil {
		return nil, ErrUnavailable
	}

	if strings.TrimSpace(summary) != "" && s.semantic() {
		chunks, err := s.searchSimilar(ctx, summary, limit)
		if err == nil {
			return chunks, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("knowledge: semantic search failed, falling back to topics", "error", err)
	}

	if s.chunks == nil {
		return nil, ErrUnavailable
	}
	chunks, err := s.chunks.KnowledgeByTopicPrefix(ctx, TopicPrefixes(stroke), limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: topic lookup: %w", err)
	}
	return chunks, nil
}

func (s *Service) searchSimilar(ctx context.Context, text string, limit int) ([]model.KnowledgeChunk, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	if s.index != nil {
		return s.index.Query(ctx, vec.Slice(), "", limit)
	}
	if s.chunks == nil {
		return nil, ErrUnavailable
	}
	return s.chunks.SearchKnowledge(ctx, vec, limit)
}

// Import embeds and stores chunks, returning how many were written. The
// chunk store is the source of truth; the index is updated afterwards.
func (s *Service) Import(ctx context.Context, chunks []model.KnowledgeChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	if s.chunks == nil {
		return 0, ErrUnavailable
	}

	var vecs []pgvector.Vector
	if s.semantic() {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Title + "\n\n" + c.Content
		}
		var err error
		if vecs, err = s.embedder.EmbedBatch(ctx, texts); err != nil {
			return 0, fmt.Errorf("knowledge: embed chunks: %w", err)
		}
	}

	points := make([]Point, 0, len(chunks))
	for i, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = ChunkID(c)
		}
		var vec *pgvector.Vector
		if vecs != nil {
			vec = &vecs[i]
		}
		id, err := s.chunks.UpsertKnowledge(ctx, c, vec)
		if err != nil {
			return i, err
		}
		c.ID = id
		if vec != nil {
			points = append(points, Point{Chunk: c, Embedding: vec.Slice()})
		}
	}

	if s.index != nil && len(points) > 0 {
		if err := s.index.Upsert(ctx, points); err != nil {
			return len(chunks), fmt.Errorf("knowledge: index chunks: %w", err)
		}
	}
	s.logger.Info("knowledge: imported chunks", "count", len(chunks), "embedded", len(points))
	return len(chunks), nil
}

// Healthy reports whether the configured sources are reachable.
func (s *Service) Healthy(ctx context.Context) error {
	if s.index != nil {
		return s.index.Healthy(ctx)
	}
	if s.chunks == nil {
		return ErrUnavailable
	}
	if _, err := s.chunks.CountKnowledge(ctx); err != nil {
		return fmt.Errorf("knowledge: count: %w", err)
	}
	return nil
}

var chunkNamespace = uuid.MustParse("5b0f7f5e-8a43-4d1c-9c55-3c1f2f7c9a10")

// ChunkID derives a stable ID from a chunk's natural key.
func ChunkID(c model.KnowledgeChunk) uuid.UUID {
	return uuid.NewSHA1(chunkNamespace, []byte(c.Source+"\x00"+c.Topic+"\x00"+c.Title))
}

func hasTopicPrefix(topic string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// MemoryChunks is an in-process ChunkStore used when no database is
// configured and in tests.
type MemoryChunks struct {
	mu     sync.RWMutex
	chunks map[string]memoryChunk
}

type memoryChunk struct {
	chunk model.KnowledgeChunk
	vec   []float32
}

// NewMemoryChunks returns an empty MemoryChunks.
func NewMemoryChunks() *MemoryChunks {
	return &MemoryChunks{chunks: make(map[string]memoryChunk)}
}

func naturalKey(c model.KnowledgeChunk) string {
	return c.Source + "\x00" + c.Topic + "\x00" + c.Title
}

// UpsertKnowledge stores c keyed by (source, topic, title).
func (m *MemoryChunks) UpsertKnowledge(_ context.Context, c model.KnowledgeChunk, embedding *pgvector.Vector) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := naturalKey(c)
	existing, ok := m.chunks[key]
	if ok {
		c.ID = existing.chunk.ID
	} else if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Similarity = 0
	entry := memoryChunk{chunk: c, vec: existing.vec}
	if embedding != nil {
		entry.vec = append([]float32(nil), embedding.Slice()...)
	}
	m.chunks[key] = entry
	return c.ID, nil
}

// SearchKnowledge ranks embedded chunks by cosine similarity.
func (m *MemoryChunks) SearchKnowledge(_ context.Context, query pgvector.Vector, limit int) ([]model.KnowledgeChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := query.Slice()
	out := []model.KnowledgeChunk{}
	for _, e := range m.chunks {
		if e.vec == nil {
			continue
		}
		c := e.chunk
		c.Similarity = cosine(q, e.vec)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Title < out[j].Title
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// KnowledgeByTopicPrefix returns chunks whose topic starts with any of the
// prefixes, in topic then title order.
func (m *MemoryChunks) KnowledgeByTopicPrefix(_ context.Context, prefixes []string, limit int) ([]model.KnowledgeChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.KnowledgeChunk{}
	for _, e := range m.chunks {
		if hasTopicPrefix(e.chunk.Topic, prefixes) {
			out = append(out, e.chunk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Title < out[j].Title
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountKnowledge returns the number of stored chunks.
func (m *MemoryChunks) CountKnowledge(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks), nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
