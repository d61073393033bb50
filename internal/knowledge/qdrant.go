package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// Index is a vector index over knowledge chunks.
type Index interface {
	Upsert(ctx context.Context, points []Point) error
	Query(ctx context.Context, embedding []float32, topicPrefix string, limit int) ([]model.KnowledgeChunk, error)
	Healthy(ctx context.Context) error
}

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is one knowledge chunk with its embedding.
type Point struct {
	Chunk     model.KnowledgeChunk
	Embedding []float32
}

// QdrantIndex implements Index backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; the inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("knowledge: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("knowledge: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex connects to Qdrant over gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "swim_knowledge"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if missing and ensures the
// payload indexes exist. CreateFieldIndex is idempotent, so this also
// backfills indexes on collections created by older versions.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("knowledge: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("knowledge: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"topic", "source"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("knowledge: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// Upsert inserts or updates chunks. Chunks without an ID get one derived
// from their natural key so re-imports overwrite rather than duplicate.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		id := p.Chunk.ID
		if id == uuid.Nil {
			id = ChunkID(p.Chunk)
		}
		payload := map[string]any{
			"source":  p.Chunk.Source,
			"topic":   p.Chunk.Topic,
			"title":   p.Chunk.Title,
			"content": p.Chunk.Content,
		}
		if p.Chunk.Subtopic != "" {
			payload["subtopic"] = p.Chunk.Subtopic
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(id.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("knowledge: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Query returns the chunks nearest to embedding. Keyword indexes only
// match whole values, so a non-empty topicPrefix over-fetches and filters
// here.
func (q *QdrantIndex) Query(ctx context.Context, embedding []float32, topicPrefix string, limit int) ([]model.KnowledgeChunk, error) {
	if limit <= 0 {
		limit = MaxSnippets
	}
	fetch := uint64(limit) //nolint:gosec // limit is positive
	if topicPrefix != "" {
		fetch *= 4
	}

	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &fetch,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: qdrant query: %w", err)
	}

	out := make([]model.KnowledgeChunk, 0, len(scored))
	for _, sp := range scored {
		c := chunkFromPayload(sp.GetPayload())
		if topicPrefix != "" && !hasTopicPrefix(c.Topic, []string{topicPrefix}) {
			continue
		}
		if id, err := uuid.Parse(sp.Id.GetUuid()); err == nil {
			c.ID = id
		} else {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", sp.Id.GetUuid())
		}
		c.Similarity = float64(sp.Score)
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func chunkFromPayload(p map[string]*qdrant.Value) model.KnowledgeChunk {
	str := func(k string) string {
		if v, ok := p[k]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	return model.KnowledgeChunk{
		Source:   str("source"),
		Topic:    str("topic"),
		Subtopic: str("subtopic"),
		Title:    str("title"),
		Content:  str("content"),
	}
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds and concurrent checks after expiry share one gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// singleflight shares the first caller's work, so the check must not
	// inherit any single caller's context.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("knowledge: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
