package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/testutil"
)

const sampleMarkdown = `# Freestyle reference

## Catch
**Source:** USA Swimming Technique Guide
**Topic:** freestyle_catch
**Subtopic:** early_vertical_forearm
Keep the elbow high during the catch so the forearm faces the back wall early.
The hand should enter in line with the shoulder.

---
**Source:** Too short
**Topic:** freestyle_kick
Kick small.

---
This chunk has plenty of content but no metadata lines at all, so it goes nowhere.

---
### Drills
**Source:** Coach notes
**Topic:** drills
Catch-up drill: one arm waits extended in front until the other completes its stroke cycle.
`

func TestParseMarkdown(t *testing.T) {
	chunks := ParseMarkdown(sampleMarkdown)
	require.Len(t, chunks, 2)

	first := chunks[0]
	assert.Equal(t, "USA Swimming Technique Guide", first.Source)
	assert.Equal(t, "freestyle_catch", first.Topic)
	assert.Equal(t, "early_vertical_forearm", first.Subtopic)
	assert.Equal(t, "Keep the elbow high during the catch so the forearm faces the back wall early.", first.Title)
	assert.NotContains(t, first.Content, "**Source:**")
	assert.NotContains(t, first.Content, "#")
	assert.True(t, strings.HasSuffix(first.Content, "in line with the shoulder."))

	second := chunks[1]
	assert.Equal(t, "drills", second.Topic)
	assert.Empty(t, second.Subtopic)
}

func TestParseMarkdownCRLFAndEmpty(t *testing.T) {
	assert.Empty(t, ParseMarkdown(""))
	crlf := strings.ReplaceAll(sampleMarkdown, "\n", "\r\n")
	assert.Len(t, ParseMarkdown(crlf), 2)
}

func TestTitleFromTruncates(t *testing.T) {
	long := strings.Repeat("a", 250)
	title := titleFrom(long + "\nsecond line")
	assert.Len(t, title, 200)
	assert.True(t, strings.HasSuffix(title, "..."))

	exact := strings.Repeat("b", 200)
	assert.Equal(t, exact, titleFrom(exact))
}

func TestParseYAML(t *testing.T) {
	doc := `
- source: Coach notes
  topic: backstroke_rotation
  content: |
    Rotate from the hips so the shoulder clears the water on recovery.
- source: Coach notes
  topic: drills
  title: Six-kick switch
  content: Kick six times on the side, then switch with one stroke.
`
	chunks, err := ParseYAML(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Rotate from the hips so the shoulder clears the water on recovery.", chunks[0].Title)
	assert.Equal(t, "Six-kick switch", chunks[1].Title)

	_, err = ParseYAML(strings.NewReader("- source: x\n  content: y\n"))
	assert.Error(t, err)

	chunks, err = ParseYAML(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestParseFileByExtension(t *testing.T) {
	chunks, err := ParseFile("kb.md", strings.NewReader(sampleMarkdown))
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	_, err = ParseFile("kb.YML", strings.NewReader("not: [a list"))
	assert.Error(t, err)
}

func TestTopicPrefixes(t *testing.T) {
	assert.Equal(t, []string{"butterfly_", "drills"}, TopicPrefixes(model.StrokeButterfly))
	assert.Equal(t, []string{"drills"}, TopicPrefixes(model.StrokeMixed))
}

// keywordEmbedder maps text onto a fixed axis per keyword, which makes
// similarity ordering predictable.
type keywordEmbedder struct {
	fail bool
}

var axes = []string{"catch", "kick", "breathing"}

func (keywordEmbedder) Dimensions() int { return len(axes) }

func (e keywordEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	if e.fail {
		return pgvector.Vector{}, errors.New("embedder down")
	}
	v := make([]float32, len(axes))
	for i, a := range axes {
		v[i] = float32(strings.Count(strings.ToLower(text), a))
	}
	return pgvector.NewVector(v), nil
}

func (e keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func seedChunks() []model.KnowledgeChunk {
	return []model.KnowledgeChunk{
		{Source: "s", Topic: "freestyle_catch", Title: "Catch", Content: "High elbow catch, press the catch back."},
		{Source: "s", Topic: "freestyle_kick", Title: "Kick", Content: "Kick from the hips with a narrow kick."},
		{Source: "s", Topic: "backstroke_breathing", Title: "Breathing", Content: "Breathing rhythm on backstroke."},
		{Source: "s", Topic: "drills", Title: "Fist drill", Content: "Swim with closed fists to feel the forearm."},
	}
}

func TestServiceTopicLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChunks()
	svc := NewService(store, NewNoopEmbedder(3), nil, testutil.TestLogger())

	n, err := svc.Import(ctx, seedChunks())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// Noop embedder disables semantic search even when a summary is given.
	got, err := svc.Relevant(ctx, model.StrokeFreestyle, "the catch is weak", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Swim with closed fists to feel the forearm.",
		"High elbow catch, press the catch back.",
		"Kick from the hips with a narrow kick.",
	}, got)

	got, err = svc.Relevant(ctx, model.StrokeMixed, "", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Swim with closed fists to feel the forearm."}, got)
}

func TestServiceSemanticLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChunks()
	svc := NewService(store, keywordEmbedder{}, nil, testutil.TestLogger())
	_, err := svc.Import(ctx, seedChunks())
	require.NoError(t, err)

	got, err := svc.Search(ctx, model.StrokeFreestyle, "their kick is too wide", 2)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "Kick", got[0].Title)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-9)

	// Without a summary the topic lookup is used.
	got, err = svc.Search(ctx, model.StrokeBackstroke, "", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "backstroke_breathing", got[0].Topic)
}

func TestServiceSemanticFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChunks()
	_, err := NewService(store, keywordEmbedder{}, nil, testutil.TestLogger()).Import(ctx, seedChunks())
	require.NoError(t, err)

	svc := NewService(store, keywordEmbedder{fail: true}, nil, testutil.TestLogger())
	got, err := svc.Relevant(ctx, model.StrokeBackstroke, "breathing", 5)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

type fakeIndex struct {
	points  []Point
	queries int
}

func (f *fakeIndex) Upsert(_ context.Context, points []Point) error {
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, _ string, limit int) ([]model.KnowledgeChunk, error) {
	f.queries++
	out := []model.KnowledgeChunk{}
	for _, p := range f.points {
		out = append(out, p.Chunk)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeIndex) Healthy(context.Context) error { return nil }

func TestServiceUsesIndexWhenConfigured(t *testing.T) {
	ctx := context.Background()
	idx := &fakeIndex{}
	svc := NewService(NewMemoryChunks(), keywordEmbedder{}, idx, testutil.TestLogger())
	_, err := svc.Import(ctx, seedChunks())
	require.NoError(t, err)
	require.Len(t, idx.points, 4)
	assert.Equal(t, ChunkID(seedChunks()[0]), idx.points[0].Chunk.ID)

	got, err := svc.Relevant(ctx, model.StrokeFreestyle, "catch", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, idx.queries)
	assert.NoError(t, svc.Healthy(ctx))
}

func TestServiceUnavailable(t *testing.T) {
	svc := NewService(nil, nil, nil, testutil.TestLogger())
	_, err := svc.Relevant(context.Background(), model.StrokeFreestyle, "", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, svc.Healthy(context.Background()), ErrUnavailable)
}

func TestMemoryChunksUpsertKeepsID(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryChunks()
	c := seedChunks()[0]
	id1, err := m.UpsertKnowledge(ctx, c, nil)
	require.NoError(t, err)
	c.Content = "updated content"
	id2, err := m.UpsertKnowledge(ctx, c, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	n, _ := m.CountKnowledge(ctx)
	assert.Equal(t, 1, n)

	// Chunks without embeddings never show up in similarity search.
	got, err := m.SearchKnowledge(ctx, pgvector.NewVector([]float32{1, 0, 0}), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChunkIDStable(t *testing.T) {
	a := model.KnowledgeChunk{Source: "s", Topic: "t", Title: "x"}
	b := a
	b.Content = "different"
	assert.Equal(t, ChunkID(a), ChunkID(b))
	b.Title = "y"
	assert.NotEqual(t, ChunkID(a), ChunkID(b))
}

func TestOllamaEmbedder(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		if req.Prompt == "bad" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{float32(len(req.Prompt)), 1}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "", 2)
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bbb", "cc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{3, 1}, vecs[1].Slice())
	assert.EqualValues(t, 3, calls.Load())

	_, err = e.EmbedBatch(context.Background(), []string{"ok", "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("test-key", srv.URL+"/v1", "", 2)
	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vecs[0].Slice())
	assert.Equal(t, []float32{0, 1}, vecs[1].Slice())
}

func TestNewEmbedderSelection(t *testing.T) {
	assert.IsType(t, &NoopEmbedder{}, NewEmbedder(EmbedderConfig{}))
	assert.IsType(t, &NoopEmbedder{}, NewEmbedder(EmbedderConfig{Provider: "openai"}))
	assert.IsType(t, &OpenAIEmbedder{}, NewEmbedder(EmbedderConfig{Provider: "openai", APIKey: "k"}))
	assert.IsType(t, &OllamaEmbedder{}, NewEmbedder(EmbedderConfig{Provider: "ollama"}))
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{"http://localhost:6333", "localhost", 6334, false, false},
		{"https://xyz.cloud.qdrant.io:6333", "xyz.cloud.qdrant.io", 6334, true, false},
		{"http://qdrant:7000", "qdrant", 7000, false, false},
		{"https://qdrant", "qdrant", 6334, true, false},
		{"not a url", "", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}
