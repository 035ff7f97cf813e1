package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/ouragboros/internal/models"
)

const testModel = "nomic-embed-text:latest"

func fixtureDocs() ([]models.Document, [][]float32) {
	docs := []models.Document{
		{ID: "a", Content: "exact", Metadata: map[string]interface{}{models.MetaSource: "/docs/a.txt"}},
		{ID: "b", Content: "close", Metadata: map[string]interface{}{models.MetaSource: "/docs/b.txt"}},
		{ID: "c", Content: "orthogonal", Metadata: map[string]interface{}{models.MetaSource: "/docs/c.txt"}},
		{ID: "d", Content: "opposite", Metadata: map[string]interface{}{models.MetaSource: "/docs/d.txt"}},
	}
	vectors := [][]float32{
		{1, 0},
		{0.8, 0.6},
		{0, 1},
		{-1, 0},
	}
	return docs, vectors
}

func ids(matches []models.Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Document.ID
	}
	return out
}

func TestMemoryStoreSearch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	docs, vectors := fixtureDocs()
	require.NoError(t, s.Add(ctx, testModel, docs, vectors))
	assert.Equal(t, 4, s.Len(testModel))

	matches, err := s.Search(ctx, SearchRequest{Model: testModel, Vector: []float32{1, 0}, K: 10, ScoreThreshold: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(matches))
	assert.InDelta(t, 2.0, matches[0].Score, 1e-9)
	assert.InDelta(t, 1.8, matches[1].Score, 1e-6)
	assert.InDelta(t, 1.0, matches[2].Score, 1e-9)
	assert.InDelta(t, 0.0, matches[3].Score, 1e-9)

	matches, err = s.Search(ctx, SearchRequest{Model: testModel, Vector: []float32{1, 0}, K: 10, ScoreThreshold: 1.5})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(matches))

	matches, err = s.Search(ctx, SearchRequest{Model: testModel, Vector: []float32{1, 0}, K: 1, ScoreThreshold: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(matches))
}

func TestMemoryStoreSearchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	docs, vectors := fixtureDocs()
	require.NoError(t, s.Add(ctx, testModel, docs, vectors))

	req := SearchRequest{Model: testModel, Vector: []float32{0.5, 0.5}, K: 3, ScoreThreshold: 0.5}
	first, err := s.Search(ctx, req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.Search(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMemoryStoreUnknownModelAndDimensions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	matches, err := s.Search(ctx, SearchRequest{Model: "other", Vector: []float32{1}, K: 3})
	require.NoError(t, err)
	assert.Empty(t, matches)

	docs, vectors := fixtureDocs()
	require.NoError(t, s.Add(ctx, testModel, docs, vectors))

	_, err = s.Search(ctx, SearchRequest{Model: testModel, Vector: []float32{1, 0, 0}, K: 3})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = s.Add(ctx, testModel, docs[:1], [][]float32{{1, 0, 0}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = s.Add(ctx, testModel, docs, vectors[:1])
	assert.Error(t, err)
}

func TestMemoryStoreUpsertByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	docs, vectors := fixtureDocs()
	require.NoError(t, s.Add(ctx, testModel, docs, vectors))

	updated := models.Document{ID: "d", Content: "now aligned"}
	require.NoError(t, s.Add(ctx, testModel, []models.Document{updated}, [][]float32{{1, 0}}))
	assert.Equal(t, 4, s.Len(testModel))

	matches, err := s.Search(ctx, SearchRequest{Model: testModel, Vector: []float32{1, 0}, K: 2, ScoreThreshold: 1.9})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "now aligned", matches[1].Document.Content)
}

func TestMemoryStoreEqualScoresKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	docs := []models.Document{{ID: "x"}, {ID: "y"}, {ID: "z"}}
	require.NoError(t, s.Add(ctx, testModel, docs, [][]float32{{1, 0}, {0, 1}, {1, 1}}))

	for i := 0; i < 5; i++ {
		matches, err := s.Search(ctx, SearchRequest{Model: testModel, Vector: []float32{1, 1}, K: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "x", "y"}, ids(matches))
	}
}

func TestMemoryStoreZeroVectors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.Add(ctx, testModel, []models.Document{{ID: "a"}}, [][]float32{{0, 0}})
	assert.Error(t, err)

	docs, vectors := fixtureDocs()
	require.NoError(t, s.Add(ctx, testModel, docs, vectors))
	matches, err := s.Search(ctx, SearchRequest{Model: testModel, Vector: []float32{0, 0}, K: 3})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMemoryStoreAssignsMissingIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	docs := []models.Document{{Content: "one"}, {Content: "two"}}
	require.NoError(t, s.Add(ctx, testModel, docs, [][]float32{{1, 0}, {0, 1}}))
	assert.Equal(t, 2, s.Len(testModel))

	matches, err := s.Search(ctx, SearchRequest{Model: testModel, Vector: []float32{1, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "one", matches[0].Content)
	assert.NotEmpty(t, matches[0].ID)
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"memory":     KindMemory,
		"in-memory":  KindMemory,
		"OpenSearch": KindOpenSearch,
		"pgvector":   KindPgVector,
	} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseKind("milvus")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestRegistry(t *testing.T) {
	mem := NewMemoryStore()
	r := NewRegistry(mem, nil)

	b, err := r.Get(KindMemory)
	require.NoError(t, err)
	assert.Same(t, mem, b)

	_, err = r.Get(KindOpenSearch)
	assert.ErrorIs(t, err, ErrUnknownBackend)
	assert.Equal(t, []Kind{KindMemory}, r.Kinds())
	assert.NoError(t, r.Close())
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "ouragboros_nomic_embed_text_latest", indexName("ouragboros", "nomic-embed-text:latest"))
	assert.Equal(t, "docs_sentence_transformers_all_minilm_l6_v2", indexName("DOCS", "sentence-transformers/all-MiniLM-L6-v2"))
}
