package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/xhad/ouragboros/internal/models"
)

// MemoryStore keeps one chromem collection per embedding model for the
// lifetime of the process.
type MemoryStore struct {
	db *chromem.DB

	mu      sync.RWMutex
	indexes map[string]*memoryIndex
}

// memoryIndex pairs a collection with the documents it ranks. chromem only
// keeps string metadata, so the full documents are held here by ID.
type memoryIndex struct {
	collection *chromem.Collection
	dim        int
	docs       map[string]models.Document
	// seq orders equal scores by insertion.
	seq map[string]int
}

// errNoEmbedder is returned if chromem is ever asked to embed text itself.
var errNoEmbedder = errors.New("memory store only accepts precomputed embeddings")

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		db:      chromem.NewDB(),
		indexes: make(map[string]*memoryIndex),
	}
}

func (s *MemoryStore) Kind() Kind { return KindMemory }

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of documents indexed for model.
func (s *MemoryStore) Len(model string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.indexes[model]; ok {
		return idx.collection.Count()
	}
	return 0
}

func (s *MemoryStore) Add(ctx context.Context, model string, docs []models.Document, vectors [][]float32) error {
	dim, err := checkVectors(docs, vectors)
	if err != nil || dim == 0 {
		return err
	}
	for i, v := range vectors {
		if isZero(v) {
			return fmt.Errorf("document %d has a zero embedding", i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexes[model]
	if !ok {
		collection, err := s.db.GetOrCreateCollection(model, nil, noEmbedding)
		if err != nil {
			return fmt.Errorf("failed to create collection for %s: %w", model, err)
		}
		idx = &memoryIndex{
			collection: collection,
			dim:        dim,
			docs:       make(map[string]models.Document),
			seq:        make(map[string]int),
		}
		s.indexes[model] = idx
	}
	if idx.dim != dim {
		return fmt.Errorf("%w: index for %s has dimension %d, got %d", ErrDimensionMismatch, model, idx.dim, dim)
	}

	stored := make([]models.Document, len(docs))
	batch := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		stored[i] = doc
		batch[i] = chromem.Document{
			ID:        doc.ID,
			Embedding: append([]float32(nil), vectors[i]...),
			Content:   doc.Content,
		}
	}

	if err := idx.collection.AddDocuments(ctx, batch, 1); err != nil {
		return fmt.Errorf("failed to index documents for %s: %w", model, err)
	}
	for _, doc := range stored {
		idx.docs[doc.ID] = doc
		if _, exists := idx.seq[doc.ID]; !exists {
			idx.seq[doc.ID] = len(idx.seq)
		}
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, req SearchRequest) ([]models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.indexes[req.Model]
	if !ok {
		return []models.Match{}, nil
	}
	if len(req.Vector) != idx.dim {
		return nil, fmt.Errorf("%w: index for %s has dimension %d, query has %d", ErrDimensionMismatch, req.Model, idx.dim, len(req.Vector))
	}

	count := idx.collection.Count()
	if count == 0 || isZero(req.Vector) {
		return []models.Match{}, nil
	}
	n := req.K
	if n <= 0 || n > count {
		n = count
	}

	results, err := idx.collection.QueryEmbedding(ctx, req.Vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}

	matches := make([]models.Match, 0, len(results))
	for _, res := range results {
		sim := math.Max(-1, math.Min(1, float64(res.Similarity)))
		score := sim + 1
		if score < req.ScoreThreshold {
			continue
		}
		matches = append(matches, models.Match{Document: idx.docs[res.ID], Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return idx.seq[matches[i].ID] < idx.seq[matches[j].ID]
	})
	return matches, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
