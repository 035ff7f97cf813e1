// Package store implements the vector backends documents are retrieved from.
// Every backend scores matches as cosine similarity shifted by one, so scores
// lie in [0, 2] and thresholds mean the same thing whichever backend is used.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xhad/ouragboros/internal/models"
)

// Kind identifies a backend variant.
type Kind string

const (
	KindMemory     Kind = "memory"
	KindOpenSearch Kind = "opensearch"
	KindPgVector   Kind = "pgvector"
)

var (
	ErrUnknownBackend    = errors.New("unknown backend")
	ErrUnreachable       = errors.New("backend unreachable")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// ParseKind maps a backend name from the page or the CLI to its Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindMemory, "in-memory", "inmemory":
		return KindMemory, nil
	case KindOpenSearch:
		return KindOpenSearch, nil
	case KindPgVector, "postgres":
		return KindPgVector, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// SearchRequest is a similarity query for one embedding model's index.
type SearchRequest struct {
	Model          string
	Vector         []float32
	K              int
	ScoreThreshold float64
}

// Backend is a vector store holding one index per embedding model.
type Backend interface {
	Kind() Kind
	// Search returns at most K matches scoring at least ScoreThreshold,
	// best first.
	Search(ctx context.Context, req SearchRequest) ([]models.Match, error)
	// Add upserts documents with their embeddings into the model's index.
	Add(ctx context.Context, model string, docs []models.Document, vectors [][]float32) error
	Close() error
}

// Registry dispatches a Kind to its configured Backend.
type Registry struct {
	backends map[Kind]Backend
}

func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[Kind]Backend)}
	for _, b := range backends {
		if b != nil {
			r.backends[b.Kind()] = b
		}
	}
	return r
}

func (r *Registry) Get(kind Kind) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", ErrUnknownBackend, kind)
	}
	return b, nil
}

// Kinds lists configured backends in display order.
func (r *Registry) Kinds() []Kind {
	var kinds []Kind
	for _, k := range []Kind{KindMemory, KindOpenSearch, KindPgVector} {
		if _, ok := r.backends[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (r *Registry) Close() error {
	var errs []error
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// indexName derives an index or table name from an embedding model name,
// e.g. "nomic-embed-text:latest" -> "<prefix>_nomic_embed_text_latest".
func indexName(prefix, model string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(prefix))
	b.WriteByte('_')
	for _, r := range strings.ToLower(model) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func checkVectors(docs []models.Document, vectors [][]float32) (int, error) {
	if len(docs) != len(vectors) {
		return 0, fmt.Errorf("got %d documents but %d embeddings", len(docs), len(vectors))
	}
	if len(vectors) == 0 {
		return 0, nil
	}
	dim := len(vectors[0])
	for _, v := range vectors {
		if len(v) != dim || dim == 0 {
			return 0, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dim, len(v))
		}
	}
	return dim, nil
}
