// Package retrieval turns a query into scored document matches.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"go.uber.org/zap"

	"github.com/xhad/ouragboros/internal/models"
	"github.com/xhad/ouragboros/pkg/llm"
	"github.com/xhad/ouragboros/pkg/metrics"
	"github.com/xhad/ouragboros/pkg/store"
)

var (
	ErrEmptyQuery = errors.New("query is empty")
	ErrInvalidK   = errors.New("k must be at least 1")
	// ErrModelUnavailable means the embedding model could not be loaded or used.
	ErrModelUnavailable = llm.ErrModelUnavailable
	// ErrBackendUnavailable means the selected vector store is not configured,
	// unreachable, or failed the query.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// EmbedderProvider returns the embedder for an embedding model name.
type EmbedderProvider interface {
	For(model string) (embeddings.Embedder, error)
}

// BackendProvider returns the backend for a kind.
type BackendProvider interface {
	Get(kind store.Kind) (store.Backend, error)
}

type Request struct {
	Query          string
	K              int
	ScoreThreshold float64
	EmbeddingModel string
	Backend        store.Kind
}

type Retriever struct {
	embedders EmbedderProvider
	backends  BackendProvider
	logger    *zap.Logger
}

func New(embedders EmbedderProvider, backends BackendProvider, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		embedders: embedders,
		backends:  backends,
		logger:    logger.With(zap.String("module", "retrieval")),
	}
}

// Retrieve returns at most K matches for the query, best first, each scoring
// at least ScoreThreshold. Scores are cosine similarity + 1 for every backend.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (matches []models.Match, err error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	if req.K < 1 {
		return nil, ErrInvalidK
	}

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RetrievalRequests.WithLabelValues(string(req.Backend), status).Inc()
		metrics.RetrievalDuration.WithLabelValues(string(req.Backend)).Observe(time.Since(start).Seconds())
	}()

	backend, err := r.backends.Get(req.Backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	embedder, err := r.embedders.For(req.EmbeddingModel)
	if err != nil {
		return nil, wrapModelErr(err)
	}
	vector, err := embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to embed query with %s: %v", ErrModelUnavailable, req.EmbeddingModel, err)
	}

	raw, err := backend.Search(ctx, store.SearchRequest{
		Model:          req.EmbeddingModel,
		Vector:         vector,
		K:              req.K,
		ScoreThreshold: req.ScoreThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, req.Backend, err)
	}

	matches = finalize(raw, req.K, req.ScoreThreshold)
	metrics.RetrievedMatches.Observe(float64(len(matches)))
	r.logger.Debug("retrieved documents",
		zap.String("backend", string(req.Backend)),
		zap.String("model", req.EmbeddingModel),
		zap.Int("matches", len(matches)),
		zap.Duration("took", time.Since(start)),
	)
	return matches, nil
}

// finalize applies the threshold, ordering and truncation every backend must
// honor, whatever the backend itself already did.
func finalize(raw []models.Match, k int, threshold float64) []models.Match {
	matches := make([]models.Match, 0, len(raw))
	for _, m := range raw {
		if m.Score >= threshold {
			matches = append(matches, m)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func wrapModelErr(err error) error {
	if errors.Is(err, ErrModelUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
}

// JoinContext concatenates match contents in ranked order, one per line.
func JoinContext(matches []models.Match) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = m.Document.Content
	}
	return strings.Join(parts, "\n")
}
