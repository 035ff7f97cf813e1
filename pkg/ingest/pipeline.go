// Package ingest chunks, embeds and stores loaded pages.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xhad/ouragboros/internal/models"
	"github.com/xhad/ouragboros/pkg/llm"
	"github.com/xhad/ouragboros/pkg/metrics"
	"github.com/xhad/ouragboros/pkg/processor"
	"github.com/xhad/ouragboros/pkg/retrieval"
	"github.com/xhad/ouragboros/pkg/store"
)

type Config struct {
	Processor processor.ProcessorConfig
	// BatchSize is the number of chunks embedded and written per call.
	BatchSize int
	Logger    *zap.Logger
}

// Progress is called after each batch with the chunks written so far.
type Progress func(done, total int)

type Pipeline struct {
	processor processor.Processor
	embedders retrieval.EmbedderProvider
	backends  retrieval.BackendProvider
	batchSize int
	logger    *zap.Logger
}

func New(embedders retrieval.EmbedderProvider, backends retrieval.BackendProvider, config Config) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		processor: processor.NewWithConfig(config.Processor),
		embedders: embedders,
		backends:  backends,
		batchSize: config.BatchSize,
		logger:    logger.With(zap.String("module", "ingest")),
	}
}

// Ingest writes pages into the backend index of the embedding model and
// returns the number of chunks stored.
func (p *Pipeline) Ingest(ctx context.Context, kind store.Kind, model string, pages []models.Page, progress Progress) (int, error) {
	backend, err := p.backends.Get(kind)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", retrieval.ErrBackendUnavailable, err)
	}
	embedder, err := p.embedders.For(model)
	if err != nil {
		return 0, err
	}

	docs, err := p.processor.Process(pages)
	if err != nil {
		return 0, fmt.Errorf("failed to chunk pages: %w", err)
	}

	done := 0
	for start := 0; start < len(docs); start += p.batchSize {
		end := start + p.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]

		texts := make([]string, len(batch))
		for i, doc := range batch {
			texts[i] = doc.Content
		}
		vectors, err := embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("%w: failed to embed chunks with %s: %v", llm.ErrModelUnavailable, model, err)
		}

		if err := backend.Add(ctx, model, batch, vectors); err != nil {
			return done, fmt.Errorf("%w: failed to store chunks: %v", retrieval.ErrBackendUnavailable, err)
		}

		done += len(batch)
		metrics.IngestedChunks.WithLabelValues(string(kind)).Add(float64(len(batch)))
		if progress != nil {
			progress(done, len(docs))
		}
	}

	p.logger.Info("Ingested pages",
		zap.String("backend", string(kind)),
		zap.String("model", model),
		zap.Int("pages", len(pages)),
		zap.Int("chunks", done))

	return done, nil
}
