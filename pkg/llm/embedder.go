package llm

import (
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// EmbedderConfig configures the per-model embedders.
type EmbedderConfig struct {
	BaseURL   string // Ollama server URL
	BatchSize int
	// NewClient builds the embedding client for a model name. Defaults to Ollama.
	NewClient func(model string) (embeddings.EmbedderClient, error)
}

// Embedders hands out one embedder per embedding model name.
type Embedders struct {
	config EmbedderConfig

	mu    sync.Mutex
	cache map[string]embeddings.Embedder
}

func NewEmbedders(config EmbedderConfig) *Embedders {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.NewClient == nil {
		baseURL := config.BaseURL
		config.NewClient = func(model string) (embeddings.EmbedderClient, error) {
			return ollama.New(ollama.WithModel(model), ollama.WithServerURL(baseURL))
		}
	}

	return &Embedders{
		config: config,
		cache:  make(map[string]embeddings.Embedder),
	}
}

// For returns the embedder for model, creating it on first use.
func (e *Embedders) For(model string) (embeddings.Embedder, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: no embedding model selected", ErrModelUnavailable)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if emb, ok := e.cache[model]; ok {
		return emb, nil
	}

	client, err := e.config.NewClient(model)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize embeddings %s: %v", ErrModelUnavailable, model, err)
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(e.config.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create embedder %s: %v", ErrModelUnavailable, model, err)
	}

	e.cache[model] = emb
	return emb, nil
}
