package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/xhad/ouragboros/pkg/metrics"
)

// ModelManagerConfig configures model pulls and listing against Ollama.
type ModelManagerConfig struct {
	BaseURL         string
	Client          *http.Client
	EmbeddingModels []string
	LLMModels       []string
	Logger          *zap.Logger
}

// ModelManager makes sure models are present on the Ollama server before use.
type ModelManager struct {
	config ModelManagerConfig
	client *api.Client
	logger *zap.Logger

	mu     sync.Mutex
	pulled map[string]bool
}

func NewModelManager(config ModelManagerConfig) *ModelManager {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Client == nil {
		// Pulls can download gigabytes.
		config.Client = &http.Client{Timeout: 30 * time.Minute}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Host == "" {
		base = &url.URL{Scheme: "http", Host: "localhost:11434"}
	}

	return &ModelManager{
		config: config,
		client: api.NewClient(base, config.Client),
		logger: config.Logger.With(zap.String("module", "models")),
		pulled: make(map[string]bool),
	}
}

// PullProgress receives the status lines Ollama reports while pulling.
type PullProgress func(status string, completed, total int64)

// Pull ensures the model is available on the server. A model is pulled at most
// once per process; later calls return immediately.
func (m *ModelManager) Pull(ctx context.Context, model string) error {
	return m.PullWithProgress(ctx, model, nil)
}

// PullWithProgress is Pull reporting download progress to fn.
func (m *ModelManager) PullWithProgress(ctx context.Context, model string, fn PullProgress) error {
	if model == "" {
		return fmt.Errorf("%w: empty model name", ErrModelUnavailable)
	}

	m.mu.Lock()
	done := m.pulled[model]
	m.mu.Unlock()
	if done {
		return nil
	}

	var last string
	err := m.client.Pull(ctx, &api.PullRequest{Model: model}, func(resp api.ProgressResponse) error {
		if resp.Status != last {
			m.logger.Debug("pulling model", zap.String("model", model), zap.String("status", resp.Status))
			last = resp.Status
		}
		if fn != nil {
			fn(resp.Status, resp.Completed, resp.Total)
		}
		return nil
	})
	if err != nil {
		metrics.ModelPulls.WithLabelValues("failed").Inc()
		m.logger.Warn("model pull failed", zap.String("model", model), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrModelUnavailable, model, err)
	}
	metrics.ModelPulls.WithLabelValues("success").Inc()
	m.logger.Info("model ready", zap.String("model", model))

	m.mu.Lock()
	m.pulled[model] = true
	m.mu.Unlock()
	return nil
}

// List returns the selectable embedding models and LLMs: the configured ones
// first, followed by any other models installed on the server. Installed
// models whose name contains "embed" are treated as embedding models. When the
// server cannot be reached the configured lists are returned with the error.
func (m *ModelManager) List(ctx context.Context) (embedding []string, llm []string, err error) {
	embedding = append([]string(nil), m.config.EmbeddingModels...)
	llm = append([]string(nil), m.config.LLMModels...)

	installed, err := m.tags(ctx)
	if err != nil {
		return embedding, llm, fmt.Errorf("failed to list models: %w", err)
	}

	seen := make(map[string]bool)
	for _, name := range embedding {
		seen[name] = true
	}
	for _, name := range llm {
		seen[name] = true
	}

	sort.Strings(installed)
	for _, name := range installed {
		if seen[name] {
			continue
		}
		if strings.Contains(strings.ToLower(name), "embed") {
			embedding = append(embedding, name)
		} else {
			llm = append(llm, name)
		}
	}
	return embedding, llm, nil
}

func (m *ModelManager) tags(ctx context.Context) ([]string, error) {
	resp, err := m.client.List(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Models))
	for _, model := range resp.Models {
		names = append(names, model.Name)
	}
	return names, nil
}
