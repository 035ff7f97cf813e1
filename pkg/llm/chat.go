package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.uber.org/zap"

	"github.com/xhad/ouragboros/pkg/metrics"
)

// ErrModelUnavailable is returned when a model cannot be loaded or initialized.
var ErrModelUnavailable = errors.New("model unavailable")

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	BaseURL     string // Ollama server URL
	Temperature float64
	MaxTokens   int
	// NewModel builds the client for a model name. Defaults to an Ollama client.
	NewModel func(model string) (llms.Model, error)
	Logger   *zap.Logger
}

// ChatEngine answers queries with whichever LLM the request names. Clients are
// created on first use and kept for the lifetime of the process.
type ChatEngine struct {
	config ChatConfig
	logger *zap.Logger

	mu     sync.Mutex
	models map[string]llms.Model
}

// AskRequest is one answer generation.
type AskRequest struct {
	Model   string
	Prompt  string
	Query   string
	Context string
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.NewModel == nil {
		baseURL := config.BaseURL
		config.NewModel = func(model string) (llms.Model, error) {
			return ollama.New(ollama.WithModel(model), ollama.WithServerURL(baseURL))
		}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &ChatEngine{
		config: config,
		logger: config.Logger.With(zap.String("module", "llm")),
		models: make(map[string]llms.Model),
	}, nil
}

func (ce *ChatEngine) model(name string) (llms.Model, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: no LLM selected", ErrModelUnavailable)
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()

	if m, ok := ce.models[name]; ok {
		return m, nil
	}
	m, err := ce.config.NewModel(name)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize LLM %s: %v", ErrModelUnavailable, name, err)
	}
	ce.models[name] = m
	return m, nil
}

// Ask starts generating an answer and returns the stream of its chunks.
// Generation runs until the stream completes, fails, or is closed.
func (ce *ChatEngine) Ask(ctx context.Context, req AskRequest) (*Stream, error) {
	m, err := ce.model(req.Model)
	if err != nil {
		return nil, err
	}

	content := BuildMessages(req.Prompt, req.Query, req.Context)

	ctx, cancel := context.WithCancel(ctx)
	stream := newStream(cancel)

	go func() {
		var streamed atomic.Bool
		resp, err := m.GenerateContent(ctx, content,
			llms.WithTemperature(ce.config.Temperature),
			llms.WithMaxTokens(ce.config.MaxTokens),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				streamed.Store(true)
				metrics.StreamChunks.WithLabelValues(req.Model).Inc()
				return stream.push(ctx, string(chunk))
			}),
		)

		// Some models ignore the streaming callback and only return the full response.
		if err == nil && !streamed.Load() && resp != nil {
			for _, choice := range resp.Choices {
				if choice != nil && choice.Content != "" {
					if err = stream.push(ctx, choice.Content); err != nil {
						break
					}
				}
			}
		}

		if err != nil {
			metrics.StreamResults.WithLabelValues(req.Model, "failed").Inc()
			ce.logger.Warn("answer generation failed", zap.String("model", req.Model), zap.Error(err))
			stream.finish(fmt.Errorf("chat error: %w", err))
			return
		}
		metrics.StreamResults.WithLabelValues(req.Model, "completed").Inc()
		stream.finish(nil)
	}()

	return stream, nil
}

// BuildMessages combines the prompt template, the retrieved context and the
// query. Templates may place the context and the question explicitly with
// {context} and {question}; otherwise both are sent as the human turn.
func BuildMessages(prompt, query, context string) []llms.MessageContent {
	var content []llms.MessageContent

	if strings.Contains(prompt, "{context}") || strings.Contains(prompt, "{question}") {
		system := strings.NewReplacer("{context}", context, "{question}", query).Replace(prompt)
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, system))
		return append(content, llms.TextParts(llms.ChatMessageTypeHuman, query))
	}

	if strings.TrimSpace(prompt) != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, prompt))
	}

	var human strings.Builder
	human.WriteString("Context:\n")
	human.WriteString(context)
	human.WriteString("\n\nQuestion: ")
	human.WriteString(query)

	return append(content, llms.TextParts(llms.ChatMessageTypeHuman, human.String()))
}
