package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	cfgPkg "github.com/xhad/ouragboros/pkg/config"
	"github.com/xhad/ouragboros/pkg/ingest"
	"github.com/xhad/ouragboros/pkg/llm"
	"github.com/xhad/ouragboros/pkg/loader"
	"github.com/xhad/ouragboros/pkg/logger"
	"github.com/xhad/ouragboros/pkg/processor"
	"github.com/xhad/ouragboros/pkg/render"
	"github.com/xhad/ouragboros/pkg/retrieval"
	"github.com/xhad/ouragboros/pkg/store"
	"github.com/xhad/ouragboros/server"
)

func main() {
	cfg, err := parseFlags()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() (*cfgPkg.Config, error) {
	var configPath, addr, ollamaURL, dbURL, opensearchURL string

	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&addr, "addr", "", "Listen address")
	flag.StringVar(&ollamaURL, "ollama-url", "", "Ollama server URL")
	flag.StringVar(&dbURL, "db-url", "", "PostgreSQL connection string for the pgvector backend")
	flag.StringVar(&opensearchURL, "opensearch-url", "", "OpenSearch URL")
	flag.Parse()

	cfg, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// Flags override the config file
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if ollamaURL != "" {
		cfg.LLM.BaseURL = ollamaURL
	}
	if dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if opensearchURL != "" {
		cfg.OpenSearch.BaseURL = opensearchURL
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e.Error())
		}
		return nil, fmt.Errorf("invalid configuration: %d error(s)", len(errs))
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *cfgPkg.Config) error {
	zl := logger.New(logger.Config{File: cfg.Log.File, Production: cfg.Log.Production})
	defer zl.Sync()

	backends, err := openBackends(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer backends.Close()

	models := llm.NewModelManager(llm.ModelManagerConfig{
		BaseURL:         cfg.LLM.BaseURL,
		EmbeddingModels: cfg.LLM.EmbeddingModels,
		LLMModels:       cfg.LLM.Models,
		Logger:          zl,
	})
	embedders := llm.NewEmbedders(llm.EmbedderConfig{
		BaseURL:   cfg.LLM.BaseURL,
		BatchSize: cfg.Database.BatchSize,
	})
	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	pipeline := ingest.New(embedders, backends, ingest.Config{
		Processor: processor.ProcessorConfig{
			ChunkSize:      cfg.Processor.ChunkSize,
			ChunkOverlap:   cfg.Processor.ChunkOverlap,
			MinChunkLength: cfg.Processor.MinChunkLength,
		},
		BatchSize: cfg.Database.BatchSize,
		Logger:    zl,
	})
	docLoader := loader.New(loader.Config{
		MaxFileSize: cfg.Server.MaxUploadMB << 20,
		Logger:      logger.Module(zl, "loader"),
	})

	if len(cfg.Ingest.Paths) > 0 {
		preload(ctx, zl, models, docLoader, pipeline, backends, cfg)
	}

	defaultBackend := store.KindMemory
	if cfg.OpenSearch.Prefer {
		defaultBackend = store.KindOpenSearch
	}

	srv, err := server.NewWSServer(server.Config{
		Backends:       backends.Kinds(),
		DefaultBackend: defaultBackend,
		OpenSearchURL:  cfg.OpenSearch.BaseURL,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		LLMModel:       cfg.LLM.Model,
		Prompt:         cfg.LLM.Prompt,
		ScoreThreshold: cfg.Retrieval.Threshold(),
		MaxDocuments:   cfg.Retrieval.MaxDocuments,
		Preview: render.Preview{
			Length:          cfg.UI.PreviewLength,
			NoticeThreshold: cfg.UI.PreviewNoticeThreshold,
		},
		SessionTTL:     cfg.Server.SessionTTL,
		MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		Logger:         zl,
	}, server.Deps{
		Models:    models,
		Retriever: retrieval.New(embedders, backends, zl),
		Chat:      chatEngine,
		Ingester:  pipeline,
		Loader:    docLoader,
	})
	if err != nil {
		return err
	}

	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openBackends always provides the memory and OpenSearch stores. OpenSearch
// connects lazily, so an unreachable cluster only fails the queries using it.
func openBackends(ctx context.Context, cfg *cfgPkg.Config, zl *zap.Logger) (*store.Registry, error) {
	opensearch, err := store.NewOpenSearch(store.OpenSearchConfig{
		BaseURL:            cfg.OpenSearch.BaseURL,
		Username:           cfg.OpenSearch.Username,
		Password:           cfg.OpenSearch.Password,
		InsecureSkipVerify: cfg.OpenSearch.InsecureSkipVerify,
		IndexPrefix:        cfg.OpenSearch.IndexPrefix,
		Logger:             zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenSearch store: %w", err)
	}

	backends := []store.Backend{store.NewMemoryStore(), opensearch}

	if cfg.Database.URL != "" {
		pg, err := store.NewPgVector(ctx, store.PgVectorConfig{
			ConnString:  cfg.Database.URL,
			TablePrefix: cfg.Database.TablePrefix,
			BatchSize:   cfg.Database.BatchSize,
			Logger:      zl,
		})
		if err != nil {
			zl.Warn("pgvector backend disabled", zap.Error(err))
		} else {
			backends = append(backends, pg)
		}
	}

	return store.NewRegistry(backends...), nil
}

// preload loads the configured paths into the in-memory store for the default
// embedding model. Failures are logged and the server starts anyway.
func preload(ctx context.Context, zl *zap.Logger, models *llm.ModelManager, docLoader *loader.Loader, pipeline *ingest.Pipeline, backends *store.Registry, cfg *cfgPkg.Config) {
	if err := models.Pull(ctx, cfg.LLM.EmbeddingModel); err != nil {
		zl.Warn("Skipping document preload", zap.Error(err))
		return
	}

	for _, path := range cfg.Ingest.Paths {
		pages, err := docLoader.Load(ctx, path)
		if err != nil {
			zl.Warn("Failed to load documents", zap.String("path", path), zap.Error(err))
			continue
		}
		n, err := pipeline.Ingest(ctx, store.KindMemory, cfg.LLM.EmbeddingModel, pages, nil)
		if err != nil {
			zl.Warn("Failed to preload documents", zap.String("path", path), zap.Error(err))
			continue
		}
		zl.Info("Preloaded documents", zap.String("path", path), zap.Int("chunks", n))
	}

	if b, err := backends.Get(store.KindMemory); err == nil {
		if mem, ok := b.(*store.MemoryStore); ok {
			zl.Info("In-memory index ready", zap.String("model", cfg.LLM.EmbeddingModel), zap.Int("documents", mem.Len(cfg.LLM.EmbeddingModel)))
		}
	}
}
