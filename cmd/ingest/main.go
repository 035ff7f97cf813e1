package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/xhad/ouragboros/internal/models"
	cfgPkg "github.com/xhad/ouragboros/pkg/config"
	"github.com/xhad/ouragboros/pkg/ingest"
	"github.com/xhad/ouragboros/pkg/llm"
	"github.com/xhad/ouragboros/pkg/loader"
	"github.com/xhad/ouragboros/pkg/logger"
	"github.com/xhad/ouragboros/pkg/processor"
	"github.com/xhad/ouragboros/pkg/retrieval"
	"github.com/xhad/ouragboros/pkg/store"
)

type Config struct {
	App     *cfgPkg.Config
	Backend store.Kind
	Model   string
	URLs    []string
	Paths   []string
	Chat    bool
}

type urlList []string

func (u *urlList) String() string { return strings.Join(*u, ",") }

func (u *urlList) Set(v string) error {
	*u = append(*u, v)
	return nil
}

func main() {
	config, err := parseFlags()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func parseFlags() (Config, error) {
	var config Config
	var configPath, backend, ollamaURL, dbURL, opensearchURL string
	var urls urlList

	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&backend, "backend", "opensearch", "Vector store to write to: opensearch, pgvector or memory")
	flag.StringVar(&config.Model, "model", "", "Embedding model (defaults to llm.embedding_model)")
	flag.Var(&urls, "url", "Documentation URL to scrape (repeatable)")
	flag.BoolVar(&config.Chat, "chat", false, "Start an interactive chat over the backend after ingesting")
	flag.StringVar(&ollamaURL, "ollama-url", "", "Ollama server URL")
	flag.StringVar(&dbURL, "db-url", "", "PostgreSQL connection string")
	flag.StringVar(&opensearchURL, "opensearch-url", "", "OpenSearch URL")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [file or directory ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return config, err
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
			color.Red("%s", e.Error())
		}
		return config, fmt.Errorf("invalid configuration: %d error(s)", len(errs))
	}

	kind, err := store.ParseKind(backend)
	if err != nil {
		return config, err
	}

	config.App = cfg
	config.Backend = kind
	config.URLs = urls
	config.Paths = flag.Args()
	if config.Model == "" {
		config.Model = cfg.LLM.EmbeddingModel
	}
	if len(config.URLs) == 0 && len(config.Paths) == 0 && !config.Chat {
		flag.Usage()
		return config, fmt.Errorf("nothing to ingest")
	}
	return config, nil
}

func openBackend(ctx context.Context, config Config) (store.Backend, error) {
	cfg := config.App
	switch config.Backend {
	case store.KindOpenSearch:
		return store.NewOpenSearch(store.OpenSearchConfig{
			BaseURL:            cfg.OpenSearch.BaseURL,
			Username:           cfg.OpenSearch.Username,
			Password:           cfg.OpenSearch.Password,
			InsecureSkipVerify: cfg.OpenSearch.InsecureSkipVerify,
			IndexPrefix:        cfg.OpenSearch.IndexPrefix,
		})
	case store.KindPgVector:
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("pgvector needs database.url, DATABASE_URL or -db-url")
		}
		return store.NewPgVector(ctx, store.PgVectorConfig{
			ConnString:  cfg.Database.URL,
			TablePrefix: cfg.Database.TablePrefix,
			BatchSize:   cfg.Database.BatchSize,
		})
	default:
		return store.NewMemoryStore(), nil
	}
}

func run(ctx context.Context, config Config) error {
	cfg := config.App
	zl := logger.New(logger.Config{File: cfg.Log.File, Production: true})
	defer zl.Sync()

	backend, err := openBackend(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	backends := store.NewRegistry(backend)
	defer backends.Close()

	manager := llm.NewModelManager(llm.ModelManagerConfig{BaseURL: cfg.LLM.BaseURL, Logger: zl})
	embedders := llm.NewEmbedders(llm.EmbedderConfig{BaseURL: cfg.LLM.BaseURL, BatchSize: cfg.Database.BatchSize})

	spinner := getSpinner(fmt.Sprintf(" Loading %s...", config.Model))
	err = manager.PullWithProgress(ctx, config.Model, func(status string, _, _ int64) {
		spinner.Describe(color.CyanString(" %s: %s", config.Model, status))
	})
	spinner.Finish()
	if err != nil {
		return err
	}

	var pages []models.Page
	for _, u := range config.URLs {
		scraped, err := scrapeURL(ctx, cfg, u)
		if err != nil {
			color.Red("Failed to scrape %s: %v\n", u, err)
			continue
		}
		color.Green("✓ Scraped %d pages from %s\n", len(scraped), u)
		pages = append(pages, scraped...)
	}

	docLoader := loader.New(loader.Config{Logger: logger.Module(zl, "loader")})
	for _, path := range config.Paths {
		loaded, err := docLoader.Load(ctx, path)
		if err != nil {
			color.Red("Failed to load %s: %v\n", path, err)
			continue
		}
		color.Green("✓ Loaded %d pages from %s\n", len(loaded), path)
		pages = append(pages, loaded...)
	}

	if len(pages) > 0 {
		pipeline := ingest.New(embedders, backends, ingest.Config{
			Processor: processor.ProcessorConfig{
				ChunkSize:      cfg.Processor.ChunkSize,
				ChunkOverlap:   cfg.Processor.ChunkOverlap,
				MinChunkLength: cfg.Processor.MinChunkLength,
			},
			BatchSize: cfg.Database.BatchSize,
			Logger:    zl,
		})

		storageBar := getProgressBar(-1, " Storing in vector database")
		n, err := pipeline.Ingest(ctx, config.Backend, config.Model, pages, func(done, total int) {
			storageBar.ChangeMax(total)
			storageBar.Set(done)
		})
		storageBar.Finish()
		if err != nil {
			return fmt.Errorf("failed to store documents: %w", err)
		}
		color.Green("✓ Stored %d chunks in %s\n", n, config.Backend)
	}

	if !config.Chat {
		return nil
	}

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %w", err)
	}
	if err := manager.Pull(ctx, cfg.LLM.Model); err != nil {
		return err
	}

	return chat(ctx, cfg, config, retrieval.New(embedders, backends, zl), chatEngine)
}
