package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPrompt = `You are a helpful assistant answering questions about a private document collection.
Use only the provided context to answer. If the context does not contain the answer,
say that you could not find it in the documents. Keep the answer concise and cite the
relevant passages when possible.`

type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	OpenSearch OpenSearchConfig `yaml:"opensearch"`
	Database   DatabaseConfig   `yaml:"database"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Scraper    ScraperConfig    `yaml:"scraper"`
	Server     ServerConfig     `yaml:"server"`
	UI         UIConfig         `yaml:"ui"`
	Log        LogConfig        `yaml:"log"`
	Ingest     IngestConfig     `yaml:"ingest"`
}

type LLMConfig struct {
	BaseURL         string   `yaml:"base_url"`
	Model           string   `yaml:"model"`
	EmbeddingModel  string   `yaml:"embedding_model"`
	Models          []string `yaml:"models"`
	EmbeddingModels []string `yaml:"embedding_models"`
	Prompt          string   `yaml:"prompt"`
	Temperature     float64  `yaml:"temperature"`
	MaxTokens       int      `yaml:"max_tokens"`
}

type OpenSearchConfig struct {
	BaseURL            string `yaml:"base_url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	IndexPrefix        string `yaml:"index_prefix"`
	// Prefer selects OpenSearch as the default backend on the page.
	Prefer bool `yaml:"prefer"`
}

type DatabaseConfig struct {
	URL         string `yaml:"url"`
	TablePrefix string `yaml:"table_prefix"`
	BatchSize   int    `yaml:"batch_size"`
}

type RetrievalConfig struct {
	MaxDocuments int `yaml:"max_documents"`
	// ScoreThreshold is a pointer so an explicit 0 survives defaulting.
	ScoreThreshold *float64 `yaml:"score_threshold"`
}

// Threshold returns the configured score threshold, 1.0 when unset.
func (r RetrievalConfig) Threshold() float64 {
	if r.ScoreThreshold == nil {
		return 1.0
	}
	return *r.ScoreThreshold
}

type ProcessorConfig struct {
	ChunkSize      int `yaml:"chunk_size"`
	ChunkOverlap   int `yaml:"chunk_overlap"`
	MinChunkLength int `yaml:"min_chunk_length"`
}

type ScraperConfig struct {
	MaxDepth          int      `yaml:"max_depth"`
	RateLimit         float64  `yaml:"rate_limit"`
	IgnorePatterns    []string `yaml:"ignore_patterns"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

type ServerConfig struct {
	Addr       string        `yaml:"addr"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	// MaxUploadMB bounds multipart uploads to /api/documents.
	MaxUploadMB int64 `yaml:"max_upload_mb"`
}

type UIConfig struct {
	PreviewLength int `yaml:"preview_length"`
	// PreviewNoticeThreshold is the content length above which the truncation
	// notice is shown. Zero means "same as PreviewLength".
	PreviewNoticeThreshold int `yaml:"preview_notice_threshold"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	Production bool   `yaml:"production"`
}

type IngestConfig struct {
	// Paths are loaded into the in-memory store at startup.
	Paths []string `yaml:"paths"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/ouragboros/config.yaml"),
			"/etc/ouragboros/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral:latest"
	}
	if config.LLM.EmbeddingModel == "" {
		config.LLM.EmbeddingModel = "nomic-embed-text:latest"
	}
	config.LLM.Models = withDefaultFirst(config.LLM.Model, config.LLM.Models)
	config.LLM.EmbeddingModels = withDefaultFirst(config.LLM.EmbeddingModel, config.LLM.EmbeddingModels)
	if config.LLM.Prompt == "" {
		config.LLM.Prompt = DefaultPrompt
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}

	if config.OpenSearch.BaseURL == "" {
		config.OpenSearch.BaseURL = "http://localhost:9200"
	}
	if config.OpenSearch.IndexPrefix == "" {
		config.OpenSearch.IndexPrefix = "ouragboros"
	}

	if config.Database.TablePrefix == "" {
		config.Database.TablePrefix = "ouragboros"
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 100
	}

	if config.Retrieval.MaxDocuments == 0 {
		config.Retrieval.MaxDocuments = 3
	}
	if config.Retrieval.ScoreThreshold == nil {
		threshold := 1.0
		config.Retrieval.ScoreThreshold = &threshold
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 200
	}
	if config.Processor.MinChunkLength == 0 {
		config.Processor.MinChunkLength = 1
	}

	if config.Scraper.MaxDepth == 0 {
		config.Scraper.MaxDepth = 3
	}
	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if len(config.Scraper.AllowedExtensions) == 0 {
		config.Scraper.AllowedExtensions = []string{".html", ".htm"}
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8501"
	}
	if config.Server.SessionTTL == 0 {
		config.Server.SessionTTL = time.Hour
	}
	if config.Server.MaxUploadMB == 0 {
		config.Server.MaxUploadMB = 32
	}

	if config.UI.PreviewLength == 0 {
		config.UI.PreviewLength = 500
	}
	if config.UI.PreviewNoticeThreshold == 0 {
		config.UI.PreviewNoticeThreshold = config.UI.PreviewLength
	}

	if config.Log.File == "" {
		config.Log.File = "logs/ouragboros.log"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if osURL := os.Getenv("OPENSEARCH_BASE_URL"); osURL != "" {
		config.OpenSearch.BaseURL = osURL
	}
	if prefer := os.Getenv("PREFER_OPENSEARCH"); prefer != "" {
		if v, err := strconv.ParseBool(prefer); err == nil {
			config.OpenSearch.Prefer = v
		}
	}
}

// withDefaultFirst returns models with def at the front, without duplicates.
func withDefaultFirst(def string, models []string) []string {
	out := []string{def}
	for _, m := range models {
		if m == "" || m == def {
			continue
		}
		out = append(out, m)
	}
	return out
}
