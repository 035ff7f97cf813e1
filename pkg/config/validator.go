package config

import (
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// LLM
	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "Ollama base URL is required",
		})
	} else if !isHTTPURL(c.LLM.BaseURL) {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "invalid Ollama base URL",
		})
	}

	if c.LLM.Model == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.model",
			Message: "a default LLM is required",
		})
	}

	if c.LLM.EmbeddingModel == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.embedding_model",
			Message: "a default embedding model is required",
		})
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 8192",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	// OpenSearch
	if c.OpenSearch.BaseURL != "" && !isHTTPURL(c.OpenSearch.BaseURL) {
		errors = append(errors, ValidationError{
			Field:   "opensearch.base_url",
			Message: "invalid OpenSearch URL",
		})
	}

	// Database
	if c.Database.URL != "" {
		if u, err := url.Parse(c.Database.URL); err != nil || !strings.HasPrefix(u.Scheme, "postgres") {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	}

	if c.Database.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.batch_size",
			Message: "batch_size must be positive",
		})
	}

	// Retrieval
	if c.Retrieval.MaxDocuments < 1 || c.Retrieval.MaxDocuments > 15 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.max_documents",
			Message: "max_documents must be between 1 and 15",
		})
	}

	if threshold := c.Retrieval.Threshold(); threshold < 0 || threshold > 2 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.score_threshold",
			Message: "score_threshold must be between 0 and 2",
		})
	}

	// Processor
	if c.Processor.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	// Scraper
	if c.Scraper.MaxDepth < 1 {
		errors = append(errors, ValidationError{
			Field:   "scraper.max_depth",
			Message: "max_depth must be positive",
		})
	}

	if c.Scraper.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scraper.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	for _, ext := range c.Scraper.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errors = append(errors, ValidationError{
				Field:   "scraper.allowed_extensions",
				Message: fmt.Sprintf("invalid extension format: %s", ext),
			})
		}
	}

	// UI
	if c.UI.PreviewLength < 1 {
		errors = append(errors, ValidationError{
			Field:   "ui.preview_length",
			Message: "preview_length must be positive",
		})
	}

	if c.UI.PreviewNoticeThreshold < 0 {
		errors = append(errors, ValidationError{
			Field:   "ui.preview_notice_threshold",
			Message: "preview_notice_threshold cannot be negative",
		})
	}

	if c.UI.PreviewNoticeThreshold > c.UI.PreviewLength {
		errors = append(errors, ValidationError{
			Field:   "ui.preview_notice_threshold",
			Message: "preview_notice_threshold cannot exceed preview_length",
		})
	}

	return errors
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
