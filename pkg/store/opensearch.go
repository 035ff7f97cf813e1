package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"go.uber.org/zap"

	"github.com/xhad/ouragboros/internal/models"
)

// Field names follow the layout LangChain's OpenSearch vector store uses, so
// indexes written by either can be shared.
const (
	osVectorField   = "vector_field"
	osTextField     = "text"
	osMetadataField = "metadata"
)

type OpenSearchConfig struct {
	BaseURL            string
	Username           string
	Password           string
	InsecureSkipVerify bool
	IndexPrefix        string
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// OpenSearchStore stores each embedding model's vectors in its own k-NN index
// and queries it with exact script scoring in cosine space.
type OpenSearchStore struct {
	config OpenSearchConfig
	client *opensearch.Client
	logger *zap.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

func NewOpenSearch(config OpenSearchConfig) (*OpenSearchStore, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:9200"
	}
	if config.IndexPrefix == "" {
		config.IndexPrefix = "ouragboros"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	transport := config.Transport
	if transport == nil {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: config.InsecureSkipVerify}, //nolint:gosec // opt-in for local clusters
		}
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{config.BaseURL},
		Username:  config.Username,
		Password:  config.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenSearch client: %w", err)
	}

	return &OpenSearchStore{
		config:  config,
		client:  client,
		logger:  config.Logger.With(zap.String("module", "opensearch")),
		ensured: make(map[string]bool),
	}, nil
}

func (s *OpenSearchStore) Kind() Kind { return KindOpenSearch }

func (s *OpenSearchStore) Close() error { return nil }

// IndexName returns the index holding documents embedded with model.
func (s *OpenSearchStore) IndexName(model string) string {
	return indexName(s.config.IndexPrefix, model)
}

// EnsureIndex creates the model's k-NN index when it does not exist yet.
func (s *OpenSearchStore) EnsureIndex(ctx context.Context, model string, dim int) error {
	name := s.IndexName(model)

	s.mu.Lock()
	done := s.ensured[name]
	s.mu.Unlock()
	if done {
		return nil
	}

	res, err := opensearchapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	drain(res)

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		if err := s.createIndex(ctx, name, dim); err != nil {
			return err
		}
		s.logger.Info("created index", zap.String("index", name), zap.Int("dimension", dim))
	default:
		return fmt.Errorf("%w: index check for %s returned %s", ErrUnreachable, name, res.Status())
	}

	s.mu.Lock()
	s.ensured[name] = true
	s.mu.Unlock()
	return nil
}

func (s *OpenSearchStore) createIndex(ctx context.Context, name string, dim int) error {
	body, err := json.Marshal(indexMapping(dim))
	if err != nil {
		return fmt.Errorf("failed to encode index mapping: %w", err)
	}

	res, err := opensearchapi.IndicesCreateRequest{
		Index: name,
		Body:  bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		// Another session may have created it in the meantime.
		if strings.Contains(string(raw), "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("failed to create index %s: %s: %s", name, res.Status(), string(raw))
	}
	return nil
}

func indexMapping(dim int) map[string]interface{} {
	return map[string]interface{}{
		"settings": map[string]interface{}{
			"index": map[string]interface{}{
				"knn": true,
			},
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				osVectorField: map[string]interface{}{
					"type":      "knn_vector",
					"dimension": dim,
				},
				osTextField: map[string]interface{}{
					"type": "text",
				},
				osMetadataField: map[string]interface{}{
					"type": "object",
				},
			},
		},
	}
}

// searchBody builds an exact k-NN script score query. The knn_score script in
// cosinesimil space already scores 1 + cosine similarity.
func searchBody(req SearchRequest) map[string]interface{} {
	return map[string]interface{}{
		"size":      req.K,
		"min_score": req.ScoreThreshold,
		"_source":   []string{osTextField, osMetadataField},
		"query": map[string]interface{}{
			"script_score": map[string]interface{}{
				"query": map[string]interface{}{
					"match_all": map[string]interface{}{},
				},
				"script": map[string]interface{}{
					"source": "knn_score",
					"lang":   "knn",
					"params": map[string]interface{}{
						"field":       osVectorField,
						"query_value": req.Vector,
						"space_type":  "cosinesimil",
					},
				},
			},
		},
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source struct {
				Text     string                 `json:"text"`
				Metadata map[string]interface{} `json:"metadata"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *OpenSearchStore) Search(ctx context.Context, req SearchRequest) ([]models.Match, error) {
	if err := s.EnsureIndex(ctx, req.Model, len(req.Vector)); err != nil {
		return nil, err
	}

	body, err := json.Marshal(searchBody(req))
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	res, err := opensearchapi.SearchRequest{
		Index: []string{s.IndexName(req.Model)},
		Body:  bytes.NewReader(body),
	}.Do(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search failed: %s: %s", res.Status(), string(raw))
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	matches := make([]models.Match, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		matches = append(matches, models.Match{
			Document: models.Document{
				ID:       hit.ID,
				Content:  hit.Source.Text,
				Metadata: hit.Source.Metadata,
			},
			Score: hit.Score,
		})
	}
	return matches, nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (s *OpenSearchStore) Add(ctx context.Context, model string, docs []models.Document, vectors [][]float32) error {
	dim, err := checkVectors(docs, vectors)
	if err != nil || dim == 0 {
		return err
	}
	if err := s.EnsureIndex(ctx, model, dim); err != nil {
		return err
	}

	name := s.IndexName(model)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, doc := range docs {
		action := map[string]interface{}{"index": map[string]interface{}{"_index": name, "_id": doc.ID}}
		source := map[string]interface{}{
			osVectorField:   vectors[i],
			osTextField:     doc.Content,
			osMetadataField: doc.Metadata,
		}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(source); err != nil {
			return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
		}
	}

	res, err := opensearchapi.BulkRequest{
		Body:    &buf,
		Refresh: "true",
	}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bulk index failed: %s: %s", res.Status(), string(raw))
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if br.Errors {
		for _, item := range br.Items {
			for _, result := range item {
				if result.Error != nil {
					return fmt.Errorf("bulk index failed: %s: %s", result.Error.Type, result.Error.Reason)
				}
			}
		}
		return fmt.Errorf("bulk index reported errors")
	}
	return nil
}

func drain(res *opensearchapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}
