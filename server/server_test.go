package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/ouragboros/internal/models"
	"github.com/xhad/ouragboros/internal/types"
	"github.com/xhad/ouragboros/pkg/ingest"
	"github.com/xhad/ouragboros/pkg/llm"
	"github.com/xhad/ouragboros/pkg/loader"
	"github.com/xhad/ouragboros/pkg/render"
	"github.com/xhad/ouragboros/pkg/retrieval"
	"github.com/xhad/ouragboros/pkg/store"
)

const (
	embeddingModel = "nomic-embed-text:latest"
	llmModel       = "mistral:latest"
)

// letterEmbedder embeds text by counting a, b and c.
type letterEmbedder struct{}

func (e letterEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = e.EmbedQuery(ctx, text)
	}
	return out, nil
}

func (letterEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	text = strings.ToLower(text)
	return []float32{
		float32(strings.Count(text, "a")) + 0.1,
		float32(strings.Count(text, "b")) + 0.1,
		float32(strings.Count(text, "c")) + 0.1,
	}, nil
}

type embedderFor struct{}

func (embedderFor) For(model string) (embeddings.Embedder, error) {
	if model != embeddingModel {
		return nil, fmt.Errorf("%w: unknown model %s", llm.ErrModelUnavailable, model)
	}
	return letterEmbedder{}, nil
}

type fakeModels struct {
	mu      sync.Mutex
	pulled  []string
	missing map[string]bool
}

func (f *fakeModels) Pull(_ context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[model] {
		return fmt.Errorf("%w: %s not found", llm.ErrModelUnavailable, model)
	}
	f.pulled = append(f.pulled, model)
	return nil
}

func (f *fakeModels) List(context.Context) ([]string, []string, error) {
	return []string{embeddingModel, "mxbai-embed-large:latest"}, []string{"llama3:latest", llmModel}, nil
}

// echoModel streams a fixed answer and remembers the last prompt.
type echoModel struct {
	mu       sync.Mutex
	chunks   []string
	messages []llms.MessageContent
}

func (m *echoModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	m.messages = messages
	m.mu.Unlock()

	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	for _, chunk := range m.chunks {
		if err := opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
			return nil, err
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: strings.Join(m.chunks, "")}}}, nil
}

func (m *echoModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func (m *echoModel) humanTurn() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.messages[len(m.messages)-1]
	return last.Parts[0].(llms.TextContent).Text
}

type fixture struct {
	server *httptest.Server
	mem    *store.MemoryStore
	models *fakeModels
	llm    *echoModel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemoryStore()
	docs := []models.Document{
		{ID: "a", Content: strings.Repeat("a", 600), Metadata: map[string]interface{}{
			models.MetaSource: "docs/alpha.txt", models.MetaPageNumber: 1, models.MetaChunkIndex: 0, models.MetaChunkOverlapPercent: 20,
		}},
		{ID: "b", Content: "bbbb bbbb", Metadata: map[string]interface{}{models.MetaSource: "docs/beta.txt"}},
		{ID: "c", Content: "cccc cccc", Metadata: map[string]interface{}{models.MetaSource: "docs/gamma.txt"}},
	}
	vectors, _ := letterEmbedder{}.EmbedDocuments(context.Background(), []string{docs[0].Content, docs[1].Content, docs[2].Content})
	require.NoError(t, mem.Add(context.Background(), embeddingModel, docs, vectors))

	backends := store.NewRegistry(mem)
	model := &echoModel{chunks: []string{"The answer ", "is alpha."}}
	chat, err := llm.NewWithConfig(llm.ChatConfig{
		NewModel: func(string) (llms.Model, error) { return model, nil },
	})
	require.NoError(t, err)

	fm := &fakeModels{missing: map[string]bool{}}
	s, err := NewWSServer(Config{
		Backends:       []store.Kind{store.KindMemory, store.KindOpenSearch},
		OpenSearchURL:  "http://localhost:9200",
		EmbeddingModel: embeddingModel,
		LLMModel:       llmModel,
		Prompt:         "Answer from the context.",
		ScoreThreshold: 1.0,
		MaxDocuments:   3,
		SessionTTL:     time.Hour,
	}, Deps{
		Models:    fm,
		Retriever: retrieval.New(embedderFor{}, backends, nil),
		Chat:      chat,
		Ingester:  ingest.New(embedderFor{}, backends, ingest.Config{}),
		Loader:    loader.New(loader.Config{}),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, mem: mem, models: fm, llm: model}
}

func (f *fixture) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := read(t, conn)
	require.Equal(t, types.MessageSession, msg.Type)
	require.NotEmpty(t, msg.Content)
	return conn, msg.Content
}

func read(t *testing.T, conn *websocket.Conn) types.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg types.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// ask sends a query and collects messages up to the terminal one.
func ask(t *testing.T, conn *websocket.Conn, query string, cfg types.SearchConfig) []types.Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(types.Message{
		Type:    types.MessageQuery,
		Content: query,
		Data:    types.QueryPayload{Config: cfg},
	}))

	var out []types.Message
	for {
		msg := read(t, conn)
		out = append(out, msg)
		switch msg.Type {
		case types.MessageDone, types.MessageError:
			return out
		case types.MessageWarning:
			if msg.Content != render.NoMatchesNotice {
				return out
			}
		}
	}
}

func kinds(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func threshold(v float64) *float64 { return &v }

func TestQueryStreamsAnswerAndSources(t *testing.T) {
	f := newFixture(t)
	conn, sessionID := f.dial(t)

	msgs := ask(t, conn, "aaa?", types.SearchConfig{
		Backend:        "memory",
		ScoreThreshold: threshold(1.5),
		MaxDocuments:   3,
	})

	assert.Equal(t, []string{
		types.MessageUser,
		types.MessageStatus,
		types.MessageStatus,
		types.MessageStatus,
		types.MessageMatches,
		types.MessageStream,
		types.MessageStream,
		types.MessageSources,
		types.MessageDone,
	}, kinds(msgs))

	assert.Equal(t, "aaa?", msgs[0].Content)
	assert.Equal(t, "Loading `nomic-embed-text:latest` embeddings...", msgs[1].Content)
	assert.Equal(t, "Loading `mistral:latest` LLM...", msgs[2].Content)
	assert.Equal(t, render.SearchingStatus, msgs[3].Content)
	assert.Equal(t, "Found 1 document match.", msgs[4].Content)
	assert.Equal(t, "The answer ", msgs[5].Content)
	assert.Equal(t, "The answer is alpha.", msgs[8].Content)
	assert.Equal(t, []string{embeddingModel, llmModel}, f.models.pulled)

	// context is the matched content
	assert.Contains(t, f.llm.humanTurn(), strings.Repeat("a", 600))
	assert.Contains(t, f.llm.humanTurn(), "aaa?")

	raw, err := json.Marshal(msgs[7].Data)
	require.NoError(t, err)
	var sources types.SourcesPayload
	require.NoError(t, json.Unmarshal(raw, &sources))
	assert.Equal(t, "Source document", sources.Label)
	require.Len(t, sources.Panels, 1)
	panel := sources.Panels[0]
	assert.Equal(t, "alpha.txt_page1_chunk0_overlap20", panel.Heading)
	assert.True(t, panel.Truncated)
	assert.Equal(t, strings.Repeat("a", 500)+render.TruncationNotice, panel.Preview)
	assert.GreaterOrEqual(t, panel.Score, 1.5)

	resp, err := http.Get(f.server.URL + panel.DownloadURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, strings.Repeat("a", 600), string(body))
	assert.Equal(t, "attachment; filename=alpha.txt", resp.Header.Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))

	resp, err = http.Get(f.server.URL + render.DownloadURL(sessionID, 5))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/api/sessions/" + sessionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state types.SessionState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, types.SessionState{
		ID:        sessionID,
		Query:     "aaa?",
		Phase:     "idle",
		Answer:    "The answer is alpha.",
		Documents: 1,
	}, state)

	resp, err = http.Get(f.server.URL + "/api/sessions/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAttachmentFilename(t *testing.T) {
	assert.Equal(t, "attachment; filename=alpha.txt", attachment("alpha.txt"))
	assert.Equal(t, `attachment; filename="my notes.txt"`, attachment("my notes.txt"))
	assert.Equal(t, "attachment; filename*=utf-8''caf%C3%A9.txt", attachment("café.txt"))
}

func TestNoMatchesStillAnswers(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.dial(t)

	msgs := ask(t, conn, "zzz", types.SearchConfig{ScoreThreshold: threshold(2.0)})
	assert.Equal(t, []string{
		types.MessageUser,
		types.MessageStatus,
		types.MessageStatus,
		types.MessageStatus,
		types.MessageWarning,
		types.MessageStream,
		types.MessageStream,
		types.MessageDone,
	}, kinds(msgs))
	assert.Equal(t, render.NoMatchesNotice, msgs[4].Content)
	assert.Equal(t, "Context:\n\n\nQuestion: zzz", f.llm.humanTurn())
}

func TestModelUnavailableKeepsConnection(t *testing.T) {
	f := newFixture(t)
	f.models.missing["missing:latest"] = true
	conn, _ := f.dial(t)

	msgs := ask(t, conn, "aaa", types.SearchConfig{LLMModel: "missing:latest"})
	last := msgs[len(msgs)-1]
	assert.Equal(t, types.MessageWarning, last.Type)
	assert.Contains(t, last.Content, "Model unavailable")

	msgs = ask(t, conn, "aaa", types.SearchConfig{ScoreThreshold: threshold(1.5)})
	assert.Equal(t, types.MessageDone, msgs[len(msgs)-1].Type)
}

func TestBackendUnavailable(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.dial(t)

	msgs := ask(t, conn, "aaa", types.SearchConfig{Backend: "opensearch"})
	last := msgs[len(msgs)-1]
	assert.Equal(t, types.MessageWarning, last.Type)
	assert.Contains(t, last.Content, "Vector store unavailable")
}

func TestInvalidSearchConfig(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.dial(t)

	msgs := ask(t, conn, "aaa", types.SearchConfig{MaxDocuments: 20})
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MessageError, msgs[0].Type)

	msgs = ask(t, conn, "aaa", types.SearchConfig{ScoreThreshold: threshold(2.5)})
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MessageError, msgs[0].Type)

	msgs = ask(t, conn, "   ", types.SearchConfig{})
	require.Len(t, msgs, 1)
	assert.Equal(t, types.MessageError, msgs[0].Type)
}

func TestMalformedMessage(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, types.MessageError, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(types.Message{Type: "ping"}))
	assert.Equal(t, types.MessageError, read(t, conn).Type)
}

func TestConfigEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var defaults types.Defaults
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&defaults))
	assert.Equal(t, []string{"memory", "opensearch"}, defaults.Backends)
	assert.Equal(t, "memory", defaults.DefaultBackend)
	assert.Equal(t, []string{embeddingModel, "mxbai-embed-large:latest"}, defaults.EmbeddingModels)
	assert.Equal(t, []string{llmModel, "llama3:latest"}, defaults.LLMModels)
	assert.Equal(t, 1.0, defaults.ScoreThreshold)
	assert.Equal(t, 3, defaults.MaxDocuments)
	assert.Equal(t, [2]int{1, 15}, defaults.DocumentsRange)
}

func TestUpload(t *testing.T) {
	f := newFixture(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("backend", "memory"))
	part, err := w.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	part.Write([]byte("Cabbage and carrots. Both are vegetables."))
	require.NoError(t, w.Close())

	resp, err := http.Post(f.server.URL+"/api/documents", w.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out uploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"notes.txt"}, out.Files)
	assert.Equal(t, 1, out.Chunks)
	assert.Equal(t, 4, f.mem.Len(embeddingModel))
}

func TestUploadRejectsBinary(t *testing.T) {
	f := newFixture(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "blob.bin")
	require.NoError(t, err)
	part.Write([]byte{0xff, 0x00, 0xfe})
	require.NoError(t, w.Close())

	resp, err := http.Post(f.server.URL+"/api/documents", w.FormDataContentType(), &body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestPagesAndHealthChecks(t *testing.T) {
	f := newFixture(t)

	for path, want := range map[string]string{
		"/":        "<title>OuRAGboros</title>",
		"/health":  "OK",
		"/metrics": "ouragboros_active_sessions",
	} {
		resp, err := http.Get(f.server.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Contains(t, string(body), want, path)
	}

	resp, err := http.Get(f.server.URL + "/api/sessions/unknown/documents/0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveSearch(t *testing.T) {
	s := &WSServer{config: Config{
		DefaultBackend: store.KindMemory,
		EmbeddingModel: embeddingModel,
		LLMModel:       llmModel,
		Prompt:         "default prompt",
		ScoreThreshold: 1.0,
		MaxDocuments:   3,
	}}

	sc, err := s.resolveSearch(types.SearchConfig{})
	require.NoError(t, err)
	assert.Equal(t, search{
		backend:        store.KindMemory,
		embeddingModel: embeddingModel,
		llmModel:       llmModel,
		threshold:      1.0,
		k:              3,
		prompt:         "default prompt",
	}, sc)

	sc, err = s.resolveSearch(types.SearchConfig{Backend: "OpenSearch", ScoreThreshold: threshold(0), MaxDocuments: 15})
	require.NoError(t, err)
	assert.Equal(t, store.KindOpenSearch, sc.backend)
	assert.Equal(t, 0.0, sc.threshold)
	assert.Equal(t, 15, sc.k)

	for _, cfg := range []types.SearchConfig{
		{Backend: "redis"},
		{ScoreThreshold: threshold(-0.1)},
		{MaxDocuments: -1},
		{MaxDocuments: 16},
	} {
		_, err := s.resolveSearch(cfg)
		assert.True(t, errors.Is(err, errInvalidSearch), "%+v", cfg)
	}
}
