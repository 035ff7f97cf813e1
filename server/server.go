// Package server serves the chat page and runs queries over websockets.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xhad/ouragboros/internal/models"
	"github.com/xhad/ouragboros/internal/types"
	"github.com/xhad/ouragboros/pkg/ingest"
	"github.com/xhad/ouragboros/pkg/llm"
	"github.com/xhad/ouragboros/pkg/metrics"
	"github.com/xhad/ouragboros/pkg/render"
	"github.com/xhad/ouragboros/pkg/retrieval"
	"github.com/xhad/ouragboros/pkg/session"
	"github.com/xhad/ouragboros/pkg/store"
)

// MaxDocumentsLimit bounds the number of documents a query may ask for.
const MaxDocumentsLimit = 15

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

// ModelManager pulls and lists Ollama models.
type ModelManager interface {
	Pull(ctx context.Context, model string) error
	List(ctx context.Context) (embedding []string, llm []string, err error)
}

type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) ([]models.Match, error)
}

type ChatEngine interface {
	Ask(ctx context.Context, req llm.AskRequest) (*llm.Stream, error)
}

type Ingester interface {
	Ingest(ctx context.Context, kind store.Kind, model string, pages []models.Page, progress ingest.Progress) (int, error)
}

type Loader interface {
	LoadReader(name string, r io.ReaderAt, size int64) ([]models.Page, error)
}

type Config struct {
	Backends       []store.Kind
	DefaultBackend store.Kind
	OpenSearchURL  string
	EmbeddingModel string
	LLMModel       string
	Prompt         string
	ScoreThreshold float64
	MaxDocuments   int
	Preview        render.Preview
	SessionTTL     time.Duration
	MaxUploadBytes int64
	Logger         *zap.Logger
}

type Deps struct {
	Models    ModelManager
	Retriever Retriever
	Chat      ChatEngine
	Ingester  Ingester
	Loader    Loader
}

type WSServer struct {
	config   Config
	deps     Deps
	sessions *session.Repository
	logger   *zap.Logger
	router   *mux.Router
}

func NewWSServer(config Config, deps Deps) (*WSServer, error) {
	if deps.Models == nil || deps.Retriever == nil || deps.Chat == nil {
		return nil, errors.New("models, retriever and chat engine are required")
	}
	if len(config.Backends) == 0 {
		return nil, errors.New("at least one backend is required")
	}
	if config.DefaultBackend == "" {
		config.DefaultBackend = config.Backends[0]
	}
	if config.MaxDocuments == 0 {
		config.MaxDocuments = 3
	}
	if config.Preview.Length == 0 {
		config.Preview = render.DefaultPreview()
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 32 << 20
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	s := &WSServer{
		config:   config,
		deps:     deps,
		sessions: session.NewRepository(config.SessionTTL),
		logger:   config.Logger.With(zap.String("module", "server")),
	}
	s.router = s.routes()
	return s, nil
}

func (s *WSServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/api/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/documents/{index:[0-9]+}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/documents", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *WSServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *WSServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *WSServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Title string
	}{
		Title: "OuRAGboros",
	}
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.Error("Failed to render page", zap.Error(err))
	}
}

func (s *WSServer) defaults(ctx context.Context) types.Defaults {
	embedding, llms, err := s.deps.Models.List(ctx)
	if err != nil {
		s.logger.Warn("Failed to list models", zap.Error(err))
	}

	backends := make([]string, len(s.config.Backends))
	for i, k := range s.config.Backends {
		backends[i] = string(k)
	}

	return types.Defaults{
		Backends:        backends,
		DefaultBackend:  string(s.config.DefaultBackend),
		OpenSearchURL:   s.config.OpenSearchURL,
		EmbeddingModels: withFirst(s.config.EmbeddingModel, embedding),
		LLMModels:       withFirst(s.config.LLMModel, llms),
		Prompt:          s.config.Prompt,
		ScoreThreshold:  s.config.ScoreThreshold,
		MaxDocuments:    s.config.MaxDocuments,
		ThresholdRange:  [2]float64{0, 2},
		DocumentsRange:  [2]int{1, MaxDocumentsLimit},
	}
}

func (s *WSServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.defaults(r.Context()))
}

func (s *WSServer) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, types.SessionState{
		ID:        sess.ID,
		Query:     sess.Query(),
		Phase:     string(sess.Phase()),
		Notice:    sess.Notice(),
		Answer:    sess.Answer(),
		Documents: len(sess.Matches()),
	})
}

func (s *WSServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, ok := s.sessions.Get(vars["id"])
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		http.Error(w, "invalid document index", http.StatusBadRequest)
		return
	}
	match, ok := sess.Match(index)
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", attachment(render.DownloadName(match.Document)))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, match.Content)
}

// attachment encodes non-ASCII names per RFC 2231.
func attachment(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}

type uploadResponse struct {
	Backend string   `json:"backend"`
	Model   string   `json:"model"`
	Files   []string `json:"files"`
	Chunks  int      `json:"chunks"`
}

func (s *WSServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingester == nil || s.deps.Loader == nil {
		http.Error(w, "uploads are disabled", http.StatusNotImplemented)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("invalid upload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	kind := s.config.DefaultBackend
	if v := r.FormValue("backend"); v != "" {
		parsed, err := store.ParseKind(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		kind = parsed
	}
	model := r.FormValue("embedding_model")
	if model == "" {
		model = s.config.EmbeddingModel
	}

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		http.Error(w, "no files uploaded", http.StatusBadRequest)
		return
	}

	var pages []models.Page
	resp := uploadResponse{Backend: string(kind), Model: model}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to open %s: %v", fh.Filename, err), http.StatusBadRequest)
			return
		}
		filePages, err := s.deps.Loader.LoadReader(fh.Filename, f, fh.Size)
		f.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		pages = append(pages, filePages...)
		resp.Files = append(resp.Files, fh.Filename)
	}

	if err := s.deps.Models.Pull(r.Context(), model); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	n, err := s.deps.Ingester.Ingest(r.Context(), kind, model, pages, nil)
	if err != nil {
		s.logger.Warn("Upload ingestion failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	resp.Chunks = n

	writeJSON(w, http.StatusOK, resp)
}

// inbound is a message read from the socket, or the error decoding it.
type inbound struct {
	msg types.Message
	err error
}

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess := session.New()
	s.sessions.Save(sess)
	metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	defer func() {
		s.sessions.Delete(sess.ID)
		metrics.ActiveSessions.Set(float64(s.sessions.Len()))
	}()

	logger := s.logger.With(zap.String("session", sess.ID))
	logger.Info("Session opened")

	// Closing the socket cancels whatever the session is running.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	messages := make(chan inbound, 8)
	go func() {
		defer close(messages)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("Error reading message", zap.Error(err))
				}
				return
			}
			var msg types.Message
			err = json.Unmarshal(data, &msg)
			select {
			case messages <- inbound{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()

	send := func(msg types.Message) error {
		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		return conn.WriteJSON(msg)
	}

	if err := send(types.Message{Type: types.MessageSession, Content: sess.ID}); err != nil {
		return
	}

	for in := range messages {
		if in.err != nil {
			if err := send(types.Message{Type: types.MessageError, Content: "invalid message"}); err != nil {
				return
			}
			continue
		}
		if in.msg.Type != types.MessageQuery {
			if err := send(types.Message{Type: types.MessageError, Content: fmt.Sprintf("unsupported message type %q", in.msg.Type)}); err != nil {
				return
			}
			continue
		}

		payload, err := decodeQuery(in.msg)
		if err != nil {
			if err := send(types.Message{Type: types.MessageError, Content: "invalid query configuration"}); err != nil {
				return
			}
			continue
		}

		s.sessions.Save(sess)
		o := &orchestrator{server: s, session: sess, send: send, logger: logger}
		if err := o.run(ctx, in.msg.Content, payload.Config); err != nil {
			logger.Info("Session closed during query", zap.Error(err))
			return
		}
	}
	logger.Info("Session closed")
}

func decodeQuery(msg types.Message) (types.QueryPayload, error) {
	var payload types.QueryPayload
	if msg.Data == nil {
		return payload, nil
	}
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return payload, err
	}
	err = json.Unmarshal(data, &payload)
	return payload, err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func withFirst(first string, names []string) []string {
	out := []string{}
	if first != "" {
		out = append(out, first)
	}
	for _, n := range names {
		if n != first {
			out = append(out, n)
		}
	}
	return out
}
