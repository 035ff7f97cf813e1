package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/ouragboros/internal/types"
	"github.com/xhad/ouragboros/pkg/llm"
	"github.com/xhad/ouragboros/pkg/render"
	"github.com/xhad/ouragboros/pkg/retrieval"
	"github.com/xhad/ouragboros/pkg/session"
	"github.com/xhad/ouragboros/pkg/store"
)

// errInvalidSearch marks a search configuration rejected before any work.
var errInvalidSearch = errors.New("invalid search configuration")

// search is a validated query configuration.
type search struct {
	backend        store.Kind
	embeddingModel string
	llmModel       string
	threshold      float64
	k              int
	prompt         string
}

// orchestrator runs one query for a session. Errors returned from run mean
// the connection is gone; every other failure is reported to the client.
type orchestrator struct {
	server  *WSServer
	session *session.Session
	send    func(types.Message) error
	logger  *zap.Logger
}

func (s *WSServer) resolveSearch(cfg types.SearchConfig) (search, error) {
	out := search{
		backend:        s.config.DefaultBackend,
		embeddingModel: strings.TrimSpace(cfg.EmbeddingModel),
		llmModel:       strings.TrimSpace(cfg.LLMModel),
		threshold:      s.config.ScoreThreshold,
		k:              cfg.MaxDocuments,
		prompt:         cfg.Prompt,
	}

	if cfg.Backend != "" {
		kind, err := store.ParseKind(cfg.Backend)
		if err != nil {
			return out, fmt.Errorf("%w: %v", errInvalidSearch, err)
		}
		out.backend = kind
	}
	if out.embeddingModel == "" {
		out.embeddingModel = s.config.EmbeddingModel
	}
	if out.llmModel == "" {
		out.llmModel = s.config.LLMModel
	}
	if out.embeddingModel == "" || out.llmModel == "" {
		return out, fmt.Errorf("%w: select an embedding model and an LLM", errInvalidSearch)
	}
	if cfg.ScoreThreshold != nil {
		out.threshold = *cfg.ScoreThreshold
	}
	if out.threshold < 0 || out.threshold > 2 {
		return out, fmt.Errorf("%w: score threshold must be between 0 and 2", errInvalidSearch)
	}
	if out.k == 0 {
		out.k = s.config.MaxDocuments
	}
	if out.k < 1 || out.k > MaxDocumentsLimit {
		return out, fmt.Errorf("%w: max documents must be between 1 and %d", errInvalidSearch, MaxDocumentsLimit)
	}
	if strings.TrimSpace(out.prompt) == "" {
		out.prompt = s.config.Prompt
	}
	return out, nil
}

func (o *orchestrator) status(content string) error {
	return o.send(types.Message{Type: types.MessageStatus, Content: content})
}

// warn reports a non-fatal failure and leaves the session idle.
func (o *orchestrator) warn(content string) error {
	o.session.SetNotice(content)
	o.session.SetPhase(session.PhaseIdle)
	return o.send(types.Message{Type: types.MessageWarning, Content: content})
}

func (o *orchestrator) run(ctx context.Context, query string, cfg types.SearchConfig) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return o.send(types.Message{Type: types.MessageError, Content: "Please enter a question."})
	}

	sc, err := o.server.resolveSearch(cfg)
	if err != nil {
		return o.send(types.Message{Type: types.MessageError, Content: err.Error()})
	}

	o.session.Reset(query)
	if err := o.send(types.Message{Type: types.MessageUser, Content: query}); err != nil {
		return err
	}

	models := o.server.deps.Models
	if err := o.status(fmt.Sprintf("Loading `%s` embeddings...", sc.embeddingModel)); err != nil {
		return err
	}
	if err := models.Pull(ctx, sc.embeddingModel); err != nil {
		return o.fail(ctx, err)
	}
	if err := o.status(fmt.Sprintf("Loading `%s` LLM...", sc.llmModel)); err != nil {
		return err
	}
	if err := models.Pull(ctx, sc.llmModel); err != nil {
		return o.fail(ctx, err)
	}

	o.session.SetPhase(session.PhaseRetrieving)
	if err := o.status(render.SearchingStatus); err != nil {
		return err
	}
	matches, err := o.server.deps.Retriever.Retrieve(ctx, retrieval.Request{
		Query:          query,
		K:              sc.k,
		ScoreThreshold: sc.threshold,
		EmbeddingModel: sc.embeddingModel,
		Backend:        sc.backend,
	})
	if err != nil {
		return o.fail(ctx, err)
	}
	o.session.SetMatches(matches)

	if len(matches) == 0 {
		o.session.SetNotice(render.NoMatchesNotice)
		if err := o.send(types.Message{Type: types.MessageWarning, Content: render.NoMatchesNotice}); err != nil {
			return err
		}
	} else {
		if err := o.send(types.Message{Type: types.MessageMatches, Content: render.MatchSummary(len(matches)), Data: len(matches)}); err != nil {
			return err
		}
	}

	o.session.SetPhase(session.PhaseAnswering)
	stream, err := o.server.deps.Chat.Ask(ctx, llm.AskRequest{
		Model:   sc.llmModel,
		Prompt:  sc.prompt,
		Query:   query,
		Context: retrieval.JoinContext(matches),
	})
	if err != nil {
		return o.fail(ctx, err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return o.fail(ctx, err)
		}
		o.session.AppendAnswer(chunk)
		if err := o.send(types.Message{Type: types.MessageStream, Content: chunk}); err != nil {
			return err
		}
	}

	if len(matches) > 0 {
		sources := o.server.config.Preview.Sources(o.session.ID, matches)
		if err := o.send(types.Message{Type: types.MessageSources, Content: sources.Label, Data: sources}); err != nil {
			return err
		}
	}

	o.session.SetPhase(session.PhaseIdle)
	return o.send(types.Message{Type: types.MessageDone, Content: o.session.Answer()})
}

// fail turns a model or backend error into a warning. A cancelled context
// means the client went away and is returned as is.
func (o *orchestrator) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	o.logger.Warn("Query failed", zap.Error(err))

	switch {
	case errors.Is(err, llm.ErrModelUnavailable):
		return o.warn(fmt.Sprintf("Model unavailable: %v", err))
	case errors.Is(err, retrieval.ErrBackendUnavailable):
		return o.warn(fmt.Sprintf("Vector store unavailable: %v", err))
	default:
		return o.warn(fmt.Sprintf("Query failed: %v", err))
	}
}
