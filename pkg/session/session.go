// Package session holds per-connection conversation state.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/xhad/ouragboros/internal/models"
)

// Phase is the orchestrator state of a session.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseQuerySubmitted Phase = "query_submitted"
	PhaseRetrieving     Phase = "retrieving"
	PhaseAnswering      Phase = "answering"
)

// Session is the state of one browser connection. It is written by the
// connection's reader and read by the download handler, so access goes
// through its methods.
type Session struct {
	ID string

	mu      sync.RWMutex
	query   string
	matches []models.Match
	answer  []byte
	phase   Phase
	notice  string
}

func New() *Session {
	return &Session{ID: uuid.NewString(), phase: PhaseIdle}
}

// Reset starts a new run for query, discarding everything from the last one.
func (s *Session) Reset(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.query = query
	s.matches = nil
	s.answer = nil
	s.notice = ""
	s.phase = PhaseQuerySubmitted
}

func (s *Session) SetPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// SetMatches stores the ranked matches of the current run.
func (s *Session) SetMatches(matches []models.Match) {
	s.mu.Lock()
	s.matches = append([]models.Match(nil), matches...)
	s.mu.Unlock()
}

func (s *Session) SetNotice(notice string) {
	s.mu.Lock()
	s.notice = notice
	s.mu.Unlock()
}

// AppendAnswer adds a streamed chunk to the answer.
func (s *Session) AppendAnswer(chunk string) {
	s.mu.Lock()
	s.answer = append(s.answer, chunk...)
	s.mu.Unlock()
}

func (s *Session) Query() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query
}

func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Session) Notice() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notice
}

func (s *Session) Answer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.answer)
}

// Matches returns a copy of the current matches.
func (s *Session) Matches() []models.Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Match(nil), s.matches...)
}

// Match returns the match at index, if any.
func (s *Session) Match(index int) (models.Match, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.matches) {
		return models.Match{}, false
	}
	return s.matches[index], true
}
