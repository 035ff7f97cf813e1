package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/ouragboros/internal/models"
)

func TestNewSession(t *testing.T) {
	s := New()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Empty(t, s.Query())
	assert.Empty(t, s.Matches())
	assert.Empty(t, s.Answer())
	assert.NotEqual(t, s.ID, New().ID)
}

func TestResetOverwritesPreviousRun(t *testing.T) {
	s := New()
	s.Reset("first question")
	s.SetMatches([]models.Match{{Document: models.Document{ID: "a"}, Score: 1.5}})
	s.AppendAnswer("The answer ")
	s.AppendAnswer("is 42.")
	s.SetNotice("notice")
	s.SetPhase(PhaseAnswering)

	assert.Equal(t, "The answer is 42.", s.Answer())
	require.Len(t, s.Matches(), 1)

	s.Reset("second question")
	assert.Equal(t, "second question", s.Query())
	assert.Empty(t, s.Matches())
	assert.Empty(t, s.Answer())
	assert.Empty(t, s.Notice())
	assert.Equal(t, PhaseQuerySubmitted, s.Phase())
}

func TestMatchIndex(t *testing.T) {
	s := New()
	s.SetMatches([]models.Match{
		{Document: models.Document{ID: "a"}, Score: 1.9},
		{Document: models.Document{ID: "b"}, Score: 1.1},
	})

	m, ok := s.Match(1)
	require.True(t, ok)
	assert.Equal(t, "b", m.ID)

	_, ok = s.Match(2)
	assert.False(t, ok)
	_, ok = s.Match(-1)
	assert.False(t, ok)
}

func TestMatchesReturnsCopy(t *testing.T) {
	s := New()
	s.SetMatches([]models.Match{{Document: models.Document{ID: "a"}}})
	got := s.Matches()
	got[0].ID = "changed"
	m, _ := s.Match(0)
	assert.Equal(t, "a", m.ID)
}

func TestRepository(t *testing.T) {
	repo := NewRepository(time.Hour)
	s := New()
	repo.Save(s)

	got, ok := repo.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, repo.Len())

	repo.Delete(s.ID)
	_, ok = repo.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, repo.Len())
}

func TestRepositoryExpiry(t *testing.T) {
	repo := NewRepository(20 * time.Millisecond)
	s := New()
	repo.Save(s)

	assert.Eventually(t, func() bool {
		_, ok := repo.Get(s.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}
